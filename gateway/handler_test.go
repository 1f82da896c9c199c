package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/duckchat-go/duckchat/config"
	"github.com/duckchat-go/duckchat/duckchat"
)

// newFakeUpstream emulates the chat service: the handshake issues sequential
// tokens and every turn answers "echo: <last user message>" in two
// fragments.
func newFakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	var statusCalls, chatCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/duckchat/v1/status":
			w.Header().Set("x-vqd-4", fmt.Sprintf("vqd-s%d", statusCalls.Add(1)))
		case "/duckchat/v1/chat":
			var payload struct {
				Messages []struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"messages"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Messages) == 0 {
				http.Error(w, "bad payload", http.StatusBadRequest)
				return
			}
			last := payload.Messages[len(payload.Messages)-1]
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("x-vqd-4", fmt.Sprintf("vqd-c%d", chatCalls.Add(1)))
			fmt.Fprint(w, "data: {\"message\":\"echo: \"}\n\n")
			frag, _ := json.Marshal(map[string]string{"message": last.Content})
			fmt.Fprintf(w, "data: %s\n\n", frag)
			fmt.Fprint(w, "data: [DONE]\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Model:      string(duckchat.ModelClaude),
		BaseURL:    upstreamURL,
		UserAgent:  "gateway-test",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		SessionTTL: time.Minute,
	}
}

func newTestHandler(t *testing.T) (*Handler, *Manager, *echo.Echo) {
	t.Helper()
	upstream := newFakeUpstream(t)
	cfg := newTestConfig(upstream.URL)
	sessions := NewManager(cfg)
	return NewHandler(cfg, sessions), sessions, echo.New()
}

func createSession(t *testing.T, h *Handler, e *echo.Echo, body string) SessionResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	assert.NoError(t, h.CreateSession(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp SessionResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	return resp
}

func postMessage(t *testing.T, h *Handler, e *echo.Echo, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/messages", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/sessions/:id/messages")
	c.SetParamNames("id")
	c.SetParamValues(sessionID)

	assert.NoError(t, h.PostMessage(c))
	return rec
}

func TestSessionLifecycle(t *testing.T) {
	h, sessions, e := newTestHandler(t)

	created := createSession(t, h, e, `{}`)
	assert.Equal(t, string(duckchat.ModelClaude), created.Model)
	assert.Equal(t, 1, sessions.Len())

	t.Run("first turn", func(t *testing.T) {
		rec := postMessage(t, h, e, created.SessionID, `{"content":"hello"}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp AnswerResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "echo: hello", resp.Answer)
		assert.Equal(t, 1, resp.Turns)
	})

	t.Run("reask first turn", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+created.SessionID+"/reask", strings.NewReader(`{"turn":1}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetPath("/v1/sessions/:id/reask")
		c.SetParamNames("id")
		c.SetParamValues(created.SessionID)

		assert.NoError(t, h.Reask(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp AnswerResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "echo: hello", resp.Answer)
	})

	t.Run("delete", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+created.SessionID, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetPath("/v1/sessions/:id")
		c.SetParamNames("id")
		c.SetParamValues(created.SessionID)

		assert.NoError(t, h.DeleteSession(c))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, 0, sessions.Len())
	})
}

func TestCreateSessionUnknownModel(t *testing.T) {
	h, _, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"model":"gpt-99"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	assert.NoError(t, h.CreateSession(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessageUnknownSession(t *testing.T) {
	h, _, e := newTestHandler(t)

	rec := postMessage(t, h, e, "sess_missing", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "session_not_found", resp.Error.Code)
}

func TestPostMessageEmptyContent(t *testing.T) {
	h, _, e := newTestHandler(t)
	created := createSession(t, h, e, `{}`)

	rec := postMessage(t, h, e, created.SessionID, `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReaskNoHistory(t *testing.T) {
	h, _, e := newTestHandler(t)
	created := createSession(t, h, e, `{}`)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+created.SessionID+"/reask", strings.NewReader(`{"turn":0}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/sessions/:id/reask")
	c.SetParamNames("id")
	c.SetParamValues(created.SessionID)

	assert.NoError(t, h.Reask(c))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no_history", resp.Error.Code)
}

func TestStreamingMessage(t *testing.T) {
	upstream := newFakeUpstream(t)
	cfg := newTestConfig(upstream.URL)
	sessions := NewManager(cfg)
	h := NewHandler(cfg, sessions)

	e := echo.New()
	h.RegisterRoutes(e)
	server := httptest.NewServer(e)
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/sessions", echo.MIMEApplicationJSON, strings.NewReader(`{}`))
	assert.NoError(t, err)
	var created SessionResponse
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	resp, err = http.Post(
		server.URL+"/v1/sessions/"+created.SessionID+"/messages",
		echo.MIMEApplicationJSON,
		strings.NewReader(`{"content":"stream me","stream":true}`),
	)
	assert.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	raw := string(body)
	assert.Contains(t, raw, `"message":"echo: "`)
	assert.Contains(t, raw, `"message":"stream me"`)
	assert.Contains(t, raw, "data: [DONE]")
}

func TestAPIKeyRequired(t *testing.T) {
	upstream := newFakeUpstream(t)
	cfg := newTestConfig(upstream.URL)
	cfg.APIKey = "secret"
	sessions := NewManager(cfg)
	h := NewHandler(cfg, sessions)

	e := echo.New()
	h.RegisterRoutes(e)
	server := httptest.NewServer(e)
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/sessions", echo.MIMEApplicationJSON, strings.NewReader(`{}`))
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/v1/sessions", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestListModels(t *testing.T) {
	h, _, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	assert.NoError(t, h.ListModels(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ModelsResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	assert.Len(t, resp.Data, len(duckchat.Models()))
}

func TestEvictIdle(t *testing.T) {
	upstream := newFakeUpstream(t)
	cfg := newTestConfig(upstream.URL)
	cfg.SessionTTL = 10 * time.Millisecond
	sessions := NewManager(cfg)

	s, err := sessions.Create("")
	assert.NoError(t, err)
	s.lastUsed = time.Now().Add(-time.Minute)

	assert.Equal(t, 1, sessions.EvictIdle())
	assert.Equal(t, 0, sessions.Len())
	_, ok := sessions.Get(s.ID)
	assert.False(t, ok)
}
