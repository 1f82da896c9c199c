// Package gateway exposes the chat session engine over HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/duckchat-go/duckchat/config"
	"github.com/duckchat-go/duckchat/duckchat"
)

// Handler handles gateway HTTP requests.
type Handler struct {
	cfg      *config.Config
	sessions *Manager
}

// NewHandler creates a gateway handler backed by the given session manager.
func NewHandler(cfg *config.Config, sessions *Manager) *Handler {
	return &Handler{cfg: cfg, sessions: sessions}
}

// RegisterRoutes registers the gateway routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1", h.requireAPIKey)
	v1.POST("/sessions", h.CreateSession)
	v1.DELETE("/sessions/:id", h.DeleteSession)
	v1.POST("/sessions/:id/messages", h.PostMessage)
	v1.POST("/sessions/:id/reask", h.Reask)
	v1.GET("/models", h.ListModels)

	e.GET("/ws", h.HandleWebSocket)
}

// ErrorResponse is the gateway error envelope.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError carries the error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	Model string `json:"model,omitempty"`
}

// SessionResponse describes a session.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

// MessageRequest is the body of POST /v1/sessions/:id/messages.
type MessageRequest struct {
	Content string `json:"content"`
	Stream  bool   `json:"stream,omitempty"`
}

// ReaskRequest is the body of POST /v1/sessions/:id/reask.
type ReaskRequest struct {
	Turn   int  `json:"turn"`
	Stream bool `json:"stream,omitempty"`
}

// AnswerResponse is the buffered result of a turn.
type AnswerResponse struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
	Turns     int    `json:"turns"`
}

// ModelInfo describes one catalog entry.
type ModelInfo struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

// ModelsResponse is the model catalog listing.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// CreateSession handles session creation.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Model != "" && !duckchat.Model(req.Model).Valid() {
		return badRequest(c, "unknown model: "+req.Model)
	}

	s, err := h.sessions.Create(req.Model)
	if err != nil {
		log.Printf("ERROR: failed to create session: %v", err)
		return engineError(c, err)
	}

	return c.JSON(http.StatusCreated, SessionResponse{
		SessionID: s.ID,
		Model:     string(s.Client.Model()),
	})
}

// DeleteSession handles session teardown.
// DELETE /v1/sessions/:id
func (h *Handler) DeleteSession(c echo.Context) error {
	if !h.sessions.Delete(c.Param("id")) {
		return sessionNotFound(c)
	}
	return c.NoContent(http.StatusNoContent)
}

// PostMessage sends the next turn of a session.
// POST /v1/sessions/:id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Content == "" {
		return badRequest(c, "content is required")
	}

	s, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}

	s.Lock()
	defer s.Unlock()

	ctx := c.Request().Context()
	if req.Stream {
		return h.streamTurn(c, s, func(sink func(string) error) (string, error) {
			return s.Client.AskStream(ctx, req.Content, sink)
		})
	}

	answer, err := s.Client.Ask(ctx, req.Content)
	if err != nil {
		log.Printf("ERROR: turn failed for session %s: %v", s.ID, err)
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, AnswerResponse{SessionID: s.ID, Answer: answer, Turns: s.Client.Turns()})
}

// Reask regenerates the answer for an earlier turn of a session.
// POST /v1/sessions/:id/reask
func (h *Handler) Reask(c echo.Context) error {
	var req ReaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	s, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}

	s.Lock()
	defer s.Unlock()

	ctx := c.Request().Context()
	if req.Stream {
		return h.streamTurn(c, s, func(sink func(string) error) (string, error) {
			return s.Client.ReaskStream(ctx, req.Turn, sink)
		})
	}

	answer, err := s.Client.Reask(ctx, req.Turn)
	if err != nil {
		log.Printf("ERROR: reask failed for session %s: %v", s.ID, err)
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, AnswerResponse{SessionID: s.ID, Answer: answer, Turns: s.Client.Turns()})
}

// ListModels handles the model catalog request.
// GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	resp := ModelsResponse{Object: "list"}
	for _, m := range duckchat.Models() {
		resp.Data = append(resp.Data, ModelInfo{ID: string(m), Object: "model"})
	}
	return c.JSON(http.StatusOK, resp)
}

// streamTurn relays a streaming turn as SSE: one data record per fragment,
// an error record on failure, then the [DONE] marker.
func (h *Handler) streamTurn(c echo.Context, s *Session, run func(sink func(string) error) (string, error)) error {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: &APIError{Message: "streaming not supported", Type: "internal_error"},
		})
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	_, err := run(func(frag string) error {
		data, merr := json.Marshal(map[string]string{"message": frag})
		if merr != nil {
			return merr
		}
		if _, werr := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", data); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		log.Printf("ERROR: streaming turn failed for session %s: %v", s.ID, err)
		status, apiErr := classifyEngineError(err)
		data, _ := json.Marshal(map[string]any{"action": "error", "type": apiErr.Code, "status": status, "message": apiErr.Message})
		fmt.Fprintf(c.Response().Writer, "data: %s\n\n", data)
	}

	fmt.Fprint(c.Response().Writer, "data: [DONE]\n\n")
	flusher.Flush()
	return nil
}

// requireAPIKey rejects /v1 requests without the configured bearer token.
// A blank configured key disables the check.
func (h *Handler) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.cfg.APIKey == "" {
			return next(c)
		}
		if c.Request().Header.Get("Authorization") != "Bearer "+h.cfg.APIKey {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error: &APIError{Message: "invalid api key", Type: "unauthorized"},
			})
		}
		return next(c)
	}
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: &APIError{Message: message, Type: "invalid_request_error"},
	})
}

func sessionNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, ErrorResponse{
		Error: &APIError{Message: "unknown session", Type: "invalid_request_error", Code: "session_not_found"},
	})
}

// engineError maps an engine failure to the gateway error envelope.
func engineError(c echo.Context, err error) error {
	status, apiErr := classifyEngineError(err)
	return c.JSON(status, ErrorResponse{Error: apiErr})
}

func classifyEngineError(err error) (int, *APIError) {
	var (
		rlErr *duckchat.RatelimitError
		clErr *duckchat.ConversationLimitError
		prErr *duckchat.ProtocolError
		reErr *duckchat.RetriesExhaustedError
	)
	switch {
	case errors.As(err, &clErr):
		return http.StatusTooManyRequests, &APIError{Message: err.Error(), Type: "upstream_error", Code: "conversation_limit"}
	case errors.As(err, &rlErr):
		return http.StatusTooManyRequests, &APIError{Message: err.Error(), Type: "upstream_error", Code: "rate_limited"}
	case errors.As(err, &reErr):
		return http.StatusServiceUnavailable, &APIError{Message: err.Error(), Type: "upstream_error", Code: "retries_exhausted"}
	case errors.Is(err, duckchat.ErrNoHistory):
		return http.StatusConflict, &APIError{Message: err.Error(), Type: "invalid_request_error", Code: "no_history"}
	case errors.As(err, &prErr), errors.Is(err, duckchat.ErrTokenUnavailable), errors.Is(err, duckchat.ErrNoToken):
		return http.StatusBadGateway, &APIError{Message: err.Error(), Type: "upstream_error", Code: "protocol_error"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, &APIError{Message: err.Error(), Type: "timeout_error", Code: "cancelled"}
	default:
		return http.StatusInternalServerError, &APIError{Message: err.Error(), Type: "internal_error"}
	}
}
