package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/duckchat-go/duckchat/duckchat"
)

// WebSocket message types.
const (
	wsTypeHello    = "hello"
	wsTypeHelloAck = "hello_ack"
	wsTypeAsk      = "ask"
	wsTypeReask    = "reask"
	wsTypeDelta    = "delta"
	wsTypeDone     = "done"
	wsTypeError    = "error"
)

// WebSocket error codes.
const (
	wsCodeInvalidMessage  = "invalid_message"
	wsCodeUnauthorized    = "unauthorized"
	wsCodeSessionRequired = "session_required"
	wsCodeTurnFailed      = "turn_failed"
)

// wsMessage is the single frame shape used in both directions.
type wsMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// hello
	APIKey string `json:"api_key,omitempty"`
	Model  string `json:"model,omitempty"`

	// ask / delta / done
	Content string `json:"content,omitempty"`
	Turn    int    `json:"turn,omitempty"`
	Turns   int    `json:"turns,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket handles WebSocket upgrade and the chat message loop. One
// connection drives at most one turn at a time, so reads and writes stay on
// a single goroutine.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}
	defer ws.Close()

	var session *Session
	defer func() {
		if session != nil {
			h.sessions.Delete(session.ID)
		}
	}()

	for {
		var msg wsMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WebSocket error: %v", err)
			}
			return nil
		}

		switch msg.Type {
		case wsTypeHello:
			session = h.wsHello(ws, session, msg)
		case wsTypeAsk, wsTypeReask:
			if session == nil {
				wsSendError(ws, "", msg.RequestID, wsCodeSessionRequired, "must send hello first")
				continue
			}
			h.wsTurn(c, ws, session, msg)
		default:
			wsSendError(ws, wsSessionID(session), msg.RequestID, wsCodeInvalidMessage, "unknown message type: "+msg.Type)
		}
	}
}

// wsHello validates the handshake and binds the connection to a fresh
// session.
func (h *Handler) wsHello(ws *websocket.Conn, current *Session, msg wsMessage) *Session {
	if h.cfg.APIKey != "" && msg.APIKey != h.cfg.APIKey {
		wsSendError(ws, "", msg.RequestID, wsCodeUnauthorized, "invalid api_key")
		return current
	}
	if msg.Model != "" && !duckchat.Model(msg.Model).Valid() {
		wsSendError(ws, "", msg.RequestID, wsCodeInvalidMessage, "unknown model: "+msg.Model)
		return current
	}
	if current != nil {
		h.sessions.Delete(current.ID)
	}

	s, err := h.sessions.Create(msg.Model)
	if err != nil {
		wsSendError(ws, "", msg.RequestID, wsCodeTurnFailed, err.Error())
		return nil
	}

	wsSend(ws, wsMessage{Type: wsTypeHelloAck, SessionID: s.ID, Model: string(s.Client.Model())})
	log.Printf("WebSocket handshake completed for session: %s", s.ID)
	return s
}

// wsTurn runs one ask or reask turn, relaying fragments as delta frames.
func (h *Handler) wsTurn(c echo.Context, ws *websocket.Conn, s *Session, msg wsMessage) {
	if msg.Type == wsTypeAsk && msg.Content == "" {
		wsSendError(ws, s.ID, msg.RequestID, wsCodeInvalidMessage, "content is required")
		return
	}

	s.Lock()
	defer s.Unlock()

	ctx := c.Request().Context()
	sink := func(frag string) error {
		return wsSend(ws, wsMessage{Type: wsTypeDelta, SessionID: s.ID, RequestID: msg.RequestID, Content: frag})
	}

	var answer string
	var err error
	if msg.Type == wsTypeAsk {
		answer, err = s.Client.AskStream(ctx, msg.Content, sink)
	} else {
		answer, err = s.Client.ReaskStream(ctx, msg.Turn, sink)
	}
	if err != nil {
		log.Printf("ERROR: websocket turn failed for session %s: %v", s.ID, err)
		_, apiErr := classifyEngineError(err)
		code := apiErr.Code
		if code == "" {
			code = wsCodeTurnFailed
		}
		wsSendError(ws, s.ID, msg.RequestID, code, apiErr.Message)
		return
	}

	wsSend(ws, wsMessage{
		Type:      wsTypeDone,
		SessionID: s.ID,
		RequestID: msg.RequestID,
		Content:   answer,
		Turns:     s.Client.Turns(),
	})
}

func wsSend(ws *websocket.Conn, msg wsMessage) error {
	msg.Ts = time.Now().UnixMilli()
	return ws.WriteJSON(msg)
}

func wsSendError(ws *websocket.Conn, sessionID, requestID, code, message string) {
	wsSend(ws, wsMessage{
		Type:      wsTypeError,
		SessionID: sessionID,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}

func wsSessionID(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
