package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/longregen/causal/internal/adapters/http/encoding"
	"github.com/longregen/causal/internal/application/chat"
	"github.com/longregen/causal/internal/domain/models"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

const (
	FrameTurn   = "turn"
	FrameCancel = "cancel"
)

// ClientFrame is what a websocket client sends: a turn to start or the
// assistant message id of a turn to cancel.
type ClientFrame struct {
	Type      string            `json:"type" msgpack:"type"`
	Turn      *chat.TurnRequest `json:"turn,omitempty" msgpack:"turn,omitempty"`
	MessageID string            `json:"messageId,omitempty" msgpack:"messageId,omitempty"`
}

const eventError models.EventType = "error"

type WebSocketHandler struct {
	upgrader websocket.Upgrader
	turns    TurnService
}

// NewWebSocketHandler upgrades requests that checkOrigin accepts. A nil
// checkOrigin admits same-host browsers only.
func NewWebSocketHandler(turns TurnService, checkOrigin func(*http.Request) bool) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		turns: turns,
	}
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn   *websocket.Conn
	format encoding.Format
	mu     sync.Mutex
}

func (c *wsConn) write(v any) error {
	data, err := encoding.Marshal(c.format, v)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if c.format == encoding.FormatMsgpack {
		messageType = websocket.BinaryMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (c *wsConn) writeError(resp ErrorResponse) error {
	return c.write(models.EventEnvelope{Event: eventError, Data: resp})
}

// Handle serves GET /api/sessions/{sessionID}/ws. Every turn frame starts a
// turn in the session and its events are streamed back as they happen;
// closing the socket cancels the turns still running.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := validateURLParam(r, w, "sessionID", "session id")
	if !ok {
		return
	}
	format := encoding.FormatFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &wsConn{conn: conn, format: format}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	slog.InfoContext(ctx, "websocket connected", "session_id", sessionID, "format", format)

	var turns sync.WaitGroup
	go h.pingLoop(ctx, c)
	h.readLoop(ctx, r, c, sessionID, &turns)

	cancel()
	turns.Wait()
	slog.InfoContext(r.Context(), "websocket closed", "session_id", sessionID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, r *http.Request, c *wsConn, sessionID string, turns *sync.WaitGroup) {
	c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.WarnContext(ctx, "websocket read failed", "session_id", sessionID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var frame ClientFrame
		if err := encoding.Unmarshal(c.format, data, &frame); err != nil {
			c.writeError(ErrorResponse{Error: "invalid_message", Message: "failed to decode frame", Code: http.StatusBadRequest})
			continue
		}

		switch frame.Type {
		case FrameTurn:
			if frame.Turn == nil {
				c.writeError(ErrorResponse{Error: "invalid_message", Message: "turn frame without turn", Code: http.StatusBadRequest})
				continue
			}
			req := *frame.Turn
			req.SessionID = sessionID
			events, err := h.turns.StartTurn(ctx, req)
			if err != nil {
				c.writeError(errorResponse(r, err))
				continue
			}
			turns.Add(1)
			go func() {
				defer turns.Done()
				h.forward(ctx, c, events)
			}()
		case FrameCancel:
			if !h.turns.Cancel(frame.MessageID) {
				c.writeError(ErrorResponse{Error: "not_found", Message: "no running turn for " + frame.MessageID, Code: http.StatusNotFound})
			}
		default:
			c.writeError(ErrorResponse{Error: "invalid_message", Message: "unknown frame type " + frame.Type, Code: http.StatusBadRequest})
		}
	}
}

func (h *WebSocketHandler) forward(ctx context.Context, c *wsConn, events <-chan models.MessageEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.write(ev.Envelope()); err != nil {
				slog.WarnContext(ctx, "websocket write failed", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
