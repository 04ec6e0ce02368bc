package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/longregen/causal/internal/application/chat"
	"github.com/longregen/causal/internal/domain/models"
)

const sseKeepalive = 30 * time.Second

// TurnService starts and cancels conversation turns.
type TurnService interface {
	StartTurn(ctx context.Context, req chat.TurnRequest) (<-chan models.MessageEvent, error)
	Cancel(messageID string) bool
}

type TurnsHandler struct {
	turns TurnService
}

func NewTurnsHandler(turns TurnService) *TurnsHandler {
	return &TurnsHandler{turns: turns}
}

// Stream handles POST /api/sessions/{sessionID}/turns. The turn's events are
// written as server-sent events until Finished; a client that disconnects
// cancels the turn.
func (h *TurnsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := validateURLParam(r, w, "sessionID", "session id")
	if !ok {
		return
	}
	req, ok := decodeJSON[chat.TurnRequest](r, w)
	if !ok {
		return
	}
	req.SessionID = sessionID

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, "internal_error", "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	events, err := h.turns.StartTurn(ctx, *req)
	if err != nil {
		respondDomainError(r, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "sse client disconnected", "session_id", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				slog.WarnContext(ctx, "sse write failed", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev models.MessageEvent) error {
	env := ev.Envelope()
	data, err := json.Marshal(env.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, data)
	return err
}

// Cancel handles DELETE /api/turns/{messageID}.
func (h *TurnsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	messageID, ok := validateURLParam(r, w, "messageID", "message id")
	if !ok {
		return
	}
	if !h.turns.Cancel(messageID) {
		respondError(w, "not_found", "no running turn for "+messageID, http.StatusNotFound)
		return
	}
	slog.InfoContext(r.Context(), "turn cancel requested", "message_id", messageID)
	w.WriteHeader(http.StatusAccepted)
}
