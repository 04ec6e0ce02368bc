package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/longregen/causal/internal/application/chat"
	"github.com/longregen/causal/internal/domain"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTurns struct {
	mu        sync.Mutex
	requests  []chat.TurnRequest
	events    []models.MessageEvent
	err       error
	running   map[string]bool
	cancelled []string
}

func (f *fakeTurns) StartTurn(_ context.Context, req chat.TurnRequest) (<-chan models.MessageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan models.MessageEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeTurns) Cancel(messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, messageID)
	return f.running[messageID]
}

func (f *fakeTurns) lastRequest() chat.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func weatherEvents() []models.MessageEvent {
	user := models.NewMessage("msg_1", "ses_1", models.MessageRoleUser, "weather in Paris?")
	assistant := models.NewAssistantPlaceholder("msg_2", "ses_1")
	return []models.MessageEvent{
		models.UserMessageEvent(user),
		models.AssistantMessageStartedEvent(assistant),
		models.ToolInvokedEvent(models.ToolResult{CallID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`, Result: []byte(`{"temp":18}`)}),
		models.ContentDeltaEvent("18C"),
		models.FinishedEvent(1200, models.Usage{PromptTokens: 30, CompletionTokens: 12, TotalTokens: 42}),
	}
}

func router(turns TurnService) http.Handler {
	r := chi.NewRouter()
	h := NewTurnsHandler(turns)
	r.Post("/api/sessions/{sessionID}/turns", h.Stream)
	r.Delete("/api/turns/{messageID}", h.Cancel)
	r.Get("/api/sessions/{sessionID}/ws", NewWebSocketHandler(turns, nil).Handle)
	return r
}

func TestStream_WritesServerSentEvents(t *testing.T) {
	turns := &fakeTurns{events: weatherEvents()}

	body := `{"message":{"content":"weather in Paris?"},"options":{"stream":true}}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/ses_1/turns", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router(turns).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	got := turns.lastRequest()
	assert.Equal(t, "ses_1", got.SessionID)
	assert.Equal(t, "weather in Paris?", got.Message.Content)
	assert.True(t, got.Options.Stream)

	out := rr.Body.String()
	for _, tag := range []string{"userMessage", "assistantMessage", "tool", "content", "finished"} {
		assert.Contains(t, out, "event: "+tag+"\n")
	}
	assert.Contains(t, out, "event: content\ndata: {\"content\":\"18C\"}\n\n")
	assert.Contains(t, out, `data: {"cost":1200,"promptTokens":30,"completionTokens":12,"totalTokens":42}`)
	assert.Less(t, strings.Index(out, "event: userMessage"), strings.Index(out, "event: finished"))
}

func TestStream_ErrorsBeforeTheTurn(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"unknown session", domain.NewDomainError(domain.ErrSessionNotFound, "session ses_1"), http.StatusNotFound, "not_found"},
		{"empty content", domain.ErrEmptyContent, http.StatusBadRequest, "invalid_request"},
		{"retry running", domain.ErrTurnRunning, http.StatusConflict, "conflict"},
		{"no model", domain.NewDomainError(domain.ErrModelMissing, "agent agt_1"), http.StatusUnprocessableEntity, "misconfigured"},
		{"store down", errors.New("connection refused"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sessions/ses_1/turns", strings.NewReader(`{"message":{"content":"hi"}}`))
			rr := httptest.NewRecorder()
			router(&fakeTurns{err: tt.err}).ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			assert.Contains(t, rr.Body.String(), `"error":"`+tt.kind+`"`)
			assert.NotContains(t, rr.Body.String(), "connection refused")
		})
	}
}

func TestStream_InvalidBody(t *testing.T) {
	turns := &fakeTurns{}
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/ses_1/turns", strings.NewReader(`{"message":`))
	rr := httptest.NewRecorder()
	router(turns).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, turns.requests)
}

func TestCancel(t *testing.T) {
	turns := &fakeTurns{running: map[string]bool{"msg_2": true}}
	h := router(turns)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/turns/msg_2", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/turns/msg_9", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	assert.Equal(t, []string{"msg_2", "msg_9"}, turns.cancelled)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandler("v1", nil).Handle(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","version":"v1"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	NewHealthHandler("v1", fakePinger{}).Handle(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"ok","version":"v1","store":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	NewHealthHandler("v1", fakePinger{err: errors.New("down")}).Handle(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"degraded","version":"v1","store":"down"}`, rr.Body.String())
}
