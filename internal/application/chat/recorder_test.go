package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/longregen/causal/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(id string) *fakeStore {
	store := newFakeStore()
	store.messages = append(store.messages, models.NewAssistantPlaceholder(id, "ses_1"))
	return store
}

func TestRecorder_ThrottlesTextAndFlushesTools(t *testing.T) {
	store := seededStore("msg_a")
	rec := NewRecorder(store, "msg_a", time.Hour)
	ctx := context.Background()

	rec.Observe(ctx, models.ContentDeltaEvent("It's "))
	rec.Observe(ctx, models.ContentDeltaEvent("18°C"))
	rec.Observe(ctx, models.ReasoningDeltaEvent("hmm"))
	require.Len(t, store.patches, 1)
	assert.Equal(t, "It's ", *store.patches[0].Content)

	rec.Observe(ctx, models.ToolInvokedEvent(models.ToolResult{
		CallID: "c1", Name: "get_weather", Arguments: `{}`, Result: []byte(`{"t":18}`),
	}))
	require.Len(t, store.patches, 2)

	msg := store.message("msg_a")
	assert.Equal(t, "It's 18°C", msg.Content)
	assert.Equal(t, "hmm", msg.Reasoning)
	require.Len(t, msg.ToolResults, 1)
	assert.Equal(t, "c1", msg.ToolResults[0].CallID)
	assert.Equal(t, models.MessageStatusSending, msg.Status)
}

func TestRecorder_FinalWrite(t *testing.T) {
	store := seededStore("msg_a")
	rec := NewRecorder(store, "msg_a", time.Hour)
	ctx := context.Background()

	rec.Observe(ctx, models.ContentDeltaEvent("a"))
	rec.Observe(ctx, models.ContentDeltaEvent("b"))
	rec.Observe(ctx, models.FinishedEvent(120, models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}))

	msg := store.message("msg_a")
	assert.Equal(t, "ab", msg.Content)
	assert.Equal(t, int64(120), msg.Cost)
	assert.Equal(t, models.MessageStatusSuccess, msg.Status)
	require.NotNil(t, msg.Usage)
	assert.Equal(t, 5, msg.Usage.TotalTokens)
	assert.Empty(t, msg.ToolResults)
}

func TestRecorder_FailedTurn(t *testing.T) {
	store := seededStore("msg_a")
	rec := NewRecorder(store, "msg_a", time.Hour)

	rec.MarkFailed()
	rec.Observe(context.Background(), models.FinishedEvent(1, models.Usage{}))

	assert.Equal(t, models.MessageStatusError, store.message("msg_a").Status)
}

func TestRecorder_StoreErrorsAreSwallowed(t *testing.T) {
	store := seededStore("msg_a")
	store.updateErr = errors.New("disk full")
	rec := NewRecorder(store, "msg_a", time.Hour)

	assert.NotPanics(t, func() {
		rec.Observe(context.Background(), models.ContentDeltaEvent("a"))
		rec.Observe(context.Background(), models.FinishedEvent(1, models.Usage{}))
	})
	assert.Len(t, store.patches, 2)
}
