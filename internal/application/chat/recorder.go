package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/longregen/causal/internal/adapters/metrics"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
	"golang.org/x/time/rate"
)

const DefaultFlushInterval = 250 * time.Millisecond

// Recorder mirrors a turn's event stream into the assistant message row.
// Text deltas are flushed at most once per interval; tool results and the
// final summary are written immediately. Store failures never stop the turn.
type Recorder struct {
	store     ports.MessageRepository
	messageID string
	limiter   *rate.Limiter

	content     strings.Builder
	reasoning   strings.Builder
	toolResults []models.ToolResult
	failed      bool
}

func NewRecorder(store ports.MessageRepository, messageID string, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Recorder{
		store:     store,
		messageID: messageID,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}
}

// MarkFailed makes the final write record status error.
func (r *Recorder) MarkFailed() {
	r.failed = true
}

// Observe folds one event into the pending patch.
func (r *Recorder) Observe(ctx context.Context, ev models.MessageEvent) {
	switch ev.Type {
	case models.EventContent:
		r.content.WriteString(ev.Content)
		if r.limiter.Allow() {
			r.flush(ctx, r.textPatch())
		}

	case models.EventReasoningContent:
		r.reasoning.WriteString(ev.Content)
		if r.limiter.Allow() {
			r.flush(ctx, r.textPatch())
		}

	case models.EventTool:
		if ev.Tool == nil {
			return
		}
		r.toolResults = append(r.toolResults, models.ToolResult{
			CallID:    ev.Tool.ID,
			Name:      ev.Tool.Name,
			Arguments: ev.Tool.Arguments,
			Result:    json.RawMessage(ev.Tool.Result),
		})
		patch := r.textPatch()
		patch.ToolResults = r.snapshotToolResults()
		r.flush(ctx, patch)

	case models.EventFinished:
		if ev.Finished == nil {
			return
		}
		patch := r.textPatch()
		if len(r.toolResults) > 0 {
			patch.ToolResults = r.snapshotToolResults()
		}
		usage := ev.Finished.Usage()
		cost := ev.Finished.Cost
		status := models.MessageStatusSuccess
		if r.failed {
			status = models.MessageStatusError
		}
		patch.Usage = &usage
		patch.Cost = &cost
		patch.Status = &status
		r.flush(ctx, patch)
	}
}

func (r *Recorder) textPatch() models.MessagePatch {
	content := r.content.String()
	reasoning := r.reasoning.String()
	return models.MessagePatch{Content: &content, Reasoning: &reasoning}
}

func (r *Recorder) snapshotToolResults() []models.ToolResult {
	out := make([]models.ToolResult, len(r.toolResults))
	copy(out, r.toolResults)
	return out
}

func (r *Recorder) flush(ctx context.Context, patch models.MessagePatch) {
	if patch.IsEmpty() {
		return
	}
	// Writes outlive cancellation of the turn.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.UpdateMessage(ctx, r.messageID, patch); err != nil {
		perr := &PersistenceError{Op: "update", MessageID: r.messageID, Err: err}
		metrics.PersistenceErrorsTotal.WithLabelValues("update").Inc()
		slog.WarnContext(ctx, "failed to persist turn progress", "message_id", r.messageID, "error", perr)
		return
	}
}
