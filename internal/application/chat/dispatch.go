package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/longregen/causal/internal/adapters/metrics"
	"github.com/longregen/causal/internal/adapters/tracing"
	"github.com/longregen/causal/internal/application/tools"
	"github.com/longregen/causal/internal/domain/models"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var errNoSuchTool = errors.New("not func")

// Dispatcher runs one round's tool calls concurrently against a registry.
type Dispatcher struct {
	registry *tools.Registry
	limit    int
}

type DispatchOption func(*Dispatcher)

// WithLimit bounds how many calls of one round run at the same time.
// Zero or less means unbounded.
func WithLimit(n int) DispatchOption {
	return func(d *Dispatcher) { d.limit = n }
}

func NewDispatcher(registry *tools.Registry, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{registry: registry}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch invokes every call and returns once all of them have a result.
// Results are in completion order. Failures become {"error": ...} payloads.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	var (
		mu      sync.Mutex
		results = make([]models.ToolResult, 0, len(calls))
	)

	g, gctx := errgroup.WithContext(ctx)
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}

	for _, call := range calls {
		g.Go(func() error {
			result := d.invoke(gctx, call)
			mu.Lock()
			results = append(results, models.ToolResult{
				CallID:    call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				Result:    result,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Run dispatches calls, emits one ToolInvoked per result and appends the
// assistant tool-call message followed by one tool message per result, all
// in completion order.
func (d *Dispatcher) Run(ctx context.Context, calls []models.ToolCall, msgs *[]openai.ChatCompletionMessage, emit func(models.MessageEvent)) []models.ToolResult {
	results := d.Dispatch(ctx, calls)

	for _, r := range results {
		emit(models.ToolInvokedEvent(r))
	}

	toolCalls := make([]openai.ToolCall, 0, len(results))
	for _, r := range results {
		toolCalls = append(toolCalls, openai.ToolCall{
			ID:   r.CallID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      r.Name,
				Arguments: r.Arguments,
			},
		})
	}
	*msgs = append(*msgs, openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		ToolCalls: toolCalls,
	})
	for _, r := range results {
		*msgs = append(*msgs, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    string(r.Result),
			ToolCallID: r.CallID,
		})
	}
	return results
}

func (d *Dispatcher) invoke(ctx context.Context, call models.ToolCall) json.RawMessage {
	ctx, span := tracing.Tracer("internal/application/chat").Start(ctx, "tool."+call.Name,
		trace.WithAttributes(
			attribute.String(tracing.AttrToolName, call.Name),
			attribute.String("tool.call_id", call.ID),
		))
	defer span.End()

	start := time.Now()
	result, err := d.call(ctx, call)
	metrics.ToolCallDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		status := "error"
		if errors.Is(err, errNoSuchTool) {
			status = "unknown"
		}
		metrics.ToolCallsTotal.WithLabelValues(call.Name, status).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.WarnContext(ctx, "tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return errorPayload(err)
	}

	metrics.ToolCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	span.SetAttributes(attribute.Int("tool.result_length", len(result)))
	return result
}

func (d *Dispatcher) call(ctx context.Context, call models.ToolCall) (json.RawMessage, error) {
	backend, ok := d.registry.Lookup(call.Name)
	if !ok {
		return nil, errNoSuchTool
	}

	args := json.RawMessage(strings.TrimSpace(call.Arguments))
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		var syntaxErr error = errors.New("arguments are not valid JSON")
		var parsed any
		if err := json.Unmarshal(args, &parsed); err != nil {
			syntaxErr = err
		}
		return nil, &SerializationError{Name: call.Name, Arguments: call.Arguments, Err: syntaxErr}
	}

	out, err := backend.Invoke(ctx, call.Name, args)
	if err != nil {
		return nil, &ToolInvocationError{CallID: call.ID, Name: call.Name, Err: err}
	}
	if len(out) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(out) {
		quoted, _ := json.Marshal(string(out))
		return quoted, nil
	}
	return out, nil
}

// errorPayload is the result a failed call reports to the model. An unknown
// tool yields exactly {"error":"not func"}.
func errorPayload(err error) json.RawMessage {
	msg := err.Error()
	if errors.Is(err, errNoSuchTool) {
		msg = errNoSuchTool.Error()
	}
	out, _ := json.Marshal(map[string]string{"error": msg})
	return out
}
