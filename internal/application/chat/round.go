package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/longregen/causal/internal/adapters/metrics"
	"github.com/longregen/causal/internal/adapters/tracing"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RoundEngine performs one provider round trip and, when the model asks for
// tools, the dispatch that follows it.
type RoundEngine struct {
	provider     ports.ChatProvider
	providerName string
	dispatcher   *Dispatcher
	ids          ports.IDGenerator
}

func NewRoundEngine(provider ports.ChatProvider, providerName string, dispatcher *Dispatcher, ids ports.IDGenerator) *RoundEngine {
	return &RoundEngine{
		provider:     provider,
		providerName: providerName,
		dispatcher:   dispatcher,
		ids:          ids,
	}
}

// Run sends msgs and reports whether another round is needed. Usage is nil
// when the provider reported none. Only a round that dispatched tools
// extends msgs.
func (e *RoundEngine) Run(ctx context.Context, req openai.ChatCompletionRequest, msgs *[]openai.ChatCompletionMessage, stream bool, emit func(models.MessageEvent)) (bool, *models.Usage, error) {
	mode := "direct"
	if stream {
		mode = "stream"
	}

	ctx, span := tracing.Tracer("internal/application/chat").Start(ctx, "chat.round",
		trace.WithAttributes(
			attribute.String("chat.round.mode", mode),
			attribute.Int("chat.round.messages", len(*msgs)),
			attribute.Int("chat.round.tools", len(req.Tools)),
		))
	defer span.End()

	req.Messages = *msgs

	var (
		cont  bool
		usage *models.Usage
		err   error
	)
	if stream {
		cont, usage, err = e.runStream(ctx, req, msgs, emit)
	} else {
		cont, usage, err = e.runDirect(ctx, req, msgs, emit)
	}

	outcome := "stop"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case cont:
		outcome = "tool_calls"
	}
	span.SetAttributes(attribute.String("chat.round.outcome", outcome))
	metrics.RoundsTotal.WithLabelValues(mode, outcome).Inc()

	return cont, usage, err
}

func (e *RoundEngine) runStream(ctx context.Context, req openai.ChatCompletionRequest, msgs *[]openai.ChatCompletionMessage, emit func(models.MessageEvent)) (bool, *models.Usage, error) {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	st, err := e.provider.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return false, nil, &ProviderError{Provider: e.providerName, Err: err}
	}
	defer st.Close()

	agg := NewAggregator(emit)
	var recvErr error
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			recvErr = err
			break
		}
		agg.Feed(chunk)
	}

	outcome, calls, usage := agg.Result()
	complete := outcome == OutcomeToolCalls && len(calls) > 0
	if recvErr != nil {
		if !complete {
			return false, usage, &ProviderError{Provider: e.providerName, Err: recvErr}
		}
		// The calls were final once the tool_calls marker arrived; only the
		// trailing usage chunk is lost.
		slog.WarnContext(ctx, "stream failed after tool calls completed",
			"provider", e.providerName, "calls", len(calls), "error", recvErr)
	}
	if !complete {
		return false, usage, nil
	}

	e.dispatch(ctx, calls, msgs, emit)
	return true, usage, nil
}

func (e *RoundEngine) runDirect(ctx context.Context, req openai.ChatCompletionRequest, msgs *[]openai.ChatCompletionMessage, emit func(models.MessageEvent)) (bool, *models.Usage, error) {
	req.Stream = false
	req.StreamOptions = nil

	resp, err := e.provider.CreateChatCompletion(ctx, req)
	if err != nil {
		return false, nil, &ProviderError{Provider: e.providerName, Err: err}
	}

	var usage *models.Usage
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		usage = usageFromOpenAI(resp.Usage)
	}

	for _, choice := range resp.Choices {
		if len(choice.Message.ToolCalls) > 0 {
			calls := make([]models.ToolCall, 0, len(choice.Message.ToolCalls))
			for _, tc := range choice.Message.ToolCalls {
				calls = append(calls, models.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			e.dispatch(ctx, calls, msgs, emit)
			return true, usage, nil
		}

		if text := choice.Message.ReasoningContent; text != "" {
			emit(models.ReasoningDeltaEvent(text))
		}
		if text := choice.Message.Content; text != "" {
			emit(models.ContentDeltaEvent(text))
		}
	}

	return false, usage, nil
}

func (e *RoundEngine) dispatch(ctx context.Context, calls []models.ToolCall, msgs *[]openai.ChatCompletionMessage, emit func(models.MessageEvent)) {
	// Tool messages must reference a call id; some providers leave it empty.
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = e.ids.GenerateToolCallID()
		}
	}
	e.dispatcher.Run(ctx, calls, msgs, emit)
}
