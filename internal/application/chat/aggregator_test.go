package chat

import (
	"testing"

	"github.com/longregen/causal/internal/domain/models"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_SplitArguments(t *testing.T) {
	sink := &recorderSink{}
	agg := NewAggregator(sink.emit)

	agg.Feed(toolChunk(0, 0, "call_1", "get_weather", `{"ci`))
	agg.Feed(toolChunk(0, 0, "", "", `ty":"Pa`))
	agg.Feed(toolChunk(0, 0, "", "", `ris"}`))
	agg.Feed(finishChunk(openai.FinishReasonToolCalls))

	outcome, calls, usage := agg.Result()
	assert.Equal(t, OutcomeToolCalls, outcome)
	assert.Nil(t, usage)
	require.Len(t, calls, 1)
	assert.Equal(t, models.ToolCall{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`}, calls[0])
	assert.Empty(t, sink.types())
}

func TestAggregator_CallsOrderedByChoiceThenIndex(t *testing.T) {
	agg := NewAggregator(func(models.MessageEvent) {})

	agg.Feed(toolChunk(1, 0, "c", "third", `{}`))
	agg.Feed(toolChunk(0, 1, "b", "second", `{}`))
	agg.Feed(toolChunk(0, 0, "a", "first", `{}`))
	agg.Feed(toolChunk(0, 0, "ignored", "ignored", ``))
	agg.Feed(finishChunk(openai.FinishReasonToolCalls))

	_, calls, _ := agg.Result()
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].ID)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, "second", calls[1].Name)
	assert.Equal(t, "third", calls[2].Name)
}

func TestAggregator_NilIndexUsesPosition(t *testing.T) {
	agg := NewAggregator(func(models.MessageEvent) {})
	agg.Feed(openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{
		Delta: openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{
			{ID: "x", Function: openai.FunctionCall{Name: "one", Arguments: "{}"}},
			{ID: "y", Function: openai.FunctionCall{Name: "two", Arguments: "{}"}},
		}},
		FinishReason: openai.FinishReasonToolCalls,
	}}})

	_, calls, _ := agg.Result()
	require.Len(t, calls, 2)
	assert.Equal(t, "one", calls[0].Name)
	assert.Equal(t, "two", calls[1].Name)
}

func TestAggregator_TextForwardedInOrder(t *testing.T) {
	sink := &recorderSink{}
	agg := NewAggregator(sink.emit)

	agg.Feed(reasoningChunk("thinking"))
	agg.Feed(contentChunk("Hel"))
	agg.Feed(contentChunk(""))
	agg.Feed(contentChunk("lo"))
	agg.Feed(finishChunk(openai.FinishReasonStop))
	agg.Feed(usageChunk(4, 2))

	assert.Equal(t, []models.EventType{
		models.EventReasoningContent,
		models.EventContent,
		models.EventContent,
	}, sink.types())
	assert.Equal(t, "Hel", sink.events[1].Content)

	outcome, calls, usage := agg.Result()
	assert.Equal(t, OutcomeStop, outcome)
	assert.Empty(t, calls)
	require.NotNil(t, usage)
	assert.Equal(t, models.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}, *usage)
}

func TestAggregator_FirstTerminalMarkerWins(t *testing.T) {
	agg := NewAggregator(func(models.MessageEvent) {})
	agg.Feed(toolChunk(0, 0, "a", "f", `{}`))
	agg.Feed(finishChunk(openai.FinishReasonStop))
	agg.Feed(finishChunk(openai.FinishReasonToolCalls))

	outcome, calls, _ := agg.Result()
	assert.Equal(t, OutcomeStop, outcome)
	assert.Empty(t, calls)
}

func TestAggregator_NoTerminalMarkerIsStop(t *testing.T) {
	agg := NewAggregator(func(models.MessageEvent) {})
	agg.Feed(toolChunk(0, 0, "a", "f", `{}`))

	outcome, calls, _ := agg.Result()
	assert.Equal(t, OutcomeStop, outcome)
	assert.Empty(t, calls)
}

func TestAggregator_LengthIsStop(t *testing.T) {
	agg := NewAggregator(func(models.MessageEvent) {})
	agg.Feed(finishChunk(openai.FinishReasonLength))

	outcome, _, _ := agg.Result()
	assert.Equal(t, OutcomeStop, outcome)
	assert.Equal(t, "stop", outcome.String())
}

func TestAggregator_LastUsageWins(t *testing.T) {
	agg := NewAggregator(func(models.MessageEvent) {})
	agg.Feed(usageChunk(1, 1))
	agg.Feed(contentChunk("x"))
	agg.Feed(usageChunk(9, 3))

	_, _, usage := agg.Result()
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.TotalTokens)
}
