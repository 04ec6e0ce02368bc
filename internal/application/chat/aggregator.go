package chat

import (
	"sort"
	"strings"

	"github.com/longregen/causal/internal/domain/models"
	openai "github.com/sashabaranov/go-openai"
)

// Outcome is how a round ended.
type Outcome int

const (
	// OutcomeNone means no terminal marker has been seen yet.
	OutcomeNone Outcome = iota
	OutcomeStop
	OutcomeToolCalls
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStop:
		return "stop"
	case OutcomeToolCalls:
		return "tool_calls"
	}
	return "none"
}

type fragmentKey struct {
	choice int
	call   int
}

type toolCallFragment struct {
	id   string
	name string
	args strings.Builder
}

// Aggregator rebuilds one round's tool calls from streamed deltas and
// forwards reasoning and content text as soon as it arrives. It is used for
// exactly one stream and is not safe for concurrent use.
type Aggregator struct {
	emit      func(models.MessageEvent)
	fragments map[fragmentKey]*toolCallFragment
	outcome   Outcome
	calls     []models.ToolCall
	usage     *models.Usage
}

func NewAggregator(emit func(models.MessageEvent)) *Aggregator {
	return &Aggregator{
		emit:      emit,
		fragments: make(map[fragmentKey]*toolCallFragment),
	}
}

// Feed consumes one chunk.
func (a *Aggregator) Feed(chunk openai.ChatCompletionStreamResponse) {
	if chunk.Usage != nil {
		a.usage = usageFromOpenAI(*chunk.Usage)
	}

	for _, choice := range chunk.Choices {
		for pos, delta := range choice.Delta.ToolCalls {
			a.merge(choice.Index, pos, delta)
		}

		if text := choice.Delta.ReasoningContent; text != "" {
			a.emit(models.ReasoningDeltaEvent(text))
		}
		if text := choice.Delta.Content; text != "" {
			a.emit(models.ContentDeltaEvent(text))
		}

		if choice.FinishReason != "" {
			a.terminate(choice.FinishReason)
		}
	}
}

func (a *Aggregator) merge(choiceIndex, pos int, delta openai.ToolCall) {
	callIndex := pos
	if delta.Index != nil {
		callIndex = *delta.Index
	}
	key := fragmentKey{choice: choiceIndex, call: callIndex}

	frag, ok := a.fragments[key]
	if !ok {
		frag = &toolCallFragment{}
		a.fragments[key] = frag
	}
	if frag.id == "" {
		frag.id = delta.ID
	}
	if frag.name == "" {
		frag.name = delta.Function.Name
	}
	frag.args.WriteString(delta.Function.Arguments)
}

// terminate records the first terminal marker of the round; later markers
// (from other choices) do not change the outcome.
func (a *Aggregator) terminate(reason openai.FinishReason) {
	if a.outcome != OutcomeNone {
		return
	}
	if reason == openai.FinishReasonToolCalls {
		a.outcome = OutcomeToolCalls
		a.calls = a.drain()
		return
	}
	a.outcome = OutcomeStop
}

func (a *Aggregator) drain() []models.ToolCall {
	keys := make([]fragmentKey, 0, len(a.fragments))
	for k := range a.fragments {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].choice != keys[j].choice {
			return keys[i].choice < keys[j].choice
		}
		return keys[i].call < keys[j].call
	})

	calls := make([]models.ToolCall, 0, len(keys))
	for _, k := range keys {
		frag := a.fragments[k]
		calls = append(calls, models.ToolCall{
			ID:        frag.id,
			Name:      frag.name,
			Arguments: frag.args.String(),
		})
	}
	a.fragments = make(map[fragmentKey]*toolCallFragment)
	return calls
}

// Result reports the round outcome. A stream that ended without a terminal
// marker counts as Stop. Fragments not drained by a tool_calls marker are
// discarded.
func (a *Aggregator) Result() (Outcome, []models.ToolCall, *models.Usage) {
	outcome := a.outcome
	if outcome == OutcomeNone {
		outcome = OutcomeStop
	}
	a.fragments = make(map[fragmentKey]*toolCallFragment)
	return outcome, a.calls, a.usage
}

func usageFromOpenAI(u openai.Usage) *models.Usage {
	return &models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
