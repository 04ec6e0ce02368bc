package models

import (
	"encoding/json"
	"fmt"
)

// EventType is the wire tag of a MessageEvent.
type EventType string

const (
	EventUserMessage           EventType = "userMessage"
	EventAssistantMessage      EventType = "assistantMessage"
	EventRetryAssistantMessage EventType = "retryAssistantMessage"
	EventReasoningContent      EventType = "reasoningContent"
	EventContent               EventType = "content"
	EventTool                  EventType = "tool"
	EventFinished              EventType = "finished"
)

// MessageEvent is the only way a running turn reports progress. Which of the
// payload fields is set depends on Type.
type MessageEvent struct {
	Type     EventType
	Message  *Message
	Content  string
	Tool     *ToolInvocation
	Finished *TurnSummary
}

type ToolInvocation struct {
	ID        string `json:"id" msgpack:"id"`
	Name      string `json:"name" msgpack:"name"`
	Arguments string `json:"arguments" msgpack:"arguments"`
	Result    string `json:"result" msgpack:"result"`
}

// TurnSummary closes a turn. Cost is the elapsed wall time in milliseconds.
type TurnSummary struct {
	Cost             int64 `json:"cost" msgpack:"cost"`
	PromptTokens     int   `json:"promptTokens" msgpack:"promptTokens"`
	CompletionTokens int   `json:"completionTokens" msgpack:"completionTokens"`
	TotalTokens      int   `json:"totalTokens" msgpack:"totalTokens"`
}

func (s TurnSummary) Usage() Usage {
	return Usage{
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		TotalTokens:      s.TotalTokens,
	}
}

func UserMessageEvent(m *Message) MessageEvent {
	return MessageEvent{Type: EventUserMessage, Message: m}
}

func AssistantMessageStartedEvent(m *Message) MessageEvent {
	return MessageEvent{Type: EventAssistantMessage, Message: m}
}

func RetryAssistantMessageStartedEvent(m *Message) MessageEvent {
	return MessageEvent{Type: EventRetryAssistantMessage, Message: m}
}

func ReasoningDeltaEvent(text string) MessageEvent {
	return MessageEvent{Type: EventReasoningContent, Content: text}
}

func ContentDeltaEvent(text string) MessageEvent {
	return MessageEvent{Type: EventContent, Content: text}
}

func ToolInvokedEvent(r ToolResult) MessageEvent {
	return MessageEvent{Type: EventTool, Tool: &ToolInvocation{
		ID:        r.CallID,
		Name:      r.Name,
		Arguments: r.Arguments,
		Result:    string(r.Result),
	}}
}

func FinishedEvent(costMs int64, usage Usage) MessageEvent {
	return MessageEvent{Type: EventFinished, Finished: &TurnSummary{
		Cost:             costMs,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}}
}

// EventEnvelope is the tagged wire form: {"event": <tag>, "data": {...}}.
type EventEnvelope struct {
	Event EventType `json:"event" msgpack:"event"`
	Data  any       `json:"data" msgpack:"data"`
}

type messagePayload struct {
	Message *Message `json:"message" msgpack:"message"`
}

type contentPayload struct {
	Content string `json:"content" msgpack:"content"`
}

func (e MessageEvent) Envelope() EventEnvelope {
	env := EventEnvelope{Event: e.Type}
	switch e.Type {
	case EventUserMessage, EventAssistantMessage, EventRetryAssistantMessage:
		env.Data = messagePayload{Message: e.Message}
	case EventReasoningContent, EventContent:
		env.Data = contentPayload{Content: e.Content}
	case EventTool:
		env.Data = e.Tool
	case EventFinished:
		env.Data = e.Finished
	}
	return env
}

func (e MessageEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Envelope())
}

func (e *MessageEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Event EventType       `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = MessageEvent{Type: raw.Event}
	switch raw.Event {
	case EventUserMessage, EventAssistantMessage, EventRetryAssistantMessage:
		var p messagePayload
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return err
		}
		e.Message = p.Message
	case EventReasoningContent, EventContent:
		var p contentPayload
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return err
		}
		e.Content = p.Content
	case EventTool:
		e.Tool = &ToolInvocation{}
		return json.Unmarshal(raw.Data, e.Tool)
	case EventFinished:
		e.Finished = &TurnSummary{}
		return json.Unmarshal(raw.Data, e.Finished)
	default:
		return fmt.Errorf("unknown event type %q", raw.Event)
	}
	return nil
}
