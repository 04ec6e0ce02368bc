package models

import (
	"encoding/json"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestMessageEvent_MarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		event MessageEvent
		want  string
	}{
		{
			name:  "content delta",
			event: ContentDeltaEvent("hello"),
			want:  `{"event":"content","data":{"content":"hello"}}`,
		},
		{
			name:  "reasoning delta",
			event: ReasoningDeltaEvent("thinking"),
			want:  `{"event":"reasoningContent","data":{"content":"thinking"}}`,
		},
		{
			name: "tool invoked",
			event: ToolInvokedEvent(ToolResult{
				CallID:    "call_1",
				Name:      "get_weather",
				Arguments: `{"city":"Paris"}`,
				Result:    json.RawMessage(`{"tempC":18}`),
			}),
			want: `{"event":"tool","data":{"id":"call_1","name":"get_weather","arguments":"{\"city\":\"Paris\"}","result":"{\"tempC\":18}"}}`,
		},
		{
			name:  "finished",
			event: FinishedEvent(1200, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}),
			want:  `{"event":"finished","data":{"cost":1200,"promptTokens":10,"completionTokens":5,"totalTokens":15}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMessageEvent_UnmarshalJSON(t *testing.T) {
	msg := NewMessage("msg_1", "ses_1", MessageRoleUser, "hi")
	data, err := json.Marshal(UserMessageEvent(msg))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded MessageEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Type != EventUserMessage {
		t.Errorf("expected type %s, got %s", EventUserMessage, decoded.Type)
	}
	if decoded.Message == nil || decoded.Message.ID != "msg_1" || decoded.Message.Content != "hi" {
		t.Errorf("unexpected message payload: %+v", decoded.Message)
	}
}

func TestMessageEvent_UnmarshalJSON_UnknownType(t *testing.T) {
	var decoded MessageEvent
	err := json.Unmarshal([]byte(`{"event":"bogus","data":{}}`), &decoded)
	if err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestMessageEvent_EnvelopeMsgpack(t *testing.T) {
	data, err := msgpack.Marshal(ContentDeltaEvent("chunk").Envelope())
	if err != nil {
		t.Fatalf("msgpack marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := msgpack.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("msgpack unmarshal failed: %v", err)
	}
	if decoded["event"] != "content" {
		t.Errorf("expected event tag content, got %v", decoded["event"])
	}
	payload, ok := decoded["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data map, got %T", decoded["data"])
	}
	if payload["content"] != "chunk" {
		t.Errorf("expected content chunk, got %v", payload["content"])
	}
}
