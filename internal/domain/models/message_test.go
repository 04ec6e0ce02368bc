package models

import (
	"testing"
)

func TestMessage_ContextContent(t *testing.T) {
	msg := NewMessage("msg_1", "ses_1", MessageRoleUser, "summarise these")
	if got := msg.ContextContent(); got != "summarise these" {
		t.Errorf("expected plain content without attachments, got %q", got)
	}

	msg.Attachments = []Attachment{
		{Name: "a.txt", Data: "alpha"},
		{Name: "b.txt", Data: "beta"},
	}
	want := "<attachment><name>a.txt</name><data>alpha</data></attachment>\n" +
		"<attachment><name>b.txt</name><data>beta</data></attachment>\n\n" +
		"summarise these"
	if got := msg.ContextContent(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestMessagePatch_Apply(t *testing.T) {
	msg := NewAssistantPlaceholder("msg_2", "ses_1")
	if msg.Status != MessageStatusSending {
		t.Fatalf("expected placeholder status sending, got %s", msg.Status)
	}

	content := "done"
	status := MessageStatusSuccess
	cost := int64(42)
	patch := MessagePatch{
		Content: &content,
		Status:  &status,
		Cost:    &cost,
		Usage:   &Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}
	if patch.IsEmpty() {
		t.Fatal("patch with fields should not be empty")
	}
	patch.Apply(msg)

	if msg.Content != "done" || msg.Status != MessageStatusSuccess || msg.Cost != 42 {
		t.Errorf("patch not applied: %+v", msg)
	}
	if msg.Usage == nil || msg.Usage.TotalTokens != 7 {
		t.Errorf("expected usage total 7, got %+v", msg.Usage)
	}
	if msg.Reasoning != "" {
		t.Errorf("reasoning should be untouched, got %q", msg.Reasoning)
	}

	msg.Reset()
	if msg.Content != "" || msg.Usage != nil || msg.Status != MessageStatusSending {
		t.Errorf("reset did not clear output: %+v", msg)
	}
}

func TestUsage_Add(t *testing.T) {
	var total Usage
	total.Add(&Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12})
	total.Add(nil)
	total.Add(&Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6})

	want := Usage{PromptTokens: 15, CompletionTokens: 3, TotalTokens: 18}
	if total != want {
		t.Errorf("expected %+v, got %+v", want, total)
	}
	if (Usage{}).IsZero() != true {
		t.Error("zero usage should report IsZero")
	}
}
