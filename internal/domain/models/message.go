package models

import (
	"fmt"
	"strings"
	"time"
)

type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// MessageStatus tracks an assistant message while its turn is running.
type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSuccess MessageStatus = "success"
	MessageStatusError   MessageStatus = "error"
)

type Attachment struct {
	Name string `json:"name" msgpack:"name"`
	Data string `json:"data" msgpack:"data"`
}

type Message struct {
	ID          string        `json:"id" msgpack:"id"`
	SessionID   string        `json:"sessionId" msgpack:"sessionId"`
	Role        MessageRole   `json:"role" msgpack:"role"`
	Content     string        `json:"content" msgpack:"content"`
	Reasoning   string        `json:"reasoning,omitempty" msgpack:"reasoning,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty" msgpack:"attachments,omitempty"`
	ToolResults []ToolResult  `json:"toolResults,omitempty" msgpack:"toolResults,omitempty"`
	Usage       *Usage        `json:"usage,omitempty" msgpack:"usage,omitempty"`
	Cost        int64         `json:"cost,omitempty" msgpack:"cost,omitempty"` // wall time in ms
	Status      MessageStatus `json:"status,omitempty" msgpack:"status,omitempty"`
	CreatedAt   time.Time     `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt" msgpack:"updatedAt"`
}

func NewMessage(id, sessionID string, role MessageRole, content string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewAssistantPlaceholder returns the empty assistant message a turn streams into.
func NewAssistantPlaceholder(id, sessionID string) *Message {
	m := NewMessage(id, sessionID, MessageRoleAssistant, "")
	m.Status = MessageStatusSending
	return m
}

// ContextContent returns the text sent to the provider for this message.
// Attachments are inlined ahead of the user's own text.
func (m *Message) ContextContent() string {
	if len(m.Attachments) == 0 {
		return m.Content
	}
	parts := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		parts = append(parts, fmt.Sprintf("<attachment><name>%s</name><data>%s</data></attachment>", a.Name, a.Data))
	}
	return strings.Join(parts, "\n") + "\n\n" + m.Content
}

// Reset clears generated output so the message can be regenerated in place.
func (m *Message) Reset() {
	m.Content = ""
	m.Reasoning = ""
	m.ToolResults = nil
	m.Usage = nil
	m.Cost = 0
	m.Status = MessageStatusSending
	m.UpdatedAt = time.Now().UTC()
}

// MessagePatch carries the fields of an incremental message update.
// Nil fields are left untouched.
type MessagePatch struct {
	Content     *string
	Reasoning   *string
	ToolResults []ToolResult
	Usage       *Usage
	Cost        *int64
	Status      *MessageStatus
}

func (p MessagePatch) IsEmpty() bool {
	return p.Content == nil && p.Reasoning == nil && p.ToolResults == nil &&
		p.Usage == nil && p.Cost == nil && p.Status == nil
}

// Apply copies the set fields of p onto m.
func (p MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Reasoning != nil {
		m.Reasoning = *p.Reasoning
	}
	if p.ToolResults != nil {
		m.ToolResults = p.ToolResults
	}
	if p.Usage != nil {
		u := *p.Usage
		m.Usage = &u
	}
	if p.Cost != nil {
		m.Cost = *p.Cost
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	m.UpdatedAt = time.Now().UTC()
}
