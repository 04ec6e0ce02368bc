package models

import (
	"time"
)

// Session is one conversation thread bound to an agent.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewSession(id, agentID, topic string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		AgentID:   agentID,
		Topic:     topic,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

const DefaultContextSize = 20

// ModelRef points at a model served by a provider.
type ModelRef struct {
	ProviderID string `json:"providerId"`
	Name       string `json:"name"`
}

type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Prompt      string   `json:"prompt"`
	Temperature float32  `json:"temperature"`
	TopP        *float32 `json:"topP,omitempty"`
	// MaxTokens of 0 leaves the limit to the provider.
	MaxTokens int `json:"maxTokens"`
	// ContextSize bounds how many prior messages are replayed to the provider.
	ContextSize int       `json:"contextSize"`
	Model       *ModelRef `json:"model,omitempty"`
	ToolIDs     []string  `json:"tools,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (a *Agent) HistoryLimit() int {
	if a.ContextSize <= 0 {
		return DefaultContextSize
	}
	return a.ContextSize
}

type Provider struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	APIKey    string    `json:"apiKey,omitempty"`
	Models    []string  `json:"models,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SearchMode int

const (
	// SearchModeContext runs the search before the first round and injects
	// the results as system context.
	SearchModeContext SearchMode = 0
	// SearchModeTool exposes the search engine as a tool the model may call.
	SearchModeTool SearchMode = 1
)

type SearchConfig struct {
	Provider    string     `json:"provider"`
	APIKey      string     `json:"apiKey"`
	Mode        SearchMode `json:"mode"`
	ResultCount int        `json:"resultCount"`
}

func (s *SearchConfig) Enabled() bool {
	return s != nil && s.APIKey != ""
}
