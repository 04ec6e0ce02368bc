package models

import (
	"encoding/json"
	"time"
)

// ToolCall is a fully assembled request from the model to run a tool.
// Arguments holds the raw JSON text exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id" msgpack:"id"`
	Name      string `json:"name" msgpack:"name"`
	Arguments string `json:"arguments" msgpack:"arguments"`
}

// ToolResult pairs a call with what the tool returned.
type ToolResult struct {
	CallID    string          `json:"callId" msgpack:"callId"`
	Name      string          `json:"name" msgpack:"name"`
	Arguments string          `json:"arguments" msgpack:"arguments"`
	Result    json.RawMessage `json:"result" msgpack:"result"`
}

type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type ToolKind string

const (
	ToolKindScript     ToolKind = "script"
	ToolKindProcessMCP ToolKind = "process_mcp"
	ToolKindRemoteMCP  ToolKind = "remote_mcp"
	ToolKindWebSearch  ToolKind = "web_search"
)

func (k ToolKind) Valid() bool {
	switch k {
	case ToolKindScript, ToolKindProcessMCP, ToolKindRemoteMCP, ToolKindWebSearch:
		return true
	}
	return false
}

type ToolParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, boolean, object
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type ScriptToolConfig struct {
	Code   string      `json:"code"`
	Params []ToolParam `json:"params,omitempty"`
}

type ProcessToolConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

type RemoteToolConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"apiKey,omitempty"`
}

type WebSearchToolConfig struct {
	APIKey      string `json:"apiKey"`
	ResultCount int    `json:"resultCount,omitempty"`
}

// ToolConfig is a stored tool definition. Exactly one of the kind-specific
// sections is set, matching Kind.
type ToolConfig struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Kind        ToolKind             `json:"kind"`
	Script      *ScriptToolConfig    `json:"script,omitempty"`
	Process     *ProcessToolConfig   `json:"process,omitempty"`
	Remote      *RemoteToolConfig    `json:"remote,omitempty"`
	Search      *WebSearchToolConfig `json:"search,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}
