package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/longregen/causal/internal/domain/models"
)

// Backend exposes the tools of one connected MCP server.
type Backend struct {
	name   string
	client *Client
	tools  []models.ToolDescriptor
}

// NewProcessBackend spawns a local MCP server and completes the handshake.
func NewProcessBackend(ctx context.Context, name string, cfg *models.ProcessToolConfig) (*Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mcp %s: missing process configuration", name)
	}
	transport, err := NewStdioTransport(name, cfg.Command, cfg.Args, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", name, err)
	}
	return connect(ctx, name, transport)
}

// NewRemoteBackend connects to an MCP server over SSE and completes the
// handshake.
func NewRemoteBackend(ctx context.Context, name string, cfg *models.RemoteToolConfig, opts SSEOptions) (*Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mcp %s: missing remote configuration", name)
	}
	if cfg.APIKey != "" {
		opts.APIKey = cfg.APIKey
	}
	transport, err := NewSSETransport(cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", name, err)
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("mcp %s: %w", name, err)
	}
	return connect(ctx, name, transport)
}

func connect(ctx context.Context, name string, transport Transport) (*Backend, error) {
	client := NewClient(name, transport)
	tools, err := client.Handshake(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("mcp %s: %w", name, err)
	}

	b := &Backend{name: name, client: client}
	for _, t := range tools {
		b.tools = append(b.tools, models.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toolSchema(t.InputSchema),
		})
	}

	slog.Info("mcp server connected", "server", name, "tools", len(b.tools))
	return b, nil
}

// toolSchema replaces a missing, null or non-object input schema with an
// empty object schema; providers reject function parameters that are not
// objects.
func toolSchema(raw json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

func (b *Backend) Describe() []models.ToolDescriptor {
	return b.tools
}

func (b *Backend) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return b.client.CallTool(ctx, name, args)
}

func (b *Backend) Close() error {
	return b.client.Close()
}
