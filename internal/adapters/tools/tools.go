package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/longregen/causal/internal/adapters/mcp"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
)

// FactoryOptions configures how tool backends are constructed.
type FactoryOptions struct {
	DenoPath      string
	ScriptTimeout time.Duration
	// HandshakeTimeout bounds connecting to an MCP server and listing its tools.
	HandshakeTimeout time.Duration
	SSE              mcp.SSEOptions
	// SearchBaseURL overrides the Tavily endpoint.
	SearchBaseURL string
}

// Factory builds one backend per stored tool, switching on its kind.
type Factory struct {
	opts FactoryOptions
}

func NewFactory(opts FactoryOptions) *Factory {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	return &Factory{opts: opts}
}

func (f *Factory) NewBackend(ctx context.Context, cfg *models.ToolConfig) (ports.ToolBackend, error) {
	switch cfg.Kind {
	case models.ToolKindScript:
		return NewScriptBackend(cfg, f.opts.DenoPath, f.opts.ScriptTimeout)

	case models.ToolKindProcessMCP:
		ctx, cancel := context.WithTimeout(ctx, f.opts.HandshakeTimeout)
		defer cancel()
		return mcp.NewProcessBackend(ctx, cfg.Name, cfg.Process)

	case models.ToolKindRemoteMCP:
		ctx, cancel := context.WithTimeout(ctx, f.opts.HandshakeTimeout)
		defer cancel()
		return mcp.NewRemoteBackend(ctx, cfg.Name, cfg.Remote, f.opts.SSE)

	case models.ToolKindWebSearch:
		if cfg.Search == nil || cfg.Search.APIKey == "" {
			return nil, fmt.Errorf("web search tool %s has no API key", cfg.Name)
		}
		return NewWebSearchBackend(f.tavily(cfg.Search.APIKey), cfg.Search.ResultCount), nil

	default:
		return nil, fmt.Errorf("unknown tool kind %q", cfg.Kind)
	}
}

// NewSearcher returns the engine behind the global search settings.
func (f *Factory) NewSearcher(cfg *models.SearchConfig) ports.WebSearcher {
	return f.tavily(cfg.APIKey)
}

// NewSearchTool exposes the global search engine as a tool backend.
func (f *Factory) NewSearchTool(cfg *models.SearchConfig) ports.ToolBackend {
	return NewWebSearchBackend(f.tavily(cfg.APIKey), cfg.ResultCount)
}

func (f *Factory) tavily(apiKey string) *TavilyClient {
	var opts []TavilyOption
	if f.opts.SearchBaseURL != "" {
		opts = append(opts, WithTavilyBaseURL(f.opts.SearchBaseURL))
	}
	return NewTavilyClient(apiKey, opts...)
}
