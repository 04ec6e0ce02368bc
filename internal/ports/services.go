package ports

import (
	"context"
	"encoding/json"

	"github.com/longregen/causal/internal/domain/models"
	openai "github.com/sashabaranov/go-openai"
)

// ChatStream is a finite, non-restartable sequence of response chunks.
// Recv returns io.EOF once the provider has finished.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// ChatProvider is the chat-completion transport of one provider.
type ChatProvider interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
}

// ProviderFactory builds a ChatProvider for a stored provider record.
type ProviderFactory interface {
	ForProvider(provider *models.Provider) (ChatProvider, error)
}

// ToolBackend is one source of tools: a script, an MCP server, a search engine.
// Backends are read-only after construction and safe for concurrent Invoke.
type ToolBackend interface {
	Describe() []models.ToolDescriptor
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	Close() error
}

// SearchResult is one hit returned by a web search engine.
type SearchResult struct {
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Content    string  `json:"content"`
	RawContent *string `json:"raw_content"`
	Score      float64 `json:"score"`
}

// WebSearcher runs a web search and returns at most maxResults hits.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}
