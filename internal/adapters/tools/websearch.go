package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/longregen/causal/internal/adapters/retry"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
)

const (
	TavilySearchURL     = "https://api.tavily.com/search"
	tavilyTimeout       = 60 * time.Second
	defaultResultCount  = 5
	WebSearchToolName   = "tavily_web_search"
	webSearchToolDetail = "Useful for when you need to answer questions by searching the web."
	maxQueryLength      = 400
)

// TavilyClient calls the Tavily search API.
type TavilyClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	backoff retry.BackoffConfig
}

type TavilyOption func(*TavilyClient)

func WithTavilyBaseURL(url string) TavilyOption {
	return func(c *TavilyClient) { c.baseURL = url }
}

func WithTavilyHTTPClient(client *http.Client) TavilyOption {
	return func(c *TavilyClient) { c.client = client }
}

func WithTavilyBackoff(cfg retry.BackoffConfig) TavilyOption {
	return func(c *TavilyClient) { c.backoff = cfg }
}

func NewTavilyClient(apiKey string, opts ...TavilyOption) *TavilyClient {
	c := &TavilyClient{
		apiKey:  apiKey,
		baseURL: TavilySearchURL,
		client:  &http.Client{Timeout: tavilyTimeout},
		backoff: retry.HTTPConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// truncateQuery cuts q to at most limit bytes without splitting a rune.
func truncateQuery(q string, limit int) string {
	if len(q) <= limit {
		return q
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(q[cut]) {
		cut--
	}
	return q[:cut]
}

type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results,omitempty"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type tavilyResponse struct {
	Query   string               `json:"query"`
	Results []ports.SearchResult `json:"results"`
}

func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]ports.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	query = truncateQuery(query, maxQueryLength)
	if maxResults <= 0 {
		maxResults = defaultResultCount
	}

	body, err := json.Marshal(tavilyRequest{
		APIKey:     c.apiKey,
		Query:      query,
		MaxResults: maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	return retry.Do(ctx, c.backoff, func(ctx context.Context) ([]ports.SearchResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("search request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}

		var decoded tavilyResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, fmt.Errorf("failed to decode search response: %w", err)
		}
		if len(decoded.Results) > maxResults {
			decoded.Results = decoded.Results[:maxResults]
		}
		return decoded.Results, nil
	})
}

// WebSearchBackend exposes a WebSearcher to the model as tavily_web_search.
type WebSearchBackend struct {
	searcher    ports.WebSearcher
	resultCount int
}

func NewWebSearchBackend(searcher ports.WebSearcher, resultCount int) *WebSearchBackend {
	if resultCount <= 0 {
		resultCount = defaultResultCount
	}
	return &WebSearchBackend{searcher: searcher, resultCount: resultCount}
}

func (b *WebSearchBackend) Describe() []models.ToolDescriptor {
	return []models.ToolDescriptor{{
		Name:        WebSearchToolName,
		Description: webSearchToolDetail,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	}}
}

func (b *WebSearchBackend) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Query string `json:"query"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	results, err := b.searcher.Search(ctx, params.Query, b.resultCount)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []ports.SearchResult{}
	}
	return json.Marshal(results)
}

func (b *WebSearchBackend) Close() error {
	return nil
}
