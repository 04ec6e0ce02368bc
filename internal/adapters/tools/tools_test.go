package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/longregen/causal/internal/adapters/retry"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTavilyClient_Search(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key", req.APIKey)
		assert.Equal(t, "golang", req.Query)
		assert.Equal(t, 2, req.MaxResults)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":"golang","results":[
			{"title":"Go","url":"https://go.dev","content":"The Go language","raw_content":null,"score":0.9},
			{"title":"Tour","url":"https://go.dev/tour","content":"A tour","score":0.8},
			{"title":"Extra","url":"https://example.com","content":"x","score":0.1}
		]}`))
	}))
	defer srv.Close()

	client := NewTavilyClient("key",
		WithTavilyBaseURL(srv.URL),
		WithTavilyBackoff(retry.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 2, Multiplier: 1}),
	)

	results, err := client.Search(context.Background(), "  golang ", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Go", results[0].Title)
	assert.Nil(t, results[0].RawContent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTavilyClient_NonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewTavilyClient("key", WithTavilyBaseURL(srv.URL))
	_, err := client.Search(context.Background(), "q", 1)

	var statusErr *retry.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTruncateQuery(t *testing.T) {
	assert.Equal(t, "short", truncateQuery("short", 10))
	assert.Equal(t, "abc", truncateQuery("abcdef", 3))
	// "é" is two bytes; a cut inside it backs off to the rune start.
	assert.Equal(t, "ab", truncateQuery("abé", 3))
	assert.Equal(t, "abé", truncateQuery("abéz", 4))

	long := strings.Repeat("日", 200)
	got := truncateQuery(long, maxQueryLength)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxQueryLength)
	assert.Equal(t, 399, len(got))
}

func TestTavilyClient_HTTPClient(t *testing.T) {
	var sawQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sawQuery.Store(req.Query)
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	client := NewTavilyClient("key", WithTavilyBaseURL(srv.URL), WithTavilyHTTPClient(srv.Client()))
	_, err := client.Search(context.Background(), strings.Repeat("ü", 300), 1)
	require.NoError(t, err)

	q := sawQuery.Load().(string)
	assert.True(t, utf8.ValidString(q))
	assert.Len(t, q, maxQueryLength)
}

func TestTavilyClient_EmptyQuery(t *testing.T) {
	_, err := NewTavilyClient("key").Search(context.Background(), "   ", 3)
	assert.Error(t, err)
}

type fakeSearcher struct {
	query string
	max   int
}

func (f *fakeSearcher) Search(_ context.Context, query string, maxResults int) ([]ports.SearchResult, error) {
	f.query, f.max = query, maxResults
	return []ports.SearchResult{{Title: "t", URL: "u", Content: "c", Score: 0.5}}, nil
}

func TestWebSearchBackend(t *testing.T) {
	searcher := &fakeSearcher{}
	backend := NewWebSearchBackend(searcher, 0)

	descs := backend.Describe()
	require.Len(t, descs, 1)
	assert.Equal(t, "tavily_web_search", descs[0].Name)
	assert.Equal(t, "Useful for when you need to answer questions by searching the web.", descs[0].Description)

	out, err := backend.Invoke(context.Background(), "tavily_web_search", json.RawMessage(`{"query":"weather"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"title":"t","url":"u","content":"c","raw_content":null,"score":0.5}]`, string(out))
	assert.Equal(t, "weather", searcher.query)
	assert.Equal(t, defaultResultCount, searcher.max)

	_, err = backend.Invoke(context.Background(), "tavily_web_search", json.RawMessage(`{"query":`))
	assert.Error(t, err)
}

func TestParamsSchema(t *testing.T) {
	schema := paramsSchema([]models.ToolParam{
		{Name: "a", Type: "number", Description: "first", Required: true},
		{Name: "b"},
	})
	assert.JSONEq(t, `{
		"type":"object",
		"properties":{"a":{"type":"number","description":"first"},"b":{"type":"string"}},
		"required":["a"]
	}`, string(schema))

	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(paramsSchema(nil)))
}

func TestScriptResult(t *testing.T) {
	assert.JSONEq(t, `{"sum":3}`, string(scriptResult([]byte("{\"sum\":3}\n"))))
	assert.JSONEq(t, `42`, string(scriptResult([]byte("42"))))
	assert.JSONEq(t, `{"output":"hello world"}`, string(scriptResult([]byte("hello world\n"))))
	assert.JSONEq(t, `{"output":""}`, string(scriptResult(nil)))
}

func TestWrapScript_RejectsInvalidArguments(t *testing.T) {
	_, err := wrapScript("return 1", json.RawMessage(`{oops`))
	assert.Error(t, err)

	src, err := wrapScript("return args.a + args.b", json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Contains(t, src, `JSON.parse("{\"a\":1,\"b\":2}")`)
	assert.Contains(t, src, "return args.a + args.b")
}

func TestScriptBackend_Invoke(t *testing.T) {
	if _, err := exec.LookPath("deno"); err != nil {
		t.Skip("deno not installed")
	}

	backend, err := NewScriptBackend(&models.ToolConfig{
		Name:   "add",
		Kind:   models.ToolKindScript,
		Script: &models.ScriptToolConfig{Code: "return { sum: args.a + args.b };"},
	}, "", 0)
	require.NoError(t, err)

	out, err := backend.Invoke(context.Background(), "add", json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5}`, string(out))
}

func TestFactory_Errors(t *testing.T) {
	f := NewFactory(FactoryOptions{})

	_, err := f.NewBackend(context.Background(), &models.ToolConfig{Name: "x", Kind: "carrier_pigeon"})
	assert.ErrorContains(t, err, "unknown tool kind")

	_, err = f.NewBackend(context.Background(), &models.ToolConfig{Name: "s", Kind: models.ToolKindWebSearch})
	assert.ErrorContains(t, err, "no API key")

	_, err = f.NewBackend(context.Background(), &models.ToolConfig{Name: "p", Kind: models.ToolKindProcessMCP})
	assert.Error(t, err)

	_, err = f.NewBackend(context.Background(), &models.ToolConfig{Name: "e", Kind: models.ToolKindScript, Script: &models.ScriptToolConfig{}})
	assert.ErrorContains(t, err, "no code")
}

func TestFactory_WebSearch(t *testing.T) {
	f := NewFactory(FactoryOptions{})
	backend, err := f.NewBackend(context.Background(), &models.ToolConfig{
		Name:   "search",
		Kind:   models.ToolKindWebSearch,
		Search: &models.WebSearchToolConfig{APIKey: "k", ResultCount: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, WebSearchToolName, backend.Describe()[0].Name)
}

func TestFactory_SearchFromSettings(t *testing.T) {
	var gotMax atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMax.Store(int32(req.MaxResults))
		w.Write([]byte(`{"results":[{"title":"Forecast","url":"u","content":"18C","score":1}]}`))
	}))
	defer srv.Close()

	f := NewFactory(FactoryOptions{SearchBaseURL: srv.URL})
	cfg := &models.SearchConfig{APIKey: "k", ResultCount: 2}

	results, err := f.NewSearcher(cfg).Search(context.Background(), "paris weather", cfg.ResultCount)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Forecast", results[0].Title)
	assert.Equal(t, int32(2), gotMax.Load())

	tool := f.NewSearchTool(cfg)
	out, err := tool.Invoke(context.Background(), WebSearchToolName, json.RawMessage(`{"query":"paris"}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"title":"Forecast"`)
	assert.Equal(t, int32(2), gotMax.Load())
}
