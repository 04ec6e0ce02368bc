package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longregen/causal/internal/adapters/circuitbreaker"
	"github.com/longregen/causal/internal/adapters/retry"
	"github.com/longregen/causal/internal/domain"
	"github.com/longregen/causal/internal/domain/models"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(retries int) retry.BackoffConfig {
	return retry.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: retries, Multiplier: 1}
}

const completionBody = `{
	"id":"chatcmpl-1","object":"chat.completion","model":"m",
	"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
	"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}
}`

func TestClient_CreateChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m", req.Model)
		assert.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	client := NewClient("test", srv.URL+"/v1/", "sk-test")
	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	client := NewClient("test", srv.URL, "k", WithBackoff(fastBackoff(2)))
	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_BadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"unknown model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New("t", 1, time.Minute, circuitbreaker.WithFailureFilter(isProviderOutage))
	client := NewClient("test", srv.URL, "k", WithBackoff(fastBackoff(3)), WithBreaker(breaker))

	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{Model: "nope"})
	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestClient_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"down","type":"server_error"}}`)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New("t", 1, time.Minute, circuitbreaker.WithFailureFilter(isProviderOutage))
	client := NewClient("test", srv.URL, "k", WithBackoff(fastBackoff(0)), WithBreaker(breaker))

	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	require.Error(t, err)

	_, err = client.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(1), calls.Load())
}

func streamServer(t *testing.T, chunks []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
}

func TestClient_Stream(t *testing.T) {
	srv := streamServer(t, []string{
		`{"id":"1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`{"id":"1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	})
	defer srv.Close()

	client := NewClient("test", srv.URL, "k")

	ctx, cancel := context.WithCancel(context.Background())
	st, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         "m",
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	require.NoError(t, err)
	defer st.Close()

	var content strings.Builder
	var usage *openai.Usage
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	cancel()

	assert.Equal(t, "Hello", content.String())
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
	assert.NoError(t, st.Close())
	assert.NoError(t, st.Close())
}

func TestProviderFactory(t *testing.T) {
	f := NewProviderFactory()

	_, err := f.ForProvider(nil)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)

	_, err = f.ForProvider(&models.Provider{ID: "p"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	p := &models.Provider{ID: "p", Name: "local", URL: "http://localhost:1/v1", APIKey: "a"}
	first, err := f.ForProvider(p)
	require.NoError(t, err)
	again, err := f.ForProvider(p)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, "local", first.(*Client).Name())

	changed := *p
	changed.APIKey = "b"
	replaced, err := f.ForProvider(&changed)
	require.NoError(t, err)
	assert.NotSame(t, first, replaced)
}

type countingTransport struct {
	next  http.RoundTripper
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(r)
}

func TestClient_WithTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionBody)
	}))
	defer srv.Close()

	rt := &countingTransport{next: http.DefaultTransport}
	client := NewClient("test", srv.URL, "k", WithTransport(rt))
	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), rt.calls.Load())
}
