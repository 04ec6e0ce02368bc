// Package llm is the OpenAI-compatible provider transport.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/longregen/causal/internal/adapters/circuitbreaker"
	"github.com/longregen/causal/internal/adapters/metrics"
	"github.com/longregen/causal/internal/adapters/retry"
	"github.com/longregen/causal/internal/adapters/tracing"
	"github.com/longregen/causal/internal/ports"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// LLMTimeout bounds a whole request, including reading a stream to its end.
	LLMTimeout = 2 * time.Minute

	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

var tracer = tracing.Tracer("internal/llm")

type Config struct {
	Name      string
	BaseURL   string
	APIKey    string
	Transport http.RoundTripper
	Timeout   time.Duration
	Backoff   retry.BackoffConfig
	Breaker   *circuitbreaker.CircuitBreaker

	BreakerFailures int
	BreakerTimeout  time.Duration
}

type Option func(*Config)

// WithTransport sets the HTTP transport; the default is http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Config) { c.Transport = rt }
}

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

func WithBackoff(cfg retry.BackoffConfig) Option {
	return func(c *Config) { c.Backoff = cfg }
}

// WithBreakerSettings tunes the per-client breaker: it opens after failures
// consecutive outages and tries again after timeout.
func WithBreakerSettings(failures int, timeout time.Duration) Option {
	return func(c *Config) { c.BreakerFailures, c.BreakerTimeout = failures, timeout }
}

// WithBreaker replaces the default breaker (5 failures, 30s).
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Config) { c.Breaker = cb }
}

// Client is a ports.ChatProvider for one OpenAI-compatible endpoint. Requests
// are retried with backoff and pass through a circuit breaker.
type Client struct {
	api     *openai.Client
	name    string
	timeout time.Duration
	backoff retry.BackoffConfig
	breaker *circuitbreaker.CircuitBreaker
}

// NewClient creates a client for baseURL, the full API base
// (e.g. "https://api.openai.com/v1").
func NewClient(name, baseURL, apiKey string, opts ...Option) *Client {
	cfg := &Config{
		Name:    name,
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		Timeout: LLMTimeout,
		Backoff: retry.DefaultConfig(),

		BreakerFailures: breakerFailures,
		BreakerTimeout:  breakerTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	openaiCfg := openai.DefaultConfig(cfg.APIKey)
	openaiCfg.BaseURL = cfg.BaseURL
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	// No client-level timeout: it would cut long streams. The context
	// deadline covers both modes.
	openaiCfg.HTTPClient = &http.Client{Transport: transport}

	breaker := cfg.Breaker
	if breaker == nil {
		breaker = newBreaker(cfg.Name, cfg.BreakerFailures, cfg.BreakerTimeout)
	}

	return &Client{
		api:     openai.NewClientWithConfig(openaiCfg),
		name:    cfg.Name,
		timeout: cfg.Timeout,
		backoff: cfg.Backoff,
		breaker: breaker,
	}
}

func newBreaker(name string, failures int, timeout time.Duration) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New("llm:"+name, failures, timeout,
		circuitbreaker.WithFailureFilter(isProviderOutage),
		circuitbreaker.WithStateChange(func(name string, _, to circuitbreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}),
	)
}

// isProviderOutage counts transport failures and 5xx/429 answers against the
// breaker; a 400 for a bad request says nothing about provider health.
func isProviderOutage(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retry.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return retry.IsRetryableHTTPStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) startSpan(ctx context.Context, req openai.ChatCompletionRequest) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "llm.chat", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("llm.provider", c.name),
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.stream", req.Stream),
		attribute.Int("llm.request.max_tokens", req.MaxTokens),
		attribute.Int("llm.request.tools", len(req.Tools)),
		attribute.Int("llm.request.messages", len(req.Messages)),
	)
	if req.Temperature > 0 {
		span.SetAttributes(attribute.Float64("llm.request.temperature", float64(req.Temperature)))
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CreateChatCompletion sends one non-streaming request.
func (c *Client) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	req.Stream = false
	ctx, span := c.startSpan(ctx, req)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var resp openai.ChatCompletionResponse
	err := c.breaker.Execute(func() error {
		var err error
		resp, err = retry.Do(ctx, c.backoff, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
			return c.api.CreateChatCompletion(ctx, req)
		})
		return err
	})
	metrics.LLMRequestDuration.WithLabelValues(c.name, "direct").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(c.name, "direct", "error").Inc()
		recordSpanError(span, err)
		return resp, fmt.Errorf("chat completion failed: %w", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(c.name, "direct", "ok").Inc()

	span.SetAttributes(
		attribute.Int("llm.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.output_tokens", resp.Usage.CompletionTokens),
		attribute.Int("llm.usage.total_tokens", resp.Usage.TotalTokens),
	)
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		span.SetAttributes(
			attribute.String("llm.response.finish_reason", string(choice.FinishReason)),
			attribute.Int("llm.response.tool_calls", len(choice.Message.ToolCalls)),
			attribute.Int("llm.response.content_length", len(choice.Message.Content)),
		)
	}
	return resp, nil
}

// CreateChatCompletionStream opens a stream. Only opening is retried; the
// returned stream owns the request deadline and the span until Close.
func (c *Client) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ports.ChatStream, error) {
	req.Stream = true
	ctx, span := c.startSpan(ctx, req)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	start := time.Now()
	var inner *openai.ChatCompletionStream
	err := c.breaker.Execute(func() error {
		var err error
		inner, err = retry.Do(ctx, c.backoff, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
			return c.api.CreateChatCompletionStream(ctx, req)
		})
		return err
	})
	metrics.LLMRequestDuration.WithLabelValues(c.name, "stream").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(c.name, "stream", "error").Inc()
		recordSpanError(span, err)
		span.End()
		cancel()
		return nil, fmt.Errorf("chat stream failed: %w", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(c.name, "stream", "ok").Inc()

	return &stream{inner: inner, span: span, cancel: cancel}, nil
}

type stream struct {
	inner  *openai.ChatCompletionStream
	span   trace.Span
	cancel context.CancelFunc

	chunks    int
	toolDelta int
	finish    openai.FinishReason
	usage     *openai.Usage
	closeOnce sync.Once
}

func (s *stream) Recv() (openai.ChatCompletionStreamResponse, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			recordSpanError(s.span, err)
		}
		return resp, err
	}

	s.chunks++
	if resp.Usage != nil {
		s.usage = resp.Usage
	}
	for _, choice := range resp.Choices {
		s.toolDelta += len(choice.Delta.ToolCalls)
		if choice.FinishReason != "" {
			s.finish = choice.FinishReason
		}
	}
	return resp, nil
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.span.SetAttributes(
			attribute.Int("llm.response.chunks", s.chunks),
			attribute.Int("llm.response.tool_call_deltas", s.toolDelta),
			attribute.String("llm.response.finish_reason", string(s.finish)),
		)
		if s.usage != nil {
			s.span.SetAttributes(
				attribute.Int("llm.usage.input_tokens", s.usage.PromptTokens),
				attribute.Int("llm.usage.output_tokens", s.usage.CompletionTokens),
				attribute.Int("llm.usage.total_tokens", s.usage.TotalTokens),
			)
		}
		err = s.inner.Close()
		s.cancel()
		s.span.End()
	})
	return err
}
