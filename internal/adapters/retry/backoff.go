package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
	Multiplier      float64
	// Jitter spreads each wait by up to this fraction either way.
	Jitter float64
}

// DefaultConfig is used for provider requests.
func DefaultConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		MaxRetries:      3,
		Multiplier:      2.0,
		Jitter:          0.2,
	}
}

// HTTPConfig is used for plain HTTP integrations such as web search.
func HTTPConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxRetries:      2,
		Multiplier:      2.0,
		Jitter:          0.2,
	}
}

// StatusError is returned by HTTP clients for a non-2xx response so the
// status can drive the retry decision.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return IsRetryableHTTPStatus(statusErr.StatusCode)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode > 0 {
			return IsRetryableHTTPStatus(reqErr.HTTPStatusCode)
		}
		return IsRetryableError(reqErr.Err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// NXDOMAIN is definitive.
		return !dnsErr.IsNotFound
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.EPIPE)
	}

	return false
}

func IsRetryableHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusRequestTimeout:
		return true
	case statusCode >= 500 && statusCode < 600:
		return true
	}
	return false
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent.
func Do[T any](ctx context.Context, cfg BackoffConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	interval := cfg.InitialInterval

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return zero, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(withJitter(interval, cfg.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * cfg.Multiplier)
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}

	return zero, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

// WithBackoff is Do for calls without a result.
func WithBackoff(ctx context.Context, cfg BackoffConfig, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * jitter * float64(d)
	return d + time.Duration(delta)
}
