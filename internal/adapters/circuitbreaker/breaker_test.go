package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New("test", 3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Unix(0, 0)
	var transitions []string
	cb := New("llm", 1, 10*time.Second,
		WithHalfOpenSuccesses(2),
		WithStateChange(func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}))
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(11 * time.Second)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{
		"llm:closed->open",
		"llm:open->half_open",
		"llm:half_open->closed",
	}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := New("llm", 2, time.Second)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return errBoom })
	now = now.Add(2 * time.Second)

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := New("llm", 1, time.Minute)

	err := cb.Execute(func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CustomFilter(t *testing.T) {
	cb := New("llm", 1, time.Minute, WithFailureFilter(func(err error) bool { return false }))
	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateClosed, cb.State())
}
