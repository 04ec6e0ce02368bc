package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type Option func(*CircuitBreaker)

// WithFailureFilter decides which errors count against the breaker. By
// default cancellations are not failures.
func WithFailureFilter(isFailure func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.isFailure = isFailure }
}

// WithStateChange registers a callback run (outside the lock) on every
// transition.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

func WithHalfOpenSuccesses(n int) Option {
	return func(cb *CircuitBreaker) { cb.halfOpenMax = n }
}

type CircuitBreaker struct {
	name string

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time

	maxFailures int
	timeout     time.Duration
	halfOpenMax int
	isFailure   func(error) bool
	onChange    func(name string, from, to State)
	now         func() time.Time
}

func New(name string, maxFailures int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:        name,
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		halfOpenMax: 3,
		isFailure:   defaultIsFailure,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from, changed = cb.state, true
		cb.state = StateHalfOpen
		cb.successes = 0
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state

	switch {
	case err != nil && cb.isFailure(err):
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
	case err != nil:
		// Not counted either way.
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
