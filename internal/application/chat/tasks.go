package chat

import (
	"context"
	"sync"

	"github.com/longregen/causal/internal/domain"
)

type task struct {
	cancel context.CancelFunc
}

// TaskRegistry maps the assistant message id of every running turn to its
// cancellation handle. It is the only state shared between turns.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]*task
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]*task)}
}

// Register publishes cancel under id. The returned release removes exactly
// this entry and may be called more than once.
func (r *TaskRegistry) Register(id string, cancel context.CancelFunc) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; ok {
		return nil, domain.ErrTurnRunning
	}
	t := &task{cancel: cancel}
	r.tasks[id] = t

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.tasks[id] == t {
			delete(r.tasks, id)
		}
	}, nil
}

// Cancel signals the turn registered under id. It reports false when no
// such turn is running.
func (r *TaskRegistry) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()

	if !ok {
		return false
	}
	t.cancel()
	return true
}

func (r *TaskRegistry) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[id]
	return ok
}

func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
