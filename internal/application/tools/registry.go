package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
)

// ToolInitError reports a tool whose backend could not be constructed.
type ToolInitError struct {
	ToolID string
	Name   string
	Kind   models.ToolKind
	Err    error
}

func (e *ToolInitError) Error() string {
	return fmt.Sprintf("tool %s (%s, %s) failed to initialize: %v", e.Name, e.ToolID, e.Kind, e.Err)
}

func (e *ToolInitError) Unwrap() error {
	return e.Err
}

// BackendFactory turns one stored tool configuration into a live backend.
type BackendFactory interface {
	NewBackend(ctx context.Context, cfg *models.ToolConfig) (ports.ToolBackend, error)
}

// Registry is the ordered set of tool backends available to one turn. It is
// not modified after Build returns, so rounds and dispatch goroutines share it
// without locking.
type Registry struct {
	backends []ports.ToolBackend
}

func NewRegistry(backends ...ports.ToolBackend) *Registry {
	return &Registry{backends: backends}
}

// Build constructs a backend per configuration. Failures are logged and the
// tool is left out; the returned errors are all *ToolInitError.
func Build(ctx context.Context, factory BackendFactory, cfgs []*models.ToolConfig) (*Registry, []error) {
	r := &Registry{}
	var errs []error

	for _, cfg := range cfgs {
		if cfg == nil {
			continue
		}
		backend, err := factory.NewBackend(ctx, cfg)
		if err == nil && backend == nil {
			err = errors.New("factory returned no backend")
		}
		if err != nil {
			initErr := &ToolInitError{ToolID: cfg.ID, Name: cfg.Name, Kind: cfg.Kind, Err: err}
			slog.WarnContext(ctx, "tool unavailable for this turn",
				"tool_id", cfg.ID, "tool", cfg.Name, "kind", cfg.Kind, "error", err)
			errs = append(errs, initErr)
			continue
		}
		r.backends = append(r.backends, backend)
	}

	return r, errs
}

// With returns a registry with extra backends appended after the existing
// ones. The receiver is not modified.
func (r *Registry) With(extra ...ports.ToolBackend) *Registry {
	backends := make([]ports.ToolBackend, 0, len(r.backends)+len(extra))
	backends = append(backends, r.backends...)
	backends = append(backends, extra...)
	return &Registry{backends: backends}
}

// Descriptors lists the tools of every backend in backend order. A name
// already described by an earlier backend is skipped, matching Lookup.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	if r == nil {
		return nil
	}
	var out []models.ToolDescriptor
	seen := make(map[string]bool)
	for _, b := range r.backends {
		for _, d := range b.Describe() {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	return out
}

// Lookup finds the backend serving name. When several backends describe the
// same name the earliest one wins.
func (r *Registry) Lookup(name string) (ports.ToolBackend, bool) {
	if r == nil {
		return nil, false
	}
	for _, b := range r.backends {
		for _, d := range b.Describe() {
			if d.Name == name {
				return b, true
			}
		}
	}
	return nil, false
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.backends)
}

// Close releases every backend, returning the joined errors.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
