package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Store   string `json:"store,omitempty"`
}

type HealthHandler struct {
	version string
	store   Pinger
	timeout time.Duration
}

// NewHealthHandler reports ok, and checks store when it is not nil.
func NewHealthHandler(version string, store Pinger) *HealthHandler {
	return &HealthHandler{version: version, store: store, timeout: 5 * time.Second}
}

func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: h.version}
	if h.store == nil {
		respondJSON(w, resp, http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		respondJSON(w, resp, http.StatusServiceUnavailable)
		return
	}
	resp.Store = "ok"
	respondJSON(w, resp, http.StatusOK)
}
