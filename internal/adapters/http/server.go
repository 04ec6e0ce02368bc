// Package http exposes conversation turns over HTTP: server-sent events,
// websockets and a cancel endpoint.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/longregen/causal/internal/adapters/http/handlers"
	"github.com/longregen/causal/internal/adapters/http/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	ServiceName string
	Version     string
}

type Server struct {
	config     Config
	router     *chi.Mux
	httpServer *http.Server
	turns      handlers.TurnService
	store      handlers.Pinger
}

// NewServer builds the router. store may be nil, in which case /health does
// not check persistence.
func NewServer(cfg Config, turns handlers.TurnService, store handlers.Pinger) *Server {
	s := &Server{config: cfg, turns: turns, store: store}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	origins := middleware.NewOrigins(s.config.CORSOrigins)

	r.Use(middleware.Tracing(s.config.ServiceName, r))
	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(origins))
	r.Use(middleware.Metrics)

	r.Get("/health", handlers.NewHealthHandler(s.config.Version, s.store).Handle)
	r.Handle("/metrics", promhttp.Handler())

	turnsHandler := handlers.NewTurnsHandler(s.turns)
	wsHandler := handlers.NewWebSocketHandler(s.turns, origins.CheckRequest)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions/{sessionID}/turns", turnsHandler.Stream)
		r.Get("/sessions/{sessionID}/ws", wsHandler.Handle)
		r.Delete("/turns/{messageID}", turnsHandler.Cancel)
	})

	s.router = r
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Turns stream for as long as the model takes; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("starting http server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
