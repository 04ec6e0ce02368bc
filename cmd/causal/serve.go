package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/longregen/causal/internal/adapters/http"
	"github.com/longregen/causal/internal/adapters/tracing"
	"github.com/longregen/causal/internal/logging"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// serveCmd starts the HTTP API server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the causal HTTP API server.

Turns are started with POST /api/sessions/{sessionID}/turns (server-sent
events) or over the websocket at /api/sessions/{sessionID}/ws, and cancelled
with DELETE /api/turns/{messageID}.

Storage defaults to a local SQLite file; set CAUSAL_DB_DRIVER=postgres and
CAUSAL_POSTGRES_URL to use PostgreSQL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	stderr := logging.NewHandler(os.Stderr, logging.Format(cfg.Log.Format), logging.ParseLevel(cfg.Log.Level))
	otel, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Telemetry.Environment,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Stdout:       cfg.Telemetry.Stdout,
	}, stderr)
	if err != nil {
		slog.WarnContext(ctx, "failed to initialize telemetry", "error", err)
	} else {
		slog.SetDefault(otel.Logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otel.Shutdown(shutdownCtx); err != nil {
				slog.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	slog.InfoContext(ctx, "starting causal API server",
		"version", version,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"driver", cfg.Database.Driver,
		"otlp", cfg.Telemetry.OTLPEndpoint != "",
	)

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	supervisor := newSupervisor(store)

	server := http.NewServer(http.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
	}, supervisor, store)

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		slog.Info("shutting down gracefully", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	// Handlers are gone; let the turns they started persist their final state.
	done := make(chan struct{})
	go func() {
		supervisor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("turns still running at shutdown", "running", supervisor.Tasks().Len())
	}

	slog.Info("server stopped")
	return nil
}
