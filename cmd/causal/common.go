package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/longregen/causal/internal/adapters/id"
	"github.com/longregen/causal/internal/adapters/mcp"
	"github.com/longregen/causal/internal/adapters/postgres"
	"github.com/longregen/causal/internal/adapters/retry"
	"github.com/longregen/causal/internal/adapters/sqlite"
	"github.com/longregen/causal/internal/adapters/tools"
	"github.com/longregen/causal/internal/application/chat"
	"github.com/longregen/causal/internal/config"
	"github.com/longregen/causal/internal/llm"
	"github.com/longregen/causal/internal/ports"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfg *config.Config

// appStore is what the CLI needs from either database driver.
type appStore interface {
	ports.Store
	ports.ConfigWriter
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
}

// openStore connects to the configured database and makes sure the schema
// exists. The returned func releases the connection.
func openStore(ctx context.Context) (appStore, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, postgres.ConnectConfig{
			URL:      cfg.Database.PostgresURL,
			Timezone: cfg.Database.Timezone,
			MaxConns: int32(cfg.Database.MaxConns),
		})
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		slog.InfoContext(ctx, "database connection established", "driver", config.DriverPostgres)
		return store, pool.Close, nil

	default:
		store, err := sqlite.Open(ctx, cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		slog.InfoContext(ctx, "database opened", "driver", config.DriverSQLite, "path", cfg.Database.Path)
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Warn("failed to close database", "error", err)
			}
		}, nil
	}
}

// providerTransport clones the default transport, raising the idle
// connection limit per provider host when one is configured.
func providerTransport(maxIdlePerHost int) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if maxIdlePerHost > 0 {
		t.MaxIdleConnsPerHost = maxIdlePerHost
		if t.MaxIdleConns < maxIdlePerHost {
			t.MaxIdleConns = maxIdlePerHost
		}
	}
	return t
}

// newSupervisor wires the engine to its providers, tool backends and store.
func newSupervisor(store ports.Store) *chat.Supervisor {
	backoff := retry.DefaultConfig()
	backoff.MaxRetries = cfg.LLM.MaxRetries
	backoff.Multiplier = cfg.LLM.BackoffMultiplier

	providers := llm.NewProviderFactory(
		llm.WithTimeout(cfg.LLM.Timeout.Std()),
		llm.WithBackoff(backoff),
		llm.WithBreakerSettings(cfg.LLM.BreakerFailures, cfg.LLM.BreakerTimeout.Std()),
		llm.WithTransport(providerTransport(cfg.LLM.MaxIdleConnsPerHost)),
	)

	toolFactory := tools.NewFactory(tools.FactoryOptions{
		DenoPath:         cfg.Tools.DenoPath,
		ScriptTimeout:    cfg.Tools.ScriptTimeout.Std(),
		HandshakeTimeout: cfg.Tools.HandshakeTimeout.Std(),
		SSE: mcp.SSEOptions{
			AllowPrivate: cfg.Tools.AllowPrivateMCP,
			AllowedHosts: cfg.Tools.MCPAllowedHosts,
		},
		SearchBaseURL: cfg.Tools.SearchBaseURL,
	})

	return chat.NewSupervisor(chat.Deps{
		Store:     store,
		Providers: providers,
		Tools:     toolFactory,
		Search:    toolFactory,
		IDs:       id.New(),
	},
		chat.WithToolConcurrency(cfg.Chat.ToolConcurrency),
		chat.WithFlushInterval(cfg.Chat.FlushInterval.Std()),
		chat.WithMaxRounds(cfg.Chat.MaxRounds),
	)
}

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// boolStatus returns a status string for a boolean
func boolStatus(b bool) string {
	if b {
		return "configured"
	}
	return "not configured"
}

func unbounded(n int) string {
	if n <= 0 {
		return "unbounded"
	}
	return strconv.Itoa(n)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
