package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/longregen/causal/internal/config"
	"github.com/longregen/causal/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "causal",
		Short: "causal - conversation orchestration engine",
		Long: `causal runs LLM conversation turns: it streams model output, executes the
tools the model asks for, and persists every message as it goes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			handler := logging.NewHandler(os.Stderr, logging.Format(cfg.Log.Format), logging.ParseLevel(cfg.Log.Level))
			slog.SetDefault(slog.New(handler))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a JSON config file")

	rootCmd.AddCommand(
		serveCmd(),
		chatCmd(),
		cancelCmd(),
		seedCmd(),
		configCmd(),
		mcpCalcCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows the effective configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Address:      %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("  CORS Origins: %s\n", strings.Join(cfg.Server.CORSOrigins, ", "))
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  Driver:      %s\n", cfg.Database.Driver)
			fmt.Printf("  SQLite Path: %s\n", cfg.Database.Path)
			fmt.Printf("  PostgreSQL:  %s\n", maskSecret(cfg.Database.PostgresURL))
			fmt.Println()

			fmt.Println("LLM transport:")
			fmt.Printf("  Timeout:         %s\n", cfg.LLM.Timeout.Std())
			fmt.Printf("  Max Retries:     %d\n", cfg.LLM.MaxRetries)
			fmt.Printf("  Breaker:         %d failures, %s\n", cfg.LLM.BreakerFailures, cfg.LLM.BreakerTimeout.Std())
			if n := cfg.LLM.MaxIdleConnsPerHost; n > 0 {
				fmt.Printf("  Idle Conns/Host: %d\n", n)
			}
			fmt.Println()

			fmt.Println("Chat:")
			fmt.Printf("  Tool Concurrency: %s\n", unbounded(cfg.Chat.ToolConcurrency))
			fmt.Printf("  Max Rounds:       %s\n", unbounded(cfg.Chat.MaxRounds))
			fmt.Printf("  Flush Interval:   %s\n", cfg.Chat.FlushInterval.Std())
			fmt.Println()

			fmt.Println("Tools:")
			fmt.Printf("  Deno:          %s\n", orDefault(cfg.Tools.DenoPath, "deno (PATH)"))
			fmt.Printf("  Script Limit:  %s\n", cfg.Tools.ScriptTimeout.Std())
			fmt.Printf("  Private MCP:   %t\n", cfg.Tools.AllowPrivateMCP)
			fmt.Printf("  Search URL:    %s\n", orDefault(cfg.Tools.SearchBaseURL, "(default)"))
			fmt.Println()

			fmt.Println("Telemetry:")
			fmt.Printf("  Service: %s (%s)\n", cfg.Telemetry.ServiceName, cfg.Telemetry.Environment)
			fmt.Printf("  OTLP:    %s\n", boolStatus(cfg.Telemetry.OTLPEndpoint != ""))
			fmt.Printf("  Log:     %s/%s\n", cfg.Log.Format, cfg.Log.Level)
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  CAUSAL_CONFIG, CAUSAL_SERVER_HOST, CAUSAL_SERVER_PORT, CAUSAL_CORS_ORIGINS")
			fmt.Println("  CAUSAL_DB_DRIVER, CAUSAL_DB_PATH, CAUSAL_POSTGRES_URL (or DATABASE_URL)")
			fmt.Println("  CAUSAL_LLM_TIMEOUT, CAUSAL_LLM_MAX_RETRIES, CAUSAL_LLM_BREAKER_FAILURES, CAUSAL_LLM_MAX_IDLE_CONNS")
			fmt.Println("  CAUSAL_TOOL_CONCURRENCY, CAUSAL_MAX_ROUNDS, CAUSAL_FLUSH_INTERVAL")
			fmt.Println("  CAUSAL_OTLP_ENDPOINT (or OTEL_EXPORTER_OTLP_ENDPOINT), CAUSAL_LOG_LEVEL, CAUSAL_LOG_FORMAT")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("causal %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
