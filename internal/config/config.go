// Package config loads causal's settings: defaults, then an optional JSON
// file, then CAUSAL_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	LLM       LLMConfig       `json:"llm"`
	Chat      ChatConfig      `json:"chat"`
	Tools     ToolsConfig     `json:"tools"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `json:"driver"` // sqlite or postgres
	// Path is the SQLite file.
	Path        string `json:"path"`
	PostgresURL string `json:"postgres_url"`
	MaxConns    int    `json:"max_conns"`
	Timezone    string `json:"timezone"`
}

// LLMConfig tunes the provider transport. Provider URLs and keys are stored
// records, not configuration.
type LLMConfig struct {
	Timeout           Duration `json:"timeout"`
	MaxRetries        int      `json:"max_retries"`
	BackoffMultiplier float64  `json:"backoff_multiplier"`
	BreakerFailures   int      `json:"breaker_failures"`
	BreakerTimeout    Duration `json:"breaker_timeout"`
	// MaxIdleConnsPerHost keeps connections to a provider warm between
	// rounds; 0 keeps the net/http default.
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
}

type ChatConfig struct {
	// ToolConcurrency bounds parallel tool calls per round; 0 is unbounded.
	ToolConcurrency int      `json:"tool_concurrency"`
	FlushInterval   Duration `json:"flush_interval"`
	// MaxRounds stops runaway tool loops; 0 is unbounded.
	MaxRounds int `json:"max_rounds"`
}

type ToolsConfig struct {
	DenoPath         string   `json:"deno_path"`
	ScriptTimeout    Duration `json:"script_timeout"`
	HandshakeTimeout Duration `json:"handshake_timeout"`
	// AllowPrivateMCP lets remote MCP servers live on private addresses.
	AllowPrivateMCP bool     `json:"allow_private_mcp"`
	MCPAllowedHosts []string `json:"mcp_allowed_hosts"`
	SearchBaseURL   string   `json:"search_base_url"`
}

type TelemetryConfig struct {
	ServiceName  string `json:"service_name"`
	Environment  string `json:"environment"`
	OTLPEndpoint string `json:"otlp_endpoint"`
	Stdout       bool   `json:"stdout"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // pretty or json
}

// Duration reads "30s"-style strings from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			Driver:   DriverSQLite,
			Path:     filepath.Join(homeDir, ".causal", "causal.db"),
			MaxConns: 10,
			Timezone: "UTC",
		},
		LLM: LLMConfig{
			Timeout:           Duration(2 * time.Minute),
			MaxRetries:        3,
			BackoffMultiplier: 2,
			BreakerFailures:   5,
			BreakerTimeout:    Duration(30 * time.Second),
		},
		Chat: ChatConfig{
			FlushInterval: Duration(250 * time.Millisecond),
		},
		Tools: ToolsConfig{
			ScriptTimeout:    Duration(30 * time.Second),
			HandshakeTimeout: Duration(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "causal",
			Environment: "development",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "pretty",
		},
	}
}

// Load reads the config file at path (or the default location when path is
// empty), then applies environment overrides and validates. A missing file
// is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = GetEnv("CAUSAL_SERVER_HOST", c.Server.Host)
	c.Server.Port = GetEnvInt("CAUSAL_SERVER_PORT", c.Server.Port)
	c.Server.CORSOrigins = GetEnvSlice("CAUSAL_CORS_ORIGINS", c.Server.CORSOrigins)

	c.Database.Driver = GetEnv("CAUSAL_DB_DRIVER", c.Database.Driver)
	c.Database.Path = GetEnv("CAUSAL_DB_PATH", c.Database.Path)
	c.Database.PostgresURL = GetEnvWithFallback("CAUSAL_POSTGRES_URL", "DATABASE_URL", c.Database.PostgresURL)
	c.Database.MaxConns = GetEnvInt("CAUSAL_DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.Timezone = GetEnv("CAUSAL_DB_TIMEZONE", c.Database.Timezone)

	c.LLM.Timeout = Duration(GetEnvDuration("CAUSAL_LLM_TIMEOUT", c.LLM.Timeout.Std()))
	c.LLM.MaxRetries = GetEnvInt("CAUSAL_LLM_MAX_RETRIES", c.LLM.MaxRetries)
	c.LLM.BackoffMultiplier = GetEnvFloat("CAUSAL_LLM_BACKOFF_MULTIPLIER", c.LLM.BackoffMultiplier)
	c.LLM.BreakerFailures = GetEnvInt("CAUSAL_LLM_BREAKER_FAILURES", c.LLM.BreakerFailures)
	c.LLM.BreakerTimeout = Duration(GetEnvDuration("CAUSAL_LLM_BREAKER_TIMEOUT", c.LLM.BreakerTimeout.Std()))
	c.LLM.MaxIdleConnsPerHost = GetEnvInt("CAUSAL_LLM_MAX_IDLE_CONNS", c.LLM.MaxIdleConnsPerHost)

	c.Chat.ToolConcurrency = GetEnvInt("CAUSAL_TOOL_CONCURRENCY", c.Chat.ToolConcurrency)
	c.Chat.FlushInterval = Duration(GetEnvDuration("CAUSAL_FLUSH_INTERVAL", c.Chat.FlushInterval.Std()))
	c.Chat.MaxRounds = GetEnvInt("CAUSAL_MAX_ROUNDS", c.Chat.MaxRounds)

	c.Tools.DenoPath = GetEnv("CAUSAL_DENO_PATH", c.Tools.DenoPath)
	c.Tools.ScriptTimeout = Duration(GetEnvDuration("CAUSAL_SCRIPT_TIMEOUT", c.Tools.ScriptTimeout.Std()))
	c.Tools.HandshakeTimeout = Duration(GetEnvDuration("CAUSAL_MCP_HANDSHAKE_TIMEOUT", c.Tools.HandshakeTimeout.Std()))
	c.Tools.AllowPrivateMCP = GetEnvBool("CAUSAL_MCP_ALLOW_PRIVATE", c.Tools.AllowPrivateMCP)
	c.Tools.MCPAllowedHosts = GetEnvSlice("CAUSAL_MCP_ALLOWED_HOSTS", c.Tools.MCPAllowedHosts)
	c.Tools.SearchBaseURL = GetEnv("CAUSAL_SEARCH_URL", c.Tools.SearchBaseURL)

	c.Telemetry.ServiceName = GetEnv("CAUSAL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.Environment = GetEnv("CAUSAL_ENVIRONMENT", c.Telemetry.Environment)
	c.Telemetry.OTLPEndpoint = GetEnvWithFallback("CAUSAL_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.Stdout = GetEnvBool("CAUSAL_TRACE_STDOUT", c.Telemetry.Stdout)

	c.Log.Level = GetEnv("CAUSAL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetEnv("CAUSAL_LOG_FORMAT", c.Log.Format)
}

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate collects every problem rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.PostgresURL == "" {
			errs = append(errs, "postgres URL is required for postgres")
		} else if !isValidURL(c.Database.PostgresURL) {
			errs = append(errs, "postgres URL must be a valid URL")
		}
		if c.Database.MaxConns < 1 {
			errs = append(errs, "database max_conns must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("database driver must be %q or %q", DriverSQLite, DriverPostgres))
	}

	if c.LLM.Timeout <= 0 {
		errs = append(errs, "LLM timeout must be positive")
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, "LLM max_retries cannot be negative")
	}
	if c.LLM.BackoffMultiplier < 1 {
		errs = append(errs, "LLM backoff_multiplier must be at least 1")
	}
	if c.LLM.BreakerFailures < 1 {
		errs = append(errs, "LLM breaker_failures must be positive")
	}
	if c.LLM.MaxIdleConnsPerHost < 0 {
		errs = append(errs, "LLM max_idle_conns_per_host cannot be negative")
	}

	if c.Chat.ToolConcurrency < 0 {
		errs = append(errs, "chat tool_concurrency cannot be negative")
	}
	if c.Chat.MaxRounds < 0 {
		errs = append(errs, "chat max_rounds cannot be negative")
	}

	if c.Tools.SearchBaseURL != "" && !isValidURL(c.Tools.SearchBaseURL) {
		errs = append(errs, "search base URL must be a valid URL")
	}
	if c.Telemetry.OTLPEndpoint != "" && !isValidURL(c.Telemetry.OTLPEndpoint) {
		errs = append(errs, "OTLP endpoint must be a valid URL")
	}

	switch c.Log.Format {
	case "pretty", "json":
	default:
		errs = append(errs, "log format must be pretty or json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// configPath returns $CAUSAL_CONFIG, else ~/.config/causal/config.json, else
// ~/.causal/config.json when only that one exists.
func configPath() string {
	if path := os.Getenv("CAUSAL_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	primary := filepath.Join(homeDir, ".config", "causal", "config.json")
	if _, err := os.Stat(primary); err == nil {
		return primary
	}
	alt := filepath.Join(homeDir, ".causal", "config.json")
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return primary
}
