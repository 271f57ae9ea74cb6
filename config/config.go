// Package config decodes deployment configuration for the engine's
// out-of-scope CLI entry point: which store backend to open, the
// engine's default retry and breaker policy, and where to ship OTLP
// telemetry. None of this is required by the library API itself --
// stepflow.Open and stepflow.NewRegistry take their settings as Go
// values -- but a real process needs something to decode its TOML file
// into, and this is that something.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level decoded document.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Retry    RetryConfig    `toml:"retry"`
	Breaker  BreakerConfig  `toml:"breaker"`
	Observer ObserverConfig `toml:"observer"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// SQLitePath is the database file path when Driver is "sqlite".
	SQLitePath string `toml:"sqlite_path"`
	// PostgresDSN is the connection string when Driver is "postgres".
	PostgresDSN string `toml:"postgres_dsn"`
}

// RetryConfig mirrors stepflow.RetryPolicy in TOML-friendly form so a
// deployment can set workflow-level retry defaults without recompiling.
type RetryConfig struct {
	MaxAttempts        int   `toml:"max_attempts"`
	BackoffMs          int64 `toml:"backoff_ms"`
	ExponentialBackoff bool  `toml:"exponential_backoff"`
}

// BreakerConfig holds breaker threshold settings. They are decoded but
// not applied: stepflowd does not pass them to the engine, and a
// stepflow.BreakerConfig with zero thresholds falls back to the engine's
// built-in defaults (5 failures, 30s reset timeout, 1 success).
type BreakerConfig struct {
	FailureThreshold int   `toml:"failure_threshold"`
	ResetTimeoutMs   int64 `toml:"reset_timeout_ms"`
	SuccessThreshold int   `toml:"success_threshold"`
}

// ResetTimeout returns the configured reset timeout as a time.Duration.
func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMs) * time.Millisecond
}

// ObserverConfig controls whether OTLP exporters are wired up and where
// they ship to; see the observability package.
type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with sensible defaults for local development:
// a SQLite file in the working directory, the engine's built-in retry
// defaults, and observability disabled.
func Default() Config {
	return Config{
		Store: StoreConfig{Driver: "sqlite", SQLitePath: "stepflow.db"},
		Retry: RetryConfig{MaxAttempts: 3, BackoffMs: 1000, ExponentialBackoff: true},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutMs:   30_000,
			SuccessThreshold: 1,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). path
// defaults to "stepflow.toml" when empty; a missing file is not an
// error, the defaults stand.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "stepflow.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("STEPFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STEPFLOW_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("STEPFLOW_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("STEPFLOW_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Enabled = true
		cfg.Observer.Endpoint = v
	}

	return cfg
}
