package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Store.Driver)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("expected 5, got %d", cfg.Breaker.FailureThreshold)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[store]
driver = "postgres"
postgres_dsn = "postgres://localhost/stepflow"

[retry]
max_attempts = 5
backoff_ms = 2000
exponential_backoff = false

[breaker]
failure_threshold = 2
reset_timeout_ms = 5000
`), 0o644)

	cfg := Load(path)
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Store.Driver)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected 5, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.ExponentialBackoff {
		t.Error("expected exponential_backoff=false to be honored")
	}
	if cfg.Breaker.ResetTimeout().Seconds() != 5 {
		t.Errorf("expected 5s, got %v", cfg.Breaker.ResetTimeout())
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[store]
driver = "sqlite"
sqlite_path = "from-file.db"
`), 0o644)

	t.Setenv("STEPFLOW_SQLITE_PATH", "from-env.db")

	cfg := Load(path)
	if cfg.Store.SQLitePath != "from-env.db" {
		t.Errorf("expected env override, got %s", cfg.Store.SQLitePath)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected default driver, got %s", cfg.Store.Driver)
	}
}
