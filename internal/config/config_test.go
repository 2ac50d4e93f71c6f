package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := writeConfig(t, `
database:
  driver: sqlite
  dsn: "file:test.db"
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HttpListenAddr != ":8080" {
		t.Errorf("HttpListenAddr = %q", cfg.HttpListenAddr)
	}
	if cfg.Aggregation.PassSize != 1000 {
		t.Errorf("PassSize = %d, want 1000", cfg.Aggregation.PassSize)
	}
	if cfg.Aggregation.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want 5m", cfg.Aggregation.Interval)
	}
	if cfg.Aggregation.PassDelay != 500*time.Millisecond {
		t.Errorf("PassDelay = %v, want 500ms", cfg.Aggregation.PassDelay)
	}
	if cfg.Locking.TTL != 30*time.Second || cfg.Locking.PollInterval != 100*time.Millisecond {
		t.Errorf("Locking = %+v", cfg.Locking)
	}
	if cfg.Expiration.Schedule != "@every 30m" {
		t.Errorf("Expiration.Schedule = %q", cfg.Expiration.Schedule)
	}
	if !cfg.Database.InstallSchema {
		t.Error("InstallSchema should default to true")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
http_listen_addr: ":9090"
database:
  driver: postgres
  dsn: "postgres://localhost/repeater"
  table_prefix: "hf_"
aggregation:
  interval: 1m
  pass_size: 250
  pass_delay: 0s
expiration:
  schedule: "0 * * * *"
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HttpListenAddr != ":9090" || cfg.Database.Driver != "postgres" || cfg.Database.TablePrefix != "hf_" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Aggregation.Interval != time.Minute || cfg.Aggregation.PassSize != 250 || cfg.Aggregation.PassDelay != 0 {
		t.Errorf("Aggregation = %+v", cfg.Aggregation)
	}
	if cfg.Expiration.Schedule != "0 * * * *" {
		t.Errorf("Expiration.Schedule = %q", cfg.Expiration.Schedule)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := writeConfig(t, `
database:
  driver: sqlite
  dsn: "file:test.db"
`)
	t.Setenv("REPEATER_DATABASE_DSN", "file:env.db")
	t.Setenv("REPEATER_AGGREGATION_PASS_SIZE", "42")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.DSN != "file:env.db" {
		t.Errorf("DSN = %q, want the environment value", cfg.Database.DSN)
	}
	if cfg.Aggregation.PassSize != 42 {
		t.Errorf("PassSize = %d, want 42", cfg.Aggregation.PassSize)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing dsn", "database:\n  driver: sqlite\n"},
		{"unknown driver", "database:\n  driver: oracle\n  dsn: x\n"},
		{"bad cron", "database:\n  driver: sqlite\n  dsn: x\nexpiration:\n  schedule: sometimes\n"},
		{"zero pass size", "database:\n  driver: sqlite\n  dsn: x\naggregation:\n  pass_size: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load accepted an invalid configuration")
			}
		})
	}
}

func TestLoad_NoFileUsesEnvironment(t *testing.T) {
	t.Setenv("REPEATER_DATABASE_DRIVER", "sqlite")
	t.Setenv("REPEATER_DATABASE_DSN", "file:env.db")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "file:env.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
}
