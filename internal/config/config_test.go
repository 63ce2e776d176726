package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
collaborator:
  base_url: https://scraper.internal/api
  transport: websocket
  request_timeout_seconds: 5
  api_key: upstream
  progress_scale: percent
controller:
  attach_timeout_seconds: 3
  cancel_timeout_seconds: 7
  max_reconnects: 0
  backoff_initial_ms: 100
  backoff_max_ms: 400
storage:
  driver: sqlite
  sqlite_path: /var/lib/scrapewatch/runs.db
cache:
  redis_addr: localhost:6379
  ttl_seconds: 60
archive:
  driver: gcs
  gcs_bucket: runs-bucket
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Collaborator.Transport != "websocket" || cfg.Collaborator.ProgressScale != "percent" {
		t.Fatalf("expected collaborator overrides to apply: %+v", cfg.Collaborator)
	}
	if cfg.Controller.MaxReconnects != 0 {
		t.Fatalf("expected reconnects disabled, got %d", cfg.Controller.MaxReconnects)
	}
	if got := cfg.CancelTimeout(); got != 7*time.Second {
		t.Fatalf("expected cancel timeout 7s, got %v", got)
	}
	if got := cfg.BackoffMax(); got != 400*time.Millisecond {
		t.Fatalf("expected backoff max 400ms, got %v", got)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Archive.GCSBucket != "runs-bucket" {
		t.Fatalf("expected storage and archive overrides: %+v %+v", cfg.Storage, cfg.Archive)
	}
	if got := cfg.CacheTTL(); got != time.Minute {
		t.Fatalf("expected cache ttl 1m, got %v", got)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Collaborator.BaseURL != "http://127.0.0.1:8000/api" || cfg.Collaborator.Transport != "sse" {
		t.Fatalf("unexpected collaborator defaults: %+v", cfg.Collaborator)
	}
	if cfg.Controller.MaxReconnects != 3 || cfg.BackoffInitial() != 250*time.Millisecond {
		t.Fatalf("unexpected controller defaults: %+v", cfg.Controller)
	}
	if cfg.Storage.Driver != "memory" || cfg.Archive.Driver != "none" {
		t.Fatalf("unexpected backend defaults")
	}
	if cfg.CacheTTL() != 300*time.Second {
		t.Fatalf("expected default cache ttl of 300s, got %v", cfg.CacheTTL())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCRAPEWATCH_COLLABORATOR_TRANSPORT", "websocket")
	t.Setenv("SCRAPEWATCH_CONTROLLER_MAX_RECONNECTS", "5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Collaborator.Transport != "websocket" || cfg.Controller.MaxReconnects != 5 {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Collaborator, cfg.Controller)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SCRAPEWATCH_SERVER_PORT=7070\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("SCRAPEWATCH_SERVER_PORT") })

	if err := LoadDotEnv(path, true); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected port from env file, got %d", cfg.Server.Port)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), false); err != nil {
		t.Fatalf("optional env file should be ignored: %v", err)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), true); err == nil {
		t.Fatal("expected error for required env file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"missing base url", func(c *Config) { c.Collaborator.BaseURL = "" }, "collaborator.base_url"},
		{"relative base url", func(c *Config) { c.Collaborator.BaseURL = "/api" }, "absolute"},
		{"unknown transport", func(c *Config) { c.Collaborator.Transport = "grpc" }, "collaborator.transport"},
		{"unknown scale", func(c *Config) { c.Collaborator.ProgressScale = "ratio" }, "progress_scale"},
		{"negative reconnects", func(c *Config) { c.Controller.MaxReconnects = -1 }, "max_reconnects"},
		{"inverted backoff", func(c *Config) { c.Controller.BackoffMaxMs = 10 }, "backoff"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "sqlite_path"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "postgres_dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"local archive without dir", func(c *Config) { c.Archive.Driver = "local" }, "archive.base_dir"},
		{"gcs archive without bucket", func(c *Config) { c.Archive.Driver = "gcs" }, "archive.gcs_bucket"},
		{"pubsub without topic", func(c *Config) {
			c.PubSub.ProjectID = "p"
			c.PubSub.TopicName = ""
		}, "pubsub.topic_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
