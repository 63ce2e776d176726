// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Collaborator CollaboratorConfig `mapstructure:"collaborator"`
	Controller   ControllerConfig   `mapstructure:"controller"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Cache        CacheConfig        `mapstructure:"cache"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CollaboratorConfig points at the scraping service.
type CollaboratorConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	Transport             string `mapstructure:"transport"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	APIKey                string `mapstructure:"api_key"`
	ProgressScale         string `mapstructure:"progress_scale"`
}

// ControllerConfig tunes per-job sessions.
type ControllerConfig struct {
	AttachTimeoutSeconds   int `mapstructure:"attach_timeout_seconds"`
	CancelTimeoutSeconds   int `mapstructure:"cancel_timeout_seconds"`
	MaxReconnects          int `mapstructure:"max_reconnects"`
	BackoffInitialMs       int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int `mapstructure:"backoff_max_ms"`
	DropLogIntervalSeconds int `mapstructure:"drop_log_interval_seconds"`
}

// ProgressConfig sizes the event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// StorageConfig selects the run-history backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
}

// CacheConfig enables the Redis status mirror when RedisAddr is set.
type CacheConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	TTLSeconds    int    `mapstructure:"ttl_seconds"`
}

// PubSubConfig enables terminal notifications when ProjectID is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where terminal job records are archived.
type ArchiveConfig struct {
	Driver    string `mapstructure:"driver"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// LoadDotEnv preloads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is ignored unless required.
func LoadDotEnv(path string, required bool) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !required {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("collaborator.base_url", "http://127.0.0.1:8000/api")
	v.SetDefault("collaborator.transport", "sse")
	v.SetDefault("collaborator.request_timeout_seconds", 15)
	v.SetDefault("collaborator.api_key", "")
	v.SetDefault("collaborator.progress_scale", "auto")
	v.SetDefault("controller.attach_timeout_seconds", 10)
	v.SetDefault("controller.cancel_timeout_seconds", 15)
	v.SetDefault("controller.max_reconnects", 3)
	v.SetDefault("controller.backoff_initial_ms", 250)
	v.SetDefault("controller.backoff_max_ms", 5000)
	v.SetDefault("controller.drop_log_interval_seconds", 30)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.table", "scrape_runs")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "scrape-finished")
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "scrape-runs")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := validateBaseURL(c.Collaborator.BaseURL); err != nil {
		return err
	}
	switch c.Collaborator.Transport {
	case "sse", "websocket":
	default:
		return fmt.Errorf("collaborator.transport must be sse or websocket, got %q", c.Collaborator.Transport)
	}
	if c.Collaborator.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("collaborator.request_timeout_seconds must be > 0")
	}
	switch c.Collaborator.ProgressScale {
	case "", "auto", "fraction", "percent":
	default:
		return fmt.Errorf("collaborator.progress_scale must be auto, fraction or percent")
	}
	if c.Controller.AttachTimeoutSeconds <= 0 {
		return fmt.Errorf("controller.attach_timeout_seconds must be > 0")
	}
	if c.Controller.CancelTimeoutSeconds <= 0 {
		return fmt.Errorf("controller.cancel_timeout_seconds must be > 0")
	}
	if c.Controller.MaxReconnects < 0 {
		return fmt.Errorf("controller.max_reconnects must be >= 0")
	}
	if c.Controller.BackoffInitialMs <= 0 || c.Controller.BackoffMaxMs < c.Controller.BackoffInitialMs {
		return fmt.Errorf("controller backoff must satisfy 0 < backoff_initial_ms <= backoff_max_ms")
	}
	if c.Progress.BufferSize <= 0 || c.Progress.MaxBatchEvents <= 0 || c.Progress.MaxBatchWaitMs <= 0 {
		return fmt.Errorf("progress buffer and batch settings must be > 0")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Cache.RedisAddr != "" && c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name is required when pubsub.project_id is set")
	}
	switch c.Archive.Driver {
	case "none":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local driver")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("archive.driver must be none, local or gcs, got %q", c.Archive.Driver)
	}
	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("collaborator.base_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("collaborator.base_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("collaborator.base_url must be an absolute http(s) URL")
	}
	return nil
}

// RequestTimeout is the per-request deadline for the HTTP API.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// CollaboratorTimeout bounds each submit request.
func (c Config) CollaboratorTimeout() time.Duration {
	return time.Duration(c.Collaborator.RequestTimeoutSeconds) * time.Second
}

// AttachTimeout bounds how long a submission waits for the stream.
func (c Config) AttachTimeout() time.Duration {
	return time.Duration(c.Controller.AttachTimeoutSeconds) * time.Second
}

// CancelTimeout bounds each cancellation round trip.
func (c Config) CancelTimeout() time.Duration {
	return time.Duration(c.Controller.CancelTimeoutSeconds) * time.Second
}

// BackoffInitial is the first reconnect delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Controller.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps reconnect delays.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Controller.BackoffMaxMs) * time.Millisecond
}

// DropLogInterval spaces malformed-message warnings per job.
func (c Config) DropLogInterval() time.Duration {
	return time.Duration(c.Controller.DropLogIntervalSeconds) * time.Second
}

// BatchWait is the hub's maximum batch age.
func (c Config) BatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}

// CacheTTL is the Redis key lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
