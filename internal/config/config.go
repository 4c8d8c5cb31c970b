package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Buffer  BufferConfig
	Sync    SyncConfig
	Client  ClientConfig
	Retry   RetryConfig
	Breaker BreakerConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	Workers      int
	AuthRequired bool
	AuthToken    string
	RateLimit    int // requests per minute per IP; 0 disables
	MaxBatch     int
}

type StorageConfig struct {
	Path        string
	JournalMode string
	Synchronous string
	BusyTimeout time.Duration
	LockFile    string
}

type BufferConfig struct {
	Dir             string
	MaxBytes        int
	MaxAge          time.Duration
	Fsync           bool
	SyncedRetention time.Duration
}

type SyncConfig struct {
	Interval    time.Duration
	BatchSize   int
	RotateStale bool
}

type ClientConfig struct {
	// ServiceURL defaults to the local server address when empty.
	ServiceURL string
	Timeout    time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8765,
			Workers:  1,
			MaxBatch: 1000,
		},
		Storage: StorageConfig{
			Path:        filepath.Join(dataDir, "ledger.db"),
			JournalMode: "DELETE",
			Synchronous: "FULL",
			BusyTimeout: 5 * time.Second,
			LockFile:    filepath.Join(dataDir, "runledger.lock"),
		},
		Buffer: BufferConfig{
			Dir:             filepath.Join(dataDir, "buffer"),
			MaxBytes:        10 << 20,
			MaxAge:          time.Hour,
			SyncedRetention: 7 * 24 * time.Hour,
		},
		Sync: SyncConfig{
			Interval:    30 * time.Second,
			BatchSize:   500,
			RotateStale: true,
		},
		Client: ClientConfig{
			Timeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: time.Second,
			MaxBackoff:  30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/runledger/config.json, then applies RUNLEDGER_*
// environment overrides. When RUNLEDGER_AUTH_TOKEN is unset the auth token
// is read from $XDG_DATA_HOME/runledger/secrets.json.
//
// Load does not validate; callers that start the service call Validate.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.AuthToken == "" {
		if tok, err := secrets.Get(secretService, secretAuthToken); err == nil && tok != "" {
			cfg.Server.AuthToken = tok
		}
	}

	return cfg, nil
}

// Validate rejects configurations the service must not start with.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Workers != 1 {
		add("server.workers must be 1 (single writer), got %d", c.Server.Workers)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Server.AuthRequired && c.Server.AuthToken == "" {
		add("server.auth_required is set but no auth token is configured (set RUNLEDGER_AUTH_TOKEN)")
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit must not be negative")
	}
	if c.Server.MaxBatch <= 0 {
		add("server.max_batch must be positive")
	}

	switch strings.ToUpper(c.Storage.JournalMode) {
	case "DELETE", "TRUNCATE", "PERSIST":
	default:
		add("storage.journal_mode %q is not a rollback journal mode (DELETE, TRUNCATE or PERSIST)", c.Storage.JournalMode)
	}
	switch strings.ToUpper(c.Storage.Synchronous) {
	case "FULL", "EXTRA":
	default:
		add("storage.synchronous %q must be FULL or EXTRA", c.Storage.Synchronous)
	}
	if c.Storage.Path == "" {
		add("storage.path is required")
	}
	if c.Storage.LockFile == "" {
		add("storage.lock_file is required")
	}
	if c.Storage.BusyTimeout <= 0 {
		add("storage.busy_timeout must be positive")
	}

	if c.Buffer.Dir == "" {
		add("buffer.dir is required")
	}
	if c.Buffer.MaxBytes <= 0 {
		add("buffer.max_bytes must be positive")
	}
	if c.Buffer.MaxAge <= 0 {
		add("buffer.max_age must be positive")
	}
	if c.Buffer.SyncedRetention <= 0 {
		add("buffer.synced_retention must be positive")
	}
	if c.Sync.Interval <= 0 {
		add("sync.interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		add("sync.batch_size must be positive")
	}
	if c.Sync.BatchSize > c.Server.MaxBatch && c.Server.MaxBatch > 0 {
		add("sync.batch_size %d exceeds server.max_batch %d", c.Sync.BatchSize, c.Server.MaxBatch)
	}

	if c.Client.ServiceURL != "" {
		if err := checkServiceURL(c.Client.ServiceURL); err != nil {
			add("client.service_url: %v", err)
		}
	}
	if c.Client.Timeout <= 0 {
		add("client.timeout must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseBackoff <= 0 {
		add("retry.base_backoff must be positive")
	}
	if c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		add("retry.max_backoff must not be below retry.base_backoff")
	}
	if c.Breaker.FailureThreshold <= 0 {
		add("breaker.failure_threshold must be positive")
	}
	if c.Breaker.OpenTimeout <= 0 {
		add("breaker.open_timeout must be positive")
	}
	// A breaker that trips inside one call cuts its retries short.
	if c.Breaker.FailureThreshold > 0 && c.Retry.MaxAttempts > c.Breaker.FailureThreshold {
		add("retry.max_attempts %d exceeds breaker.failure_threshold %d", c.Retry.MaxAttempts, c.Breaker.FailureThreshold)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format %q must be text or json", c.Log.Format)
	}

	return errors.Join(errs...)
}

func checkServiceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must start with http:// or https://", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// Addr is the listen address of the ingestion service.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ServiceURL is the base URL clients use to reach the service.
func (c Config) ServiceURL() string {
	if c.Client.ServiceURL != "" {
		return strings.TrimRight(c.Client.ServiceURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

// SlogLevel returns the configured log level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	lvl, err := parseLevel(l.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
	return lvl, nil
}
