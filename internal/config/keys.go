package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "RUNLEDGER_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "RUNLEDGER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.workers", typ: kInt, env: "RUNLEDGER_SERVER_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Server.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Workers },
	},
	{
		key: "server.auth_required", typ: kBool, env: "RUNLEDGER_SERVER_AUTH_REQUIRED",
		apply:   func(cfg *Config, v any) { cfg.Server.AuthRequired = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.AuthRequired },
	},
	{
		key: "server.auth_token", typ: kString, env: "RUNLEDGER_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "server.rate_limit", typ: kInt, env: "RUNLEDGER_SERVER_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Server.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.RateLimit },
	},
	{
		key: "server.max_batch", typ: kInt, env: "RUNLEDGER_SERVER_MAX_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxBatch },
	},
	{
		key: "storage.path", typ: kString, env: "RUNLEDGER_STORAGE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Storage.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Path },
	},
	{
		key: "storage.journal_mode", typ: kString, env: "RUNLEDGER_STORAGE_JOURNAL_MODE",
		apply:   func(cfg *Config, v any) { cfg.Storage.JournalMode = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.JournalMode },
	},
	{
		key: "storage.synchronous", typ: kString, env: "RUNLEDGER_STORAGE_SYNCHRONOUS",
		apply:   func(cfg *Config, v any) { cfg.Storage.Synchronous = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Synchronous },
	},
	{
		key: "storage.busy_timeout", typ: kDuration, env: "RUNLEDGER_STORAGE_BUSY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Storage.BusyTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.BusyTimeout },
	},
	{
		key: "storage.lock_file", typ: kString, env: "RUNLEDGER_STORAGE_LOCK_FILE",
		apply:   func(cfg *Config, v any) { cfg.Storage.LockFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.LockFile },
	},
	{
		key: "buffer.dir", typ: kString, env: "RUNLEDGER_BUFFER_DIR",
		apply:   func(cfg *Config, v any) { cfg.Buffer.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Buffer.Dir },
	},
	{
		key: "buffer.max_bytes", typ: kInt, env: "RUNLEDGER_BUFFER_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Buffer.MaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Buffer.MaxBytes },
	},
	{
		key: "buffer.max_age", typ: kDuration, env: "RUNLEDGER_BUFFER_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Buffer.MaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Buffer.MaxAge },
	},
	{
		key: "buffer.fsync", typ: kBool, env: "RUNLEDGER_BUFFER_FSYNC",
		apply:   func(cfg *Config, v any) { cfg.Buffer.Fsync = v.(bool) },
		extract: func(cfg Config) any { return cfg.Buffer.Fsync },
	},
	{
		key: "buffer.synced_retention", typ: kDuration, env: "RUNLEDGER_BUFFER_SYNCED_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Buffer.SyncedRetention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Buffer.SyncedRetention },
	},
	{
		key: "sync.interval", typ: kDuration, env: "RUNLEDGER_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.batch_size", typ: kInt, env: "RUNLEDGER_SYNC_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.BatchSize },
	},
	{
		key: "sync.rotate_stale", typ: kBool, env: "RUNLEDGER_SYNC_ROTATE_STALE",
		apply:   func(cfg *Config, v any) { cfg.Sync.RotateStale = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.RotateStale },
	},
	{
		key: "client.service_url", typ: kString, env: "RUNLEDGER_CLIENT_SERVICE_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.ServiceURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.ServiceURL },
	},
	{
		key: "client.timeout", typ: kDuration, env: "RUNLEDGER_CLIENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Client.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Client.Timeout },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "RUNLEDGER_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.base_backoff", typ: kDuration, env: "RUNLEDGER_RETRY_BASE_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.BaseBackoff },
	},
	{
		key: "retry.max_backoff", typ: kDuration, env: "RUNLEDGER_RETRY_MAX_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.MaxBackoff },
	},
	{
		key: "breaker.failure_threshold", typ: kInt, env: "RUNLEDGER_BREAKER_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Breaker.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.FailureThreshold },
	},
	{
		key: "breaker.open_timeout", typ: kDuration, env: "RUNLEDGER_BREAKER_OPEN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Breaker.OpenTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Breaker.OpenTimeout },
	},
	{
		key: "log.level", typ: kString, env: "RUNLEDGER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "RUNLEDGER_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func findSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
