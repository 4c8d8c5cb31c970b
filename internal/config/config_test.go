package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets struct {
	value string
	err   error
	set   map[string]string
}

func (m *mockSecrets) Get(service, account string) (string, error) {
	return m.value, m.err
}

func (m *mockSecrets) Set(service, account, value string) error {
	if m.set == nil {
		m.set = map[string]string{}
	}
	m.set[service+"/"+account] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{}`), &mockSecrets{err: errors.New("none")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8765 {
		t.Errorf("Server.Port = %d, want 8765", cfg.Server.Port)
	}
	if cfg.Server.Workers != 1 {
		t.Errorf("Server.Workers = %d, want 1", cfg.Server.Workers)
	}
	if cfg.Server.MaxBatch != 1000 {
		t.Errorf("Server.MaxBatch = %d, want 1000", cfg.Server.MaxBatch)
	}
	if cfg.Storage.JournalMode != "DELETE" || cfg.Storage.Synchronous != "FULL" {
		t.Errorf("durability = %s/%s, want DELETE/FULL", cfg.Storage.JournalMode, cfg.Storage.Synchronous)
	}
	if cfg.Storage.BusyTimeout != 5*time.Second {
		t.Errorf("Storage.BusyTimeout = %v, want 5s", cfg.Storage.BusyTimeout)
	}
	if !strings.HasSuffix(cfg.Storage.Path, filepath.Join("runledger", "ledger.db")) {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
	if cfg.Sync.BatchSize != 500 || !cfg.Sync.RotateStale {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseBackoff != time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Server.AuthToken != "" {
		t.Errorf("AuthToken = %q, want empty", cfg.Server.AuthToken)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

// TestFileParsing verifies that typed values are read from the JSON file.
func TestFileParsing(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "server.port": 9000,
  "server.auth_required": "true",
  "storage.journal_mode": "TRUNCATE",
  "buffer.max_bytes": "4096",
  "buffer.max_age": "15m",
  "sync.rotate_stale": false,
  "log.format": "json"
}`)

	cfg, err := loadWith(b, &mockSecrets{value: "file-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if !cfg.Server.AuthRequired {
		t.Error("Server.AuthRequired = false, want true")
	}
	if cfg.Storage.JournalMode != "TRUNCATE" {
		t.Errorf("Storage.JournalMode = %q", cfg.Storage.JournalMode)
	}
	if cfg.Buffer.MaxBytes != 4096 {
		t.Errorf("Buffer.MaxBytes = %d, want 4096", cfg.Buffer.MaxBytes)
	}
	if cfg.Buffer.MaxAge != 15*time.Minute {
		t.Errorf("Buffer.MaxAge = %v, want 15m", cfg.Buffer.MaxAge)
	}
	if cfg.Sync.RotateStale {
		t.Error("Sync.RotateStale = true, want false")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
	if cfg.Server.AuthToken != "file-token" {
		t.Errorf("AuthToken = %q, want from secrets file", cfg.Server.AuthToken)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 9000, "sync.interval": "1m"}`)

	t.Setenv("RUNLEDGER_SERVER_PORT", "9100")
	t.Setenv("RUNLEDGER_SYNC_INTERVAL", "5s")
	t.Setenv("RUNLEDGER_AUTH_TOKEN", "env-token")
	t.Setenv("RUNLEDGER_BUFFER_FSYNC", "true")

	cfg, err := loadWith(b, &mockSecrets{value: "file-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Sync.Interval != 5*time.Second {
		t.Errorf("Sync.Interval = %v, want 5s", cfg.Sync.Interval)
	}
	if cfg.Server.AuthToken != "env-token" {
		t.Errorf("AuthToken = %q, want env-token", cfg.Server.AuthToken)
	}
	if !cfg.Buffer.Fsync {
		t.Error("Buffer.Fsync = false, want true")
	}
}

// TestEnvOverride_BadValueKeepsDefault verifies unparsable overrides are ignored.
func TestEnvOverride_BadValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUNLEDGER_SERVER_PORT", "not-a-port")
	t.Setenv("RUNLEDGER_CLIENT_TIMEOUT", "soon")

	cfg, err := loadWith(writeTempConfig(t, `{}`), &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
	if cfg.Client.Timeout != 10*time.Second {
		t.Errorf("Client.Timeout = %v, want default", cfg.Client.Timeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers", func(c *Config) { c.Server.Workers = 4 }, "server.workers must be 1"},
		{"wal", func(c *Config) { c.Storage.JournalMode = "WAL" }, "not a rollback journal mode"},
		{"memory journal", func(c *Config) { c.Storage.JournalMode = "MEMORY" }, "not a rollback journal mode"},
		{"synchronous normal", func(c *Config) { c.Storage.Synchronous = "NORMAL" }, "must be FULL or EXTRA"},
		{"auth without token", func(c *Config) { c.Server.AuthRequired = true }, "no auth token"},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, "sync.batch_size must be positive"},
		{"batch over server limit", func(c *Config) { c.Sync.BatchSize = 2000 }, "exceeds server.max_batch"},
		{"zero threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"negative max bytes", func(c *Config) { c.Buffer.MaxBytes = -1 }, "buffer.max_bytes"},
		{"backoff order", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }, "retry.max_backoff"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"service url without scheme", func(c *Config) { c.Client.ServiceURL = "127.0.0.1:8765" }, "client.service_url"},
		{"service url ftp", func(c *Config) { c.Client.ServiceURL = "ftp://ledger.internal" }, "client.service_url"},
		{"service url without host", func(c *Config) { c.Client.ServiceURL = "http://" }, "has no host"},
		{"attempts over breaker threshold", func(c *Config) { c.Retry.MaxAttempts = 6 }, "exceeds breaker.failure_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}

	cfg := defaults()
	cfg.Server.AuthRequired = true
	cfg.Server.AuthToken = "t"
	cfg.Storage.JournalMode = "persist"
	cfg.Storage.Synchronous = "extra"
	cfg.Client.ServiceURL = "https://ledger.internal:8443/"
	cfg.Retry.MaxAttempts = cfg.Breaker.FailureThreshold
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestServiceURL(t *testing.T) {
	cfg := defaults()
	if got := cfg.ServiceURL(); got != "http://127.0.0.1:8765" {
		t.Errorf("ServiceURL() = %q", got)
	}
	cfg.Server.Host = "0.0.0.0"
	if got := cfg.ServiceURL(); got != "http://127.0.0.1:8765" {
		t.Errorf("ServiceURL() for wildcard host = %q", got)
	}
	cfg.Client.ServiceURL = "https://ledger.internal/"
	if got := cfg.ServiceURL(); got != "https://ledger.internal" {
		t.Errorf("ServiceURL() override = %q", got)
	}
	if got := cfg.Addr(); got != "0.0.0.0:8765" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)
	secrets := &mockSecrets{}

	if err := setKeyWith(b, secrets, "server.port", "9001"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := setKeyWith(b, secrets, "buffer.max_age", "90s"); err != nil {
		t.Fatalf("set duration: %v", err)
	}
	if err := setKeyWith(b, secrets, "buffer.fsync", "yes"); err == nil {
		t.Error("invalid bool accepted")
	}
	if err := setKeyWith(b, secrets, "sync.interval", "often"); err == nil {
		t.Error("invalid duration accepted")
	}
	if err := setKeyWith(b, secrets, "nope", "1"); err == nil {
		t.Error("unknown key accepted")
	}
	if err := setKeyWith(b, secrets, "server.auth_token", "s3cret"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if secrets.set["runledger/auth_token"] != "s3cret" {
		t.Errorf("secret not written to secrets store: %v", secrets.set)
	}

	// Values survive a reload of the file.
	clearEnv(t)
	cfg, err := loadWith(newFileBackend(b.path), &mockSecrets{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9001 || cfg.Buffer.MaxAge != 90*time.Second {
		t.Errorf("reloaded port=%d max_age=%v", cfg.Server.Port, cfg.Buffer.MaxAge)
	}
}

func TestFileBackend(t *testing.T) {
	b := writeTempConfig(t, `{}`)
	if err := b.SetInt("server.port", 9100); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if v, ok, err := b.GetInt("server.port"); err != nil || !ok || v != 9100 {
		t.Errorf("GetInt after SetInt = %d, %v, %v; want 9100", v, ok, err)
	}
	if v, ok, err := newFileBackend(b.path).GetInt("server.port"); err != nil || !ok || v != 9100 {
		t.Errorf("GetInt after reload = %d, %v, %v; want 9100", v, ok, err)
	}

	entries, err := os.ReadDir(filepath.Dir(b.path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("config dir has %d entries after save, want only config.json", len(entries))
	}

	corrupt := writeTempConfig(t, `{"server.port":`)
	if _, ok, _ := corrupt.GetInt("server.port"); ok {
		t.Error("unparseable file produced a value")
	}
}

func TestSecretsFile(t *testing.T) {
	s := secretsFile{path: filepath.Join(t.TempDir(), "runledger", "secrets.json")}
	if _, err := s.Get(secretService, secretAuthToken); err == nil {
		t.Error("missing file returned no error")
	}
	if err := s.Set(secretService, secretAuthToken, "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(secretService, secretAuthToken)
	if err != nil || got != "tok" {
		t.Errorf("Get = %q, %v", got, err)
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.AuthToken = "hunter2"
	for _, ki := range ShowAll(cfg) {
		if strings.Contains(ki.Value, "hunter2") {
			t.Errorf("%s leaks secret value", ki.Key)
		}
		if ki.Key == "server.auth_token" && ki.Value != "(set)" {
			t.Errorf("auth token shown as %q, want (set)", ki.Value)
		}
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys() = %d keys, want %d", len(ValidKeys()), len(specs))
	}
}
