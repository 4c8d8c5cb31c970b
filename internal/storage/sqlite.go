package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options fixes the durability settings applied to every connection.
type Options struct {
	// JournalMode must be a rollback journal: DELETE, TRUNCATE or PERSIST.
	JournalMode string
	// Synchronous must be FULL or EXTRA.
	Synchronous string
	BusyTimeout time.Duration
	// ReadOnly opens the database without write access. Used by the
	// integrity-check tool.
	ReadOnly bool
	Logger   *slog.Logger
}

// DefaultOptions returns DELETE journaling, FULL sync and a 5s busy timeout.
func DefaultOptions() Options {
	return Options{
		JournalMode: "DELETE",
		Synchronous: "FULL",
		BusyTimeout: 5 * time.Second,
	}
}

// Store is the event ledger on SQLite. All writes go through one connection.
type Store struct {
	db     *sql.DB
	path   string
	opts   Options
	logger *slog.Logger

	// busyBackoff is the wait schedule between attempts on SQLITE_BUSY.
	busyBackoff []time.Duration
}

// Open opens (or creates) the database file at path and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(path string, opts Options) (*Store, error) {
	if opts.JournalMode == "" {
		opts.JournalMode = "DELETE"
	}
	if opts.Synchronous == "" {
		opts.Synchronous = "FULL"
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	opts.JournalMode = strings.ToUpper(opts.JournalMode)
	opts.Synchronous = strings.ToUpper(opts.Synchronous)
	if err := checkDurability(opts); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if path != ":memory:" && !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection, so all commits are serialized and pragmas set on it
	// stay in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{
		db:          db,
		path:        path,
		opts:        opts,
		logger:      logger,
		busyBackoff: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
	}

	if path != ":memory:" {
		mode, err := s.JournalMode()
		if err != nil {
			db.Close()
			return nil, err
		}
		if !strings.EqualFold(mode, opts.JournalMode) {
			db.Close()
			return nil, fmt.Errorf("journal mode is %s, want %s", mode, opts.JournalMode)
		}
	}

	if opts.ReadOnly {
		return s, nil
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func checkDurability(opts Options) error {
	switch opts.JournalMode {
	case "DELETE", "TRUNCATE", "PERSIST":
	default:
		return fmt.Errorf("journal mode %q not supported: use DELETE, TRUNCATE or PERSIST", opts.JournalMode)
	}
	switch opts.Synchronous {
	case "FULL", "EXTRA":
	default:
		return fmt.Errorf("synchronous mode %q not supported: use FULL or EXTRA", opts.Synchronous)
	}
	return nil
}

// dsn builds a URI with per-connection pragmas so a reconnect gets the same
// settings as the first connection.
func dsn(path string, opts Options) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode("+opts.JournalMode+")")
	q.Add("_pragma", "synchronous("+opts.Synchronous+")")
	if path == ":memory:" {
		return ":memory:?" + q.Encode()
	}
	if opts.ReadOnly {
		q.Set("mode", "ro")
	} else {
		// Take the write lock at BEGIN so a read-then-write transaction
		// never fails mid-way on lock upgrade.
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Durability returns the configured journal and synchronous modes.
func (s *Store) Durability() (journal, synchronous string) {
	return s.opts.JournalMode, s.opts.Synchronous
}

// JournalMode reports the journal mode SQLite is actually using.
func (s *Store) JournalMode() (string, error) {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", fmt.Errorf("reading journal mode: %w", err)
	}
	return strings.ToUpper(mode), nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
		s.logger.Debug("applied migration", "version", version)
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
