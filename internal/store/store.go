// Package store is the transactional commit layer. Every statement that
// touches persistent state goes through Commit, which runs an ordered
// list of instructions in one transaction and returns either the
// combined reads and write count or a single error.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/chorus/internal/metrics"
)

// Supported drivers.
const (
	DriverSQLite3  = "sqlite3"  // mattn/go-sqlite3, cgo
	DriverSQLite   = "sqlite"   // modernc.org/sqlite, pure Go
	DriverPostgres = "postgres" // lib/pq
)

// Config selects the database. Path is a file path for the SQLite
// drivers and a connection string for postgres.
type Config struct {
	Driver string
	Path   string
}

// ConfigurationError reports storage settings that cannot work.
type ConfigurationError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("storage config %s=%q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics records commit outcomes and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store executes instructions against one database handle. It is safe
// for concurrent use.
type Store struct {
	db      *sql.DB
	driver  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Open connects to the configured database and creates the schema.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite3
	}
	switch cfg.Driver {
	case DriverSQLite3, DriverSQLite, DriverPostgres:
	default:
		return nil, &ConfigurationError{Field: "storage.driver", Value: cfg.Driver, Err: errors.New("unsupported driver")}
	}
	if cfg.Path == "" {
		return nil, &ConfigurationError{Field: "storage.path", Value: cfg.Path, Err: errors.New("path is required")}
	}

	sqlite := cfg.Driver != DriverPostgres
	if sqlite && cfg.Path != ":memory:" && !strings.HasPrefix(cfg.Path, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, &ConfigurationError{Field: "storage.path", Value: cfg.Path, Err: err}
		}
	}

	db, err := sql.Open(cfg.Driver, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if sqlite {
		// SQLite allows one writer; a single connection also keeps
		// :memory: databases from splitting per connection.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ConfigurationError{Field: "storage.path", Value: cfg.Path, Err: err}
	}

	s := NewWithDB(db, cfg.Driver, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		if sqlite {
			return nil, &ConfigurationError{Field: "storage.path", Value: cfg.Path, Err: err}
		}
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.logger.Info("storage opened", "driver", cfg.Driver)
	return s, nil
}

// NewWithDB wraps an existing handle without migrating it.
func NewWithDB(db *sql.DB, driver string, opts ...Option) *Store {
	s := &Store{db: db, driver: driver}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "store")
	return s
}

// Driver returns the database driver name.
func (s *Store) Driver() string { return s.driver }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the events, settings and usage_records tables if
// they are missing.
// The DDL is shared by SQLite and Postgres.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id      TEXT PRIMARY KEY,
			type    TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			ts      TEXT NOT NULL,
			details TEXT NOT NULL,
			scores  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_channel_ts ON events (channel, ts)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id            TEXT PRIMARY KEY,
			ts            TEXT NOT NULL,
			model         TEXT NOT NULL,
			provider      TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records (ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
