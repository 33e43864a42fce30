// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides dispatch and connection audit persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeFormat is fixed-width so lexical order matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")
	inMemory := path == MemoryPath

	if !inMemory {
		path = expandHome(path)
		// Ensure parent directory exists
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Every pooled connection to :memory: would see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS dispatch_log (
			dispatch_id   TEXT PRIMARY KEY,
			token         TEXT NOT NULL,
			action        TEXT NOT NULL,
			outcome       TEXT NOT NULL,
			connection_id TEXT,
			detail        TEXT,
			created_at    TEXT NOT NULL,

			CHECK (outcome IN ('delivered', 'target_not_connected', 'invalid_command'))
		);

		CREATE INDEX IF NOT EXISTS idx_dispatch_log_token ON dispatch_log(token, created_at);
		CREATE INDEX IF NOT EXISTS idx_dispatch_log_created ON dispatch_log(created_at);

		CREATE TABLE IF NOT EXISTS connection_events (
			event_id      TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			token         TEXT,
			kind          TEXT NOT NULL,
			remote_addr   TEXT,
			created_at    TEXT NOT NULL,

			CHECK (kind IN ('connected', 'bound', 'superseded', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_connection_events_token ON connection_events(token, created_at);
		CREATE INDEX IF NOT EXISTS idx_connection_events_connection ON connection_events(connection_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
