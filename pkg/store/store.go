// Package store is the SQLite persistence layer for the foreman broker. All
// coordination state lives here; the single-row conditional update in
// ClaimTask is the only mutual-exclusion primitive in the system.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"foreman/pkg/protocol"
)

// timeLayout is the storage format for all timestamps. RFC 3339 in UTC keeps
// lexicographic string comparison consistent with chronological order.
const timeLayout = time.RFC3339

// Store wraps the broker SQLite database.
type Store struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// Open opens (creating if necessary) the broker database at path with
// production-safe defaults: WAL journal mode and a 5-second busy timeout.
// The pragmas ride in the DSN so every pooled connection gets them; a
// per-connection PRAGMA statement would configure only one and leave the
// rest returning SQLITE_BUSY under write contention.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	return NewWithDB(db), nil
}

// OpenReadOnly opens the broker database read-only, so observers (dashboard,
// status command) never block the broker.
func OpenReadOnly(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite read-only %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing database handle. Used by tests with in-memory
// databases.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// Init applies the schema. Safe to call on every startup.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the database connection. Safe to call multiple times.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for the event log writer, which shares
// the same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetNowFunc overrides the store clock. Tests only.
func (s *Store) SetNowFunc(f func() time.Time) {
	s.nowFunc = f
}

// now returns the current time in UTC.
func (s *Store) now() time.Time {
	return s.nowFunc().UTC()
}

// formatTime renders a timestamp in the storage layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp. Empty strings parse to the zero time.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Rows written by SQLite's own datetime('now') default.
		t, err = time.Parse("2006-01-02 15:04:05", v)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
		}
	}
	return t.UTC(), nil
}

// nullString maps "" to NULL so partial indexes and IS NULL checks behave.
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// marshalJSON encodes v for a nullable JSON column; nil pointers become NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal column: %w", err)
	}
	return string(data), nil
}
