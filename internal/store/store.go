// Package store provides SQLite-backed persistence for Warden.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides access to the Warden SQLite database: the audit log, the
// approval queue and the approved-event outbox.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations. Timestamps are stored as Unix
// nanoseconds so range filters compare numerically.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		intent_id TEXT NOT NULL,
		intent_type TEXT NOT NULL,
		intent_hash TEXT,
		outcome TEXT NOT NULL,
		session_id TEXT,
		user_id TEXT,
		entry TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_approvals (
		intent_id TEXT PRIMARY KEY,
		session_id TEXT,
		user_id TEXT,
		intent TEXT NOT NULL,
		validation TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approval_outbox (
		event_id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		delivered_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entries_ts ON audit_entries(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_outcome ON audit_entries(outcome);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_session ON audit_entries(session_id);
	CREATE INDEX IF NOT EXISTS idx_approval_outbox_pending ON approval_outbox(delivered_at, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
