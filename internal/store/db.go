// Package store provides the relational license store.
//
// Write concurrency model: a single write connection with immediate
// transactions serializes all per-license mutations, so a rebind-count check
// and its log append always observe a consistent ledger. WAL mode keeps
// concurrent readers unblocked during writes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	license_key   TEXT NOT NULL UNIQUE,
	system_type   TEXT NOT NULL,
	member_level  TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'unused',
	valid_days    INTEGER NOT NULL,
	machine_hash  TEXT,
	activated_at  TIMESTAMP,
	expire_at     TIMESTAMP,
	last_check_at TIMESTAMP,
	note          TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS activation_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	license_id   INTEGER NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
	machine_hash TEXT NOT NULL,
	action       TEXT NOT NULL,
	origin       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_activation_logs_license
	ON activation_logs(license_id, action);
`

// Store wraps the SQLite database holding licenses and their activation
// ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the license database at path.
// ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?%s", path, dsnOptions(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps in-memory databases
	// from evaporating between pool connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func dsnOptions(path string) string {
	opts := "_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		opts += "&_pragma=journal_mode(WAL)"
	} else {
		opts += "&mode=memory&cache=shared"
	}
	return opts
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside an immediate write transaction. The transaction is
// rolled back if fn returns an error or panics.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, ctx: ctx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Tx exposes license operations scoped to one write transaction.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}
