// Package store owns the node's durable state: one SQLite database
// holding the replay ledger, action queue, trust cache, inventory,
// tasks, and the hub's event log. Components receive the handle by
// injection; nothing here is a package-level singleton.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger (
	id            TEXT PRIMARY KEY,
	payload_hash  TEXT NOT NULL,
	origin_node   TEXT NOT NULL DEFAULT '',
	first_seen_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_seen ON ledger(first_seen_at);

CREATE TABLE IF NOT EXISTS queue (
	action_id  TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'PENDING',
	created_at DATETIME NOT NULL,
	synced_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);

CREATE TABLE IF NOT EXISTS certs (
	subject_id  TEXT PRIMARY KEY,
	public_key  TEXT NOT NULL,
	issued_at   DATETIME NOT NULL,
	expires_at  DATETIME NOT NULL,
	permissions TEXT NOT NULL DEFAULT '{}',
	raw         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS revocations (
	subject_id TEXT NOT NULL,
	revoked_at DATETIME NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	UNIQUE(subject_id, revoked_at)
);

CREATE TABLE IF NOT EXISTS secrets (
	subject_id TEXT PRIMARY KEY,
	secret     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pairings (
	code       TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	secret     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	used       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS inventory (
	sku        TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	qty        INTEGER NOT NULL DEFAULT 0,
	unit       TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id       TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	domain        TEXT NOT NULL,
	base_priority INTEGER NOT NULL DEFAULT 0,
	assignee      TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	done          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	event_ref   TEXT NOT NULL,
	side        TEXT NOT NULL,
	ref_id      TEXT NOT NULL,
	source      TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	items       TEXT NOT NULL DEFAULT '[]',
	recorded_at DATETIME NOT NULL,
	UNIQUE(event_ref, side, ref_id)
);
CREATE INDEX IF NOT EXISTS idx_events_ref ON events(event_ref);

CREATE TABLE IF NOT EXISTS report_stream (
	station_id TEXT PRIMARY KEY,
	last_seq   INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	station_id TEXT NOT NULL,
	sku        TEXT NOT NULL,
	qty        INTEGER NOT NULL,
	seq_id     INTEGER NOT NULL DEFAULT 0,
	taken_at   DATETIME NOT NULL,
	PRIMARY KEY (station_id, sku)
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// DB wraps the node's SQLite handle.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw handle for plain reads.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx,
// so effect functions run the same against either.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx begins a transaction, runs fn with the transactional handle,
// commits on success and rolls back on error or panic. Panics are
// rethrown. Every ledger-plus-effect pair in the node goes through
// here so that a power cut can never leave one without the other.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// GetMeta reads a node-local setting; missing keys return "".
func GetMeta(ctx context.Context, q DBTX, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a node-local setting.
func SetMeta(ctx context.Context, q DBTX, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("store: set meta %s: %w", key, err)
	}
	return nil
}
