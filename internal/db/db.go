// Package db provides the embedded SQLite storage used by relaysync.
//
// A single database file holds four groups of tables:
//
//   - sync_logs: the mutation log (pending and uploaded log records)
//   - sync_metadata: key/value sync bookkeeping (device id, high-water marks)
//   - records: the synchronized table, one JSON document per (table, primary key)
//   - transfer_jobs, transfer_chunks, download_chunks: resumable chunk transfer state
//
// The database runs in WAL mode so the daemon, the CLI and the dashboard can
// read while a sync cycle writes.
//
// Every query method is available on both *DB and *Tx, so code running inside
// WithTx uses the same API as code outside it.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a row looked up by key does not exist.
var ErrNotFound = errors.New("not found")

// querier is the subset of *sql.DB and *sql.Tx used by the store methods.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// store carries the query methods shared by DB and Tx.
type store struct {
	q querier
}

// DB wraps the SQLite connection pool.
type DB struct {
	store
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it is created. Call InitSchema before use.
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(".relaysync/relaysync.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		store: store{q: conn},
		conn:  conn,
		path:  path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_logs (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		device_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		tbl TEXT NOT NULL,
		pk TEXT NOT NULL,
		data TEXT,           -- JSON object, NULL on delete
		previous_data TEXT,  -- JSON object, NULL on insert
		uploaded INTEGER NOT NULL DEFAULT 0,
		relay_anchor INTEGER,
		checksum TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		tbl TEXT NOT NULL,
		pk TEXT NOT NULL,
		data TEXT NOT NULL,  -- JSON object
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tbl, pk)
	);

	CREATE TABLE IF NOT EXISTS transfer_jobs (
		file_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		size INTEGER NOT NULL,
		chunk_size INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL,
		dest TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transfer_chunks (
		file_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		relay_file_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (file_id, idx),
		FOREIGN KEY (file_id) REFERENCES transfer_jobs(file_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS download_chunks (
		file_id TEXT NOT NULL,
		target TEXT NOT NULL,
		idx INTEGER NOT NULL,
		PRIMARY KEY (file_id, target, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_logs_pending ON sync_logs(uploaded, timestamp);
	CREATE INDEX IF NOT EXISTS idx_sync_logs_record ON sync_logs(tbl, pk, timestamp);
	CREATE INDEX IF NOT EXISTS idx_sync_logs_timestamp ON sync_logs(timestamp);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Tx is a database transaction exposing the same query methods as DB.
type Tx struct {
	store
	tx *sql.Tx
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{store: store{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Savepoint runs fn inside a named savepoint. When fn fails, only the work
// done since the savepoint is undone and the enclosing transaction stays
// usable.
func (tx *Tx) Savepoint(ctx context.Context, name string, fn func() error) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	if _, err := tx.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", name, err)
	}

	if err := fn(); err != nil {
		if _, rbErr := tx.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint %s: %v (after %w)", name, rbErr, err)
		}
		if _, relErr := tx.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("failed to release savepoint %s: %v (after %w)", name, relErr, err)
		}
		return err
	}

	if _, err := tx.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", name, err)
	}
	return nil
}
