// Package statedb keeps a durable journal of upload records in an embedded
// SQLite database.
//
// The in-memory state store is authoritative while the agent runs. The journal
// mirrors every outcome so that paths which were still failing when the agent
// stopped are retried after a restart, and so the `state` command can inspect
// delivery history without a running agent.
//
// Architecture:
//   - Database file: state.db next to the configuration by default
//   - WAL mode: the CLI can read while the agent writes
//   - Schema: a single uploads table keyed by path
package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cefsiem/cef-agent/internal/state"
)

// FileName is the default journal file name.
const FileName = "state.db"

// DB wraps the SQLite connection holding the upload journal.
type DB struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// Filter selects journal rows.
type Filter struct {
	// FailedOnly restricts results to paths whose last attempt failed.
	FailedOnly bool
	// Since restricts results to records updated at or after this time.
	Since time.Time
}

// Open creates or opens the journal at path and initializes the schema.
//
// The caller MUST call Close() when done.
func Open(path string, logger *log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[statedb] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer keeps upserts ordered the way the agent loop issued them.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: path, logger: logger}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the uploads table. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS uploads (
		path TEXT PRIMARY KEY,
		last_successful_upload TEXT NOT NULL DEFAULT '',
		upload_failed INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		failing_since TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_failed ON uploads(upload_failed);
	CREATE INDEX IF NOT EXISTS idx_uploads_updated ON uploads(updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Upsert stores rec, replacing any previous row for the same path.
func (db *DB) Upsert(ctx context.Context, rec state.Record, updatedAt time.Time) error {
	query := `
	INSERT INTO uploads (path, last_successful_upload, upload_failed, last_error, failing_since, attempts, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		last_successful_upload = excluded.last_successful_upload,
		upload_failed = excluded.upload_failed,
		last_error = excluded.last_error,
		failing_since = excluded.failing_since,
		attempts = excluded.attempts,
		updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		rec.Path,
		formatTime(rec.LastSuccessfulUpload),
		boolToInt(rec.UploadFailed),
		rec.LastError,
		formatTime(rec.FailingSince),
		rec.Attempts,
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", rec.Path, err)
	}
	return nil
}

// List returns journal records matching f, ordered by path.
func (db *DB) List(ctx context.Context, f Filter) ([]state.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.FailedOnly {
		where = append(where, "upload_failed = 1")
	}
	if !f.Since.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT path, last_successful_upload, upload_failed, last_error, failing_since, attempts FROM uploads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY path"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	var records []state.Record
	for rows.Next() {
		var (
			rec                 state.Record
			lastOK, failingFrom string
			failed              int
		)
		if err := rows.Scan(&rec.Path, &lastOK, &failed, &rec.LastError, &failingFrom, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan upload row: %w", err)
		}
		rec.UploadFailed = failed != 0
		rec.LastSuccessfulUpload = parseTime(lastOK)
		rec.FailingSince = parseTime(failingFrom)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate uploads: %w", err)
	}

	return records, nil
}

// Count returns the number of journaled paths.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM uploads").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count uploads: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
