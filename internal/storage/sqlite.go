package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteBackend stores values in a single blobs table of an embedded
// SQLite database opened in WAL mode.
type SQLiteBackend struct {
	// MaxBytes limits the size of a single value. Zero means unlimited.
	MaxBytes int

	conn   *sql.DB
	path   string
	closed atomic.Bool
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the blobs table exists.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create database directory: %v", ErrUnavailable, err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrUnavailable, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrUnavailable, err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	b := &SQLiteBackend{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := b.initSchema(context.Background()); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := b.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string {
	return b.path
}

// Get implements Backend.
func (b *SQLiteBackend) Get(key string) ([]byte, error) {
	var data []byte
	err := b.conn.QueryRow(`SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, b.classify(fmt.Errorf("failed to read %s: %w", key, err))
	}
	return data, nil
}

// Put implements Backend.
func (b *SQLiteBackend) Put(key string, data []byte) error {
	if b.MaxBytes > 0 && len(data) > b.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrQuotaExceeded, len(data), b.MaxBytes)
	}

	query := `
	INSERT INTO blobs (key, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	_, err := b.conn.Exec(query, key, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return b.classify(fmt.Errorf("failed to write %s: %w", key, err))
	}
	return nil
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(key string) error {
	if _, err := b.conn.Exec(`DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return b.classify(fmt.Errorf("failed to delete %s: %w", key, err))
	}
	return nil
}

// Keys lists every stored key in sorted order.
func (b *SQLiteBackend) Keys() ([]string, error) {
	rows, err := b.conn.Query(`SELECT key FROM blobs ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close checkpoints the WAL and closes the database.
func (b *SQLiteBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// classify maps SQLite result codes onto the storage sentinels.
func (b *SQLiteBackend) classify(err error) error {
	switch {
	case errors.Is(err, sqlite3.FULL):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case errors.Is(err, sqlite3.READONLY), errors.Is(err, sqlite3.CANTOPEN),
		errors.Is(err, sql.ErrConnDone), strings.Contains(err.Error(), "database is closed"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
