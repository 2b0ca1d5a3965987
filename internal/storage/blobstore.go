// Package storage implements the tiered storage engine: a bounded in-memory
// cache in front of a durable SQLite key/value store, plus a vector index
// addressed by (namespace, id). The persistent store is always authoritative;
// the cache only ever holds copies.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// BlobStore persists arbitrary byte blobs keyed by string.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put inserts or replaces the value for key.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Flush forces committed writes to durable storage.
	Flush(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteBlobStore is a BlobStore backed by a local SQLite database.
type SQLiteBlobStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// memory is true for ":memory:" databases, which have no WAL to checkpoint.
	memory bool
}

// OpenBlobStore opens (or creates) a SQLiteBlobStore at path and runs the
// schema migration. Use ":memory:" for an in-memory database in tests.
func OpenBlobStore(path string) (*SQLiteBlobStore, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("storage: could not create %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// Single connection: one writer, and ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteBlobStore{db: db, memory: memory}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate sets durability pragmas and creates the schema if needed.
func (s *SQLiteBlobStore) migrate() error {
	if !s.memory {
		if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("storage: enable WAL: %w", err)
		}
	}
	// FULL fsyncs the WAL on every commit.
	if _, err := s.db.Exec(`PRAGMA synchronous=FULL`); err != nil {
		return fmt.Errorf("storage: set synchronous: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS blobs (
    key        TEXT    PRIMARY KEY,
    value      BLOB    NOT NULL,
    updated_at INTEGER NOT NULL  -- Unix timestamp (seconds)
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *SQLiteBlobStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

// Put inserts or replaces the value stored under key.
func (s *SQLiteBlobStore) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	const q = `
INSERT INTO blobs (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key and reports whether a row was removed.
func (s *SQLiteBlobStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("storage: delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return n > 0, nil
}

// Keys returns every key with the given prefix, sorted ascending.
func (s *SQLiteBlobStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT key FROM blobs WHERE key LIKE ? ESCAPE '\' ORDER BY key`
	rows, err := s.db.QueryContext(ctx, q, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("storage: keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: keys scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: keys rows: %w", err)
	}
	return keys, nil
}

// Flush checkpoints the WAL into the main database file.
func (s *SQLiteBlobStore) Flush(ctx context.Context) error {
	if s.memory {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		return fmt.Errorf("storage: flush: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteBlobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteBlobStore) Close() error {
	return s.db.Close()
}

// escapeLike escapes the LIKE wildcards in s using backslash.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
