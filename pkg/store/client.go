// Package store provides the local embedded trace store: a single
// SQLite file holding raw traces for both platforms, session state,
// and the workspace-mapping cache.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

const (
	busyTimeout   = 5 * time.Second
	maxSQLRetries = 3
	retryBaseWait = 50 * time.Millisecond
)

// Store wraps the single logical connection to the trace database.
// Writes are serialised by SQLite's WAL single-writer model; the
// connection pool is capped at one writer to keep transactions
// ordered.
type Store struct {
	db   *sqlx.DB
	path string
}

// Open creates (or opens) the trace database at path, applies the
// performance pragmas, and ensures the schema exists. The parent
// directory is created if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := path + "?" + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=temp_store(MEMORY)",
		"_pragma=cache_size(-65536)",   // 64 MiB
		"_pragma=mmap_size(268435456)", // 256 MiB
		fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds()),
	}, "&")

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	// One writer connection; WAL readers never block it.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping trace store: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	slog.Info("Trace store opened", "path", path)
	return s, nil
}

// DB exposes the underlying connection for queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// withRetry runs fn, retrying transient busy/locked failures up to
// maxSQLRetries times with exponential backoff.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	wait := retryBaseWait
	for attempt := 0; attempt < maxSQLRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
