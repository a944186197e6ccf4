package watcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	kvQueryTimeout = 1500 * time.Millisecond
	kvMaxRetries   = 3
	kvRetryBase    = 100 * time.Millisecond
)

// openReadOnly opens a foreign embedded database strictly read-only:
// WAL, read_uncommitted, query_only. The watcher must never be able to
// write to or lock these files against their owner.
func openReadOnly(path string) (*sqlx.DB, error) {
	dsn := "file:" + path + "?mode=ro&" + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=read_uncommitted(1)",
		"_pragma=query_only(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", kvQueryTimeout.Milliseconds()),
	}, "&")
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open foreign database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// kvQuery runs fn with the hard query timeout, retrying lock
// contention with exponential backoff.
func kvQuery(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	wait := kvRetryBase
	for attempt := 0; attempt < kvMaxRetries; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, kvQueryTimeout)
		err = fn(qctx)
		cancel()
		if err == nil {
			return nil
		}
		if !retriableKVError(err) {
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

func retriableKVError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// readItemValue fetches one key's value from the workspace ItemTable.
// sql.ErrNoRows is returned untouched for keys that do not exist.
func readItemValue(ctx context.Context, db *sqlx.DB, key string) (string, error) {
	var value string
	err := kvQuery(ctx, func(qctx context.Context) error {
		return db.GetContext(qctx, &value, `SELECT value FROM ItemTable WHERE key = ?`, key)
	})
	return value, err
}

// readComposerEntries fetches every composerData:* row from the global
// cursorDiskKV table.
func readComposerEntries(ctx context.Context, db *sqlx.DB) (map[string]string, error) {
	type row struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	var rows []row
	err := kvQuery(ctx, func(qctx context.Context) error {
		return db.SelectContext(qctx, &rows,
			`SELECT key, value FROM cursorDiskKV WHERE key LIKE 'composerData:%'`)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// databaseMentionsPath reports whether any ItemTable value contains the
// workspace path. Used by the mapper's content-scan step.
func databaseMentionsPath(ctx context.Context, dbPath, workspacePath string) (bool, error) {
	db, err := openReadOnly(dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var n int
	err = kvQuery(ctx, func(qctx context.Context) error {
		return db.GetContext(qctx, &n,
			`SELECT COUNT(*) FROM ItemTable WHERE value LIKE ?`, "%"+workspacePath+"%")
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// latestGenerationTimestamp returns the max unixMs in the database's
// aiService.generations array, or 0 when absent.
func latestGenerationTimestamp(ctx context.Context, dbPath string) (int64, error) {
	db, err := openReadOnly(dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	value, err := readItemValue(ctx, db, "aiService.generations")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(value), &items); err != nil {
		return 0, nil
	}
	var max int64
	for _, item := range items {
		if ts := itemTimestamp(item); ts > max {
			max = ts
		}
	}
	return max, nil
}

// itemTimestamp reads the millisecond timestamp of one timestamped
// array item.
func itemTimestamp(item map[string]any) int64 {
	for _, key := range []string{"unixMs", "unix_ms", "timestamp", "createdAt"} {
		if v, ok := item[key].(float64); ok && v > 0 {
			return int64(v)
		}
	}
	return 0
}
