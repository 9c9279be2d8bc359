// Package checkpoint implements the Checkpoint Store (C2): a durable
// ordered key/value map of per-file read state with atomic batch updates,
// a deferred-delete ("mark for GC") list, and a background collector.
//
// It uses WAL-mode SQLite opened with a single writer connection and a
// NORMAL synchronous durability posture: durable across process crashes,
// not OS crashes.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver with database/sql
)

// ErrNotFound is returned by Get when key has no value (and is not on the
// deferred-delete list in a way that would change that).
var ErrNotFound = errors.New("checkpoint: not found")

// ErrStoreUnavailable wraps any underlying I/O failure from the store;
// callers degrade to reading from offset 0.
var ErrStoreUnavailable = errors.New("checkpoint: store unavailable")

const ddl = `
CREATE TABLE IF NOT EXISTS checkpoints (
    key          TEXT PRIMARY KEY,
    value        BLOB NOT NULL,
    gc_marked_at TEXT
);
CREATE TABLE IF NOT EXISTS scan_cursor (
    id     INTEGER PRIMARY KEY CHECK (id = 1),
    cursor TEXT NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO scan_cursor (id, cursor) VALUES (1, '');
`

// Store is a WAL-mode SQLite-backed implementation of the Checkpoint Store.
// It is safe for concurrent use; SQLite itself serializes writers through
// the single-connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the checkpoint database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrStoreUnavailable, path, err)
	}

	// SQLite allows only one writer; a single pooled connection serializes
	// batch_put/batch_delete calls from the controller and GC goroutines
	// without "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: set WAL mode: %v", ErrStoreUnavailable, err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: set synchronous = NORMAL: %v", ErrStoreUnavailable, err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", ErrStoreUnavailable, err)
	}

	return &Store{db: db}, nil
}

// PrimaryKey formats the on-disk key for a primary checkpoint:
// "P:<source-id>:<logical-path>".
func PrimaryKey(sourceID, logicalPath string) string {
	return fmt.Sprintf("P:%s:%s", sourceID, logicalPath)
}

// RangeKey formats the on-disk key for a range checkpoint: "R:<primary-key>:<index>".
func RangeKey(primaryKey string, index int) string {
	return fmt.Sprintf("R:%s:%d", primaryKey, index)
}

// Get fetches the value for key. If key is on the deferred-delete list, it
// is automatically unmarked: this is the hook by which a re-opened file
// rescues its own checkpoint during a config-reload race.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %q: %v", ErrStoreUnavailable, key, err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET gc_marked_at = NULL WHERE key = ?`, key); err != nil {
		return nil, fmt.Errorf("%w: unmark gc on get %q: %v", ErrStoreUnavailable, key, err)
	}
	return value, nil
}

// Put writes a single key/value pair.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, gc_marked_at = NULL`,
		key, value)
	if err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// Entry is one key/value pair, used by BatchPut and Scan.
type Entry struct {
	Key   string
	Value []byte
}

// BatchPut writes all entries atomically: after a crash either all effects
// are visible or none are. Returns the elapsed wall-clock time of the
// transaction.
func (s *Store) BatchPut(ctx context.Context, entries []Entry) (time.Duration, error) {
	start := time.Now()
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: batch_put begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO checkpoints (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, gc_marked_at = NULL`)
	if err != nil {
		return 0, fmt.Errorf("%w: batch_put prepare: %v", ErrStoreUnavailable, err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Value); err != nil {
			return 0, fmt.Errorf("%w: batch_put exec %q: %v", ErrStoreUnavailable, e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: batch_put commit: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}

// BatchDelete removes keys atomically. Returns the elapsed wall-clock time.
func (s *Store) BatchDelete(ctx context.Context, keys []string) (time.Duration, error) {
	start := time.Now()
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: batch_delete begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM checkpoints WHERE key IN (%s)`, placeholders), args...); err != nil {
		return 0, fmt.Errorf("%w: batch_delete exec: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: batch_delete commit: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}

// ScanMode selects between a full scan (ignores the time budget, visits
// every key) and an incremental scan that resumes from a persisted cursor
// and returns within budgetMs.
type ScanMode struct {
	Incremental bool
	BudgetMs    int
}

// Full is the ScanMode that visits every key regardless of elapsed time.
func Full() ScanMode { return ScanMode{} }

// Incremental is the ScanMode that resumes from the persisted cursor and
// returns within budgetMs.
func Incremental(budgetMs int) ScanMode { return ScanMode{Incremental: true, BudgetMs: budgetMs} }

// Scan visits keys in key order starting after the persisted cursor (for an
// incremental scan) or from the beginning (for a full scan), calling visit
// for each entry. An incremental scan persists its new cursor position
// before returning so the next call resumes where this one left off.
func (s *Store) Scan(ctx context.Context, mode ScanMode, visit func(Entry) error) error {
	cursor := ""
	if mode.Incremental {
		if err := s.db.QueryRowContext(ctx, `SELECT cursor FROM scan_cursor WHERE id = 1`).Scan(&cursor); err != nil {
			return fmt.Errorf("%w: scan read cursor: %v", ErrStoreUnavailable, err)
		}
	}

	deadline := time.Now().Add(time.Duration(mode.BudgetMs) * time.Millisecond)

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM checkpoints WHERE key > ? ORDER BY key`, cursor)
	if err != nil {
		return fmt.Errorf("%w: scan query: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	last := cursor
	reachedEnd := true
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return fmt.Errorf("%w: scan row: %v", ErrStoreUnavailable, err)
		}
		if err := visit(e); err != nil {
			return err
		}
		last = e.Key

		if mode.Incremental && mode.BudgetMs > 0 && time.Now().After(deadline) {
			reachedEnd = false
			break
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: scan rows: %v", ErrStoreUnavailable, err)
	}

	if mode.Incremental {
		if reachedEnd {
			// Reached the end; wrap the cursor back to the start.
			last = ""
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE scan_cursor SET cursor = ? WHERE id = 1`, last); err != nil {
			return fmt.Errorf("%w: scan persist cursor: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

// MarkGC adds primaryKey to the deferred-delete list.
func (s *Store) MarkGC(ctx context.Context, primaryKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET gc_marked_at = ? WHERE key = ?`, time.Now().UTC().Format(time.RFC3339Nano), primaryKey)
	if err != nil {
		return fmt.Errorf("%w: mark_gc %q: %v", ErrStoreUnavailable, primaryKey, err)
	}
	return nil
}

// UnmarkGC removes primaryKey from the deferred-delete list.
func (s *Store) UnmarkGC(ctx context.Context, primaryKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET gc_marked_at = NULL WHERE key = ?`, primaryKey)
	if err != nil {
		return fmt.Errorf("%w: unmark_gc %q: %v", ErrStoreUnavailable, primaryKey, err)
	}
	return nil
}

// MarkedBefore returns the keys marked for GC longer ago than cutoff, used
// by the collector to enforce the grace-period rule.
func (s *Store) MarkedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM checkpoints WHERE gc_marked_at IS NOT NULL AND gc_marked_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: marked_before: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%w: marked_before scan: %v", ErrStoreUnavailable, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
