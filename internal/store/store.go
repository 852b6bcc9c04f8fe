// Package store implements the durable credential and call-log persistence
// layer (C1): an embedded SQLite database whose writes are serialized by a
// lock while reads run concurrently, with ordered range queries for the selector and
// admin listings, and a generic batch-apply primitive used exclusively by
// the write-behind cache (C2).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vitaliisemenov/llmproxy/pkg/metrics"
)

// Store is the embedded SQLite-backed durable store.
// Thread-safe: all data access serializes through db's own locking plus
// an internal RWMutex mirroring the single-connection discipline this
// component promises its callers.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	path    string
	mu      sync.RWMutex
	metrics *metrics.StoreMetrics
}

// Open creates or opens the SQLite database at path, initializing schema
// idempotently. Parent directories are created with mode 0700.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("store: path must not contain '..': %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ErrUnavailable{Op: "open", Cause: err}
	}

	s := &Store{
		db:      db,
		logger:  logger,
		path:    path,
		metrics: metrics.DefaultRegistry().Store(),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(path, 0600)

	logger.Info("durable store opened", "path", path, "wal_mode", true)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    key         TEXT PRIMARY KEY,
    add_time    INTEGER NOT NULL,
    balance     REAL NOT NULL DEFAULT 0,
    usage_count INTEGER NOT NULL DEFAULT 0,
    enabled     INTEGER NOT NULL DEFAULT 1,
    is_invalid  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_credentials_enabled     ON credentials(enabled);
CREATE INDEX IF NOT EXISTS idx_credentials_is_invalid  ON credentials(is_invalid);
CREATE INDEX IF NOT EXISTS idx_credentials_balance     ON credentials(balance);
CREATE INDEX IF NOT EXISTS idx_credentials_add_time    ON credentials(add_time);
CREATE INDEX IF NOT EXISTS idx_credentials_usage_count ON credentials(usage_count);

CREATE TABLE IF NOT EXISTS call_log (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    credential_key TEXT NOT NULL,
    model          TEXT NOT NULL,
    endpoint       TEXT NOT NULL,
    call_time      INTEGER NOT NULL,
    input_tokens   INTEGER NOT NULL DEFAULT 0,
    output_tokens  INTEGER NOT NULL DEFAULT 0,
    total_tokens   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_call_log_call_time ON call_log(call_time);
CREATE INDEX IF NOT EXISTS idx_call_log_model     ON call_log(model);
CREATE INDEX IF NOT EXISTS idx_call_log_endpoint   ON call_log(endpoint);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Health pings the underlying connection.
func (s *Store) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		s.metrics.HealthStatus.Set(0)
		return &ErrUnavailable{Op: "health", Cause: fmt.Errorf("connection closed")}
	}
	if err := s.db.PingContext(ctx); err != nil {
		s.metrics.HealthStatus.Set(0)
		return &ErrUnavailable{Op: "health", Cause: err}
	}
	s.metrics.HealthStatus.Set(1)
	return nil
}

// Close closes the database connection. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.metrics.HealthStatus.Set(0)
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// FileSize returns the current database file size in bytes, or 0 if absent.
func (s *Store) FileSize() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ApplyBatch applies a set of pending insert/update/delete operations,
// grouped per table, within a single transaction: every table's inserts
// run first (insert-or-ignore, so a duplicate primary key silently skips),
// then every table's updates, then every table's deletes. On any failure
// the whole transaction rolls back and the caller's buffers remain valid
// to retry — this method never partially applies a batch.
//
// This is the sole entry point C1 exposes to the write-behind cache (C2).
// Reads use the table-specific methods in credentials.go and calllog.go;
// admin credential mutations are queued on the cache like any other write,
// and only TruncateCallLog writes outside this method.
func (s *Store) ApplyBatch(ctx context.Context, ops map[string]*TableOps) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrUnavailable{Op: "apply_batch", Cause: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for table, batch := range ops {
		for _, row := range batch.Inserts {
			if err = execInsert(ctx, tx, table, row); err != nil {
				return fmt.Errorf("apply_batch insert %s: %w", table, err)
			}
		}
	}
	for table, batch := range ops {
		for _, u := range batch.Updates {
			if err = execUpdate(ctx, tx, table, u); err != nil {
				return fmt.Errorf("apply_batch update %s: %w", table, err)
			}
		}
	}
	for table, batch := range ops {
		for _, d := range batch.Deletes {
			if err = execDelete(ctx, tx, table, d); err != nil {
				return fmt.Errorf("apply_batch delete %s: %w", table, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return &ErrUnavailable{Op: "apply_batch_commit", Cause: err}
	}

	s.metrics.OperationDuration.WithLabelValues("apply_batch").Observe(time.Since(start).Seconds())
	s.metrics.OperationsTotal.WithLabelValues("apply_batch", "success").Inc()
	return nil
}

func execInsert(ctx context.Context, tx *sql.Tx, table string, row Row) error {
	cols := make([]string, 0, len(row))
	vals := make([]any, 0, len(row))
	placeholders := make([]string, 0, len(row))
	for col, val := range row {
		cols = append(cols, col)
		vals = append(vals, val)
		placeholders = append(placeholders, "?")
	}
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, query, vals...)
	return err
}

func execUpdate(ctx context.Context, tx *sql.Tx, table string, u Update) error {
	setCols := make([]string, 0, len(u.Set))
	vals := make([]any, 0, len(u.Set)+1)
	for col, val := range u.Set {
		if incr, ok := val.(Incr); ok {
			setCols = append(setCols, col+" = "+col+" + ?")
			vals = append(vals, incr.By)
			continue
		}
		setCols = append(setCols, col+" = ?")
		vals = append(vals, val)
	}
	vals = append(vals, u.WhereVal)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(setCols, ", "), u.WhereField)
	_, err := tx.ExecContext(ctx, query, vals...)
	return err
}

func execDelete(ctx context.Context, tx *sql.Tx, table string, d Delete) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, d.PKField)
	_, err := tx.ExecContext(ctx, query, d.PKVal)
	return err
}
