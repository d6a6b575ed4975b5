// Package store implements the Persistence Store (spec §4.1): a single-file
// SQLite engine with write-ahead logging, foreign-key enforcement, a
// versioned migrator, and a file-level exclusion lock preventing two
// processes from sharing one database file (§5). The DSN construction and
// migrator shape are adapted from the teacher's
// database/backends/sqlite.go OpenSQLite/SQLiteMigrator.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/swordintel/spectra/pkg/spectra/errs"
)

// Config controls how the store opens its database file, mirroring the
// config.DBConfig section plus the fixed WAL/foreign-key policy §6 mandates.
type Config struct {
	Path        string
	JournalMode string // default WAL
	BusyTimeoutMS int  // default 5000
}

// Store is the Persistence Store. One Store owns exactly one database file
// and its file lock for the lifetime of the process.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	logger *slog.Logger
	path   string
}

// Open acquires the file-level exclusion lock, opens the database with WAL
// and foreign keys on, and runs the migrator. Returns a Storage-kind error
// (per §7) if the file is missing its directory, locked by another process,
// or the schema is mismatched.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errs.New(errs.Configuration, "store.Open", fmt.Errorf("db path is required"))
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeoutMS == 0 {
		cfg.BusyTimeoutMS = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.New(errs.Storage, "store.Open", fmt.Errorf("create database directory %q: %w", dir, err))
		}
	}

	lockPath := cfg.Path + ".lock"
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errs.New(errs.Storage, "store.Open", fmt.Errorf("acquire exclusion lock: %w", err))
	}
	if !locked {
		return nil, errs.New(errs.Storage, "store.Open", fmt.Errorf("database %q is locked by another process", cfg.Path))
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON", cfg.Path, cfg.JournalMode, cfg.BusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		fl.Unlock()
		return nil, errs.New(errs.Storage, "store.Open", fmt.Errorf("open database %q: %w", cfg.Path, err))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		fl.Unlock()
		return nil, errs.New(errs.Storage, "store.Open", fmt.Errorf("ping database: %w", err))
	}
	// SQLite allows only one writer; the driver serialises through a
	// single connection so concurrent callers don't hit SQLITE_BUSY
	// against each other inside the process (cross-process is the
	// flock's job).
	db.SetMaxOpenConns(1)

	s := &Store{db: db, lock: fl, logger: logger, path: cfg.Path}

	if err := s.migrate(); err != nil {
		db.Close()
		fl.Unlock()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return errs.New(errs.Storage, "store.migrate", fmt.Errorf("create schema_version table: %w", err))
	}

	current, err := s.currentVersion()
	if err != nil {
		return errs.New(errs.Storage, "store.migrate", err)
	}

	if _, err := s.db.Exec(GetSchema()); err != nil {
		return errs.New(errs.Storage, "store.migrate", fmt.Errorf("apply schema: %w", err))
	}

	if current == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return errs.New(errs.Storage, "store.migrate", fmt.Errorf("record schema version: %w", err))
		}
		return nil
	}
	if current != schemaVersion {
		return errs.New(errs.Storage, "store.migrate", fmt.Errorf("schema version mismatch: expected %d, found %d", schemaVersion, current))
	}
	return nil
}

func (s *Store) currentVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// QueryCtx runs a read directly against the store outside any explicit
// transaction, for callers that only need a snapshot read (e.g. Registry.List).
func (s *Store) QueryCtx(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Storage, "Store.QueryCtx", err)
	}
	return rows, nil
}

// QueryRowCtx runs a single-row read directly against the store.
func (s *Store) QueryRowCtx(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Close releases the database handle and the file lock, in that order.
func (s *Store) Close() error {
	dbErr := s.db.Close()
	lockErr := s.lock.Unlock()
	if dbErr != nil {
		return dbErr
	}
	return lockErr
}

// Tx wraps a *sql.Tx with the commit-retry policy from §4.1: exponential
// backoff starting at 50ms, factor 2, capped at 2s, up to 8 attempts.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a transaction. readonly is advisory only (SQLite has no true
// read-only transactions via database/sql); callers that only read should
// still pass true to document intent.
func (s *Store) Begin(ctx context.Context, readonly bool) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readonly})
	if err != nil {
		return nil, errs.New(errs.Storage, "store.Begin", err)
	}
	return &Tx{tx: tx}, nil
}

// Apply executes a mutation inside the transaction. Constraint violations
// surface as IntegrityViolation; everything else as Storage.
func (t *Tx) Apply(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraintError(err) {
			return nil, errs.New(errs.IntegrityViolation, "Tx.Apply", err)
		}
		return nil, errs.New(errs.Storage, "Tx.Apply", err)
	}
	return res, nil
}

// Query runs a read against the transaction's snapshot.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Storage, "Tx.Query", err)
	}
	return rows, nil
}

// Commit commits with the jittered-backoff retry policy from §4.1,
// retrying only on SQLITE_BUSY-shaped errors.
func (t *Tx) Commit() error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 2 * time.Second
	retryable := backoff.WithMaxRetries(b, 7)

	err := backoff.Retry(func() error {
		err := t.tx.Commit()
		if err != nil && isBusyError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, retryable)

	if err != nil {
		return errs.New(errs.Storage, "Tx.Commit", fmt.Errorf("commit failed after retries: %w", err))
	}
	return nil
}

// Rollback discards the transaction. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		return errs.New(errs.Storage, "Tx.Rollback", err)
	}
	return nil
}

func isBusyError(err error) bool {
	return containsAny(err.Error(), "database is locked", "SQLITE_BUSY", "busy")
}

func isConstraintError(err error) bool {
	return containsAny(err.Error(), "UNIQUE constraint", "FOREIGN KEY constraint", "CHECK constraint", "NOT NULL constraint")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
