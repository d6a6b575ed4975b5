package store

import (
	"context"
	"database/sql"

	"github.com/swordintel/spectra/pkg/spectra/errs"
)

// Iterator is a lazy, finite, non-restartable sequence over query results,
// matching the Query<T> contract in §4.1. The underlying cursor is held
// open until Close is called or Next returns false.
type Iterator[T any] struct {
	rows  *sql.Rows
	scan  func(*sql.Rows) (T, error)
	err   error
	value T
}

// Query runs a read-only query against the store and returns a typed
// iterator. scan converts one row into a T; callers provide it because the
// store has no reflection-based row mapper (matching the teacher's
// preference for explicit Scan calls over a generic ORM layer).
func Query[T any](ctx context.Context, s *Store, scan func(*sql.Rows) (T, error), query string, args ...any) (*Iterator[T], error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Storage, "store.Query", err)
	}
	return &Iterator[T]{rows: rows, scan: scan}, nil
}

// Next advances the iterator. Returns false at end of results or on error;
// callers must check Err after a false return.
func (it *Iterator[T]) Next() bool {
	if !it.rows.Next() {
		return false
	}
	v, err := it.scan(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.value = v
	return true
}

// Value returns the current row, valid only after a true Next().
func (it *Iterator[T]) Value() T { return it.value }

// Err returns the first error encountered during iteration, if any.
func (it *Iterator[T]) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying cursor. Safe to call multiple times.
func (it *Iterator[T]) Close() error {
	return it.rows.Close()
}
