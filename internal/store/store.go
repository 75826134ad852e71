// Package store provides the transactional persistence primitives every
// other component builds on: unique-key insert-or-return, locked-select,
// owner-guarded conditional update, and atomic transactions.
package store

import (
	"context"
	"errors"
)

// ErrNoRows is the driver-neutral "no rows in result set" sentinel every
// Store implementation's QueryRow/Row1.Scan must return in place of its
// underlying driver's own no-rows error, so callers never import pgx or
// database/sql just to check this one condition.
var ErrNoRows = errors.New("store: no rows in result set")

// Rows abstracts over a multi-row result set.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// Row1 abstracts over a single-row result.
type Row1 interface {
	Scan(dest ...any) error
}

// Store is the transactional contract required by WorkQueue, JobDispatch,
// NotificationOutbox, and FailurePipeline. Implementations must expose
// "skip locked" semantics (natively or via an equivalent compare-and-swap /
// advisory-lock scheme) behind this interface.
type Store interface {
	// Transaction runs fn within a single atomic unit of work; all writes
	// made through the txStore passed to fn are rolled back if fn returns
	// a non-nil error, and committed otherwise.
	Transaction(ctx context.Context, operation string, fn func(ctx context.Context, txStore Store) error) error

	// Exec runs a statement not expected to return rows and reports the
	// number of affected rows — the canonical "lost ownership" signal for
	// owner-guarded updates.
	Exec(ctx context.Context, sql string, args ...any) (rowsAffected int64, err error)

	// QueryRow runs a statement expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) Row1

	// Query runs a statement expected to return zero or more rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	// Close releases the underlying connection resources.
	Close()
}
