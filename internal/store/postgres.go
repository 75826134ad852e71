package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the Postgres-backed Store implementation. It is the
// single source of truth for all pipeline state.
type PostgresStore struct {
	pool *pgxpool.Pool
	tx   pgx.Tx // non-nil when this value represents a transaction-scoped view
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the underlying connection pool. A transaction-scoped store
// returned to a Transaction callback must never be closed directly.
func (s *PostgresStore) Close() {
	if s.tx == nil {
		s.pool.Close()
	}
}

// Exec runs a statement and returns the affected row count.
func (s *PostgresStore) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	var tag pgconn.CommandTag
	var err error
	if s.tx != nil {
		tag, err = s.tx.Exec(ctx, sql, args...)
	} else {
		tag, err = s.pool.Exec(ctx, sql, args...)
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Query runs a statement expected to return rows.
func (s *PostgresStore) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	var rows pgx.Rows
	var err error
	if s.tx != nil {
		rows, err = s.tx.Query(ctx, sql, args...)
	} else {
		rows, err = s.pool.Query(ctx, sql, args...)
	}
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

// QueryRow runs a statement expected to return at most one row.
func (s *PostgresStore) QueryRow(ctx context.Context, sql string, args ...any) Row1 {
	var row pgx.Row
	if s.tx != nil {
		row = s.tx.QueryRow(ctx, sql, args...)
	} else {
		row = s.pool.QueryRow(ctx, sql, args...)
	}
	return pgxRow{row}
}

// Transaction runs fn within a single atomic unit, following the teacher's
// panic-recovering executeInTransaction/finalizeTx pattern: rollback on
// error or panic, commit on success.
func (s *PostgresStore) Transaction(ctx context.Context, operation string, fn func(ctx context.Context, txStore Store) error) (err error) {
	if s.tx != nil {
		// Already inside a transaction; nested calls join the same tx.
		return fn(ctx, s)
	}

	start := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to begin transaction", "operation", operation, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "transaction panic, rolling back", "operation", operation, "panic", p)
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.ErrorContext(ctx, "rollback after panic failed", "operation", operation, "rollback_error", rbErr)
			}
			panic(p)
		}

		finalizeTx(ctx, tx, &err)
		if err == nil {
			slog.DebugContext(ctx, "transaction completed", "operation", operation, "duration_ms", time.Since(start).Milliseconds())
		}
	}()

	txStore := &PostgresStore{pool: s.pool, tx: tx}
	err = fn(ctx, txStore)
	return
}

// finalizeTx handles transaction cleanup for normal error/success cases.
func finalizeTx(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		slog.ErrorContext(ctx, "transaction failed, rolling back", "error", *err)
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.ErrorContext(ctx, "rollback failed", "original_error", *err, "rollback_error", rbErr)
			*err = fmt.Errorf("transaction failed: %w (rollback error: %v)", *err, rbErr)
		}
		return
	}
	*err = tx.Commit(ctx)
	if *err != nil {
		slog.ErrorContext(ctx, "transaction commit failed", "error", *err)
	}
}

// pgxRows adapts pgx.Rows to the driver-neutral Rows interface.
type pgxRows struct {
	pgx.Rows
}

func (r pgxRows) Err() error { return r.Rows.Err() }

// pgxRow adapts pgx.Row to Row1, translating pgx.ErrNoRows to the
// package's driver-neutral ErrNoRows.
type pgxRow struct {
	row pgx.Row
}

func (r pgxRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}
