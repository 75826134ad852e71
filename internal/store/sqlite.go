package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-process, single-writer test backend for Store. It
// trades away the real "skip locked" concurrency `PostgresStore` gets from
// Postgres for a global mutex: correct, but not representative of
// multi-host contention. Nothing in this repository constructs it: the
// store-backed test suites open Postgres through storetest.Setup.
type SQLiteStore struct {
	db *sql.DB
	mu *sync.Mutex
	tx *sql.Tx
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens an in-memory (or file-backed, given a DSN like
// "file:test.db") sqlite database for use as a test double for Store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite's single-writer model; matches the mutex guard below
	return &SQLiteStore{db: db, mu: &sync.Mutex{}}, nil
}

func (s *SQLiteStore) Close() {
	if s.tx == nil {
		_ = s.db.Close()
	}
}

func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var res sql.Result
	var err error
	if s.tx != nil {
		res, err = s.tx.ExecContext(ctx, query, args...)
	} else {
		s.mu.Lock()
		defer s.mu.Unlock()
		res, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	var rows *sql.Rows
	var err error
	if s.tx != nil {
		rows, err = s.tx.QueryContext(ctx, query, args...)
	} else {
		s.mu.Lock()
		defer s.mu.Unlock()
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...any) Row1 {
	var row *sql.Row
	if s.tx != nil {
		row = s.tx.QueryRowContext(ctx, query, args...)
	} else {
		s.mu.Lock()
		defer s.mu.Unlock()
		row = s.db.QueryRowContext(ctx, query, args...)
	}
	return sqlRow{row}
}

// Transaction serializes the whole callback behind the store mutex: sqlite
// has no real row-level locking, so every transaction is effectively
// exclusive for the duration of this test backend's use.
func (s *SQLiteStore) Transaction(ctx context.Context, operation string, fn func(ctx context.Context, txStore Store) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	txStore := &SQLiteStore{db: s.db, mu: s.mu, tx: tx}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Err() error { return r.Rows.Err() }

// sqlRow adapts *sql.Row to Row1, translating sql.ErrNoRows to the
// package's driver-neutral ErrNoRows.
type sqlRow struct {
	row *sql.Row
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}
