// Package db provides low-level database helpers shared by the metadata
// store: transaction wrapping and retry classification. The store itself
// (codespecs, buffers, runs, migrations) lives in internal/store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// WithTx wraps a function in a database transaction, handling commit,
// rollback, and panic recovery, following the same shape as the teacher's
// ENT-based WithTx helper but operating on *sql.Tx directly.
//
// Usage:
//
//	err := db.WithTx(ctx, conn, func(tx *sql.Tx) error {
//	    _, err := tx.ExecContext(ctx, "update runs set status = $1 where id = $2", status, id)
//	    return err
//	})
func WithTx(ctx context.Context, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()

	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// IsTransient reports whether err looks like a transient Postgres failure
// (connection loss, deadlock, serialization failure) as opposed to a
// semantic rejection (constraint violation, syntax error). Used to
// classify store errors as apperr.BackendTransient vs apperr.Internal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "40", // transaction rollback
			"53", // insufficient resources
			"08": // connection exception
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
