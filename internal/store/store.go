package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"tyger/internal/apperr"
	"tyger/internal/db"
)

// Store is the PostgreSQL-backed metadata store.
type Store struct {
	conn *sqlx.DB
}

// Open establishes a PostgreSQL connection using dsn and verifies
// connectivity with a ping, grounded on the teacher pack's
// internal/platform/database.Open idiom.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, apperr.Wrap(apperr.Validation, "store.Open", "dsn is required")
	}

	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "store.Open", fmt.Errorf("open postgres: %w", err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, apperr.New(apperr.BackendTransient, "store.Open", fmt.Errorf("ping postgres: %w", err))
	}

	return &Store{conn: conn}, nil
}

// New wraps an already-open connection, used by tests with sqlmock.
func New(conn *sqlx.DB) *Store { return &Store{conn: conn} }

// DB exposes the underlying *sql.DB for the migration runner.
func (s *Store) DB() *sql.DB { return s.conn.DB }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.conn.Close() }

// withTx runs fn in a transaction and classifies the resulting error
// into an apperr.Kind.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := db.WithTx(ctx, s.conn.DB, fn)
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		return apperr.New(apperr.PreconditionFailed, op, err)
	}
	if db.IsTransient(err) {
		return apperr.New(apperr.BackendTransient, op, err)
	}
	return apperr.New(apperr.Internal, op, err)
}

// wrapQueryErr classifies a read-path error, mapping sql.ErrNoRows to
// apperr.NotFound.
func wrapQueryErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return apperr.New(apperr.NotFound, op, err)
	}
	if db.IsTransient(err) {
		return apperr.New(apperr.BackendTransient, op, err)
	}
	return apperr.New(apperr.Internal, op, err)
}
