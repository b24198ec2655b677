// Package store is the relational store: durable records for raw posts,
// events, signals, provider cache entries, the push outbox, and DLQ
// snapshots. It wraps *sqlx.DB/lib/pq and exposes a BaseStore transaction
// pattern (context-carried *sql.Tx, WithTx helper) adapted from the
// platform's storage layer, plus golang-migrate for schema management.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the relational store handle shared by every entity-specific
// file in this package (rawposts.go, events.go, signals.go, cache.go,
// outbox.go, dlq.go).
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and returns a Store. It does not run
// migrations; call Migrate explicitly so callers control when schema
// changes apply.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying *sqlx.DB, for callers that need pool tuning.
func (s *Store) DB() *sqlx.DB { return s.db }

// NewFromSqlxDB wraps an already-open *sqlx.DB, letting callers outside this
// package (other packages' tests, mainly) construct a Store against a
// sqlmock-backed connection without exposing the db field itself.
func NewFromSqlxDB(db *sqlx.DB) *Store { return &Store{db: db} }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies all pending embedded migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

type txKey struct{}

// TxFromContext extracts a transaction attached by WithTx, if any.
func TxFromContext(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}

func contextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx; every entity file
// resolves one of these via (s *Store) querier(ctx) before issuing SQL so
// a caller-started transaction is transparently reused.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *Store) querier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back if fn (or the commit) fails. Mutations on RawPost/Event/Signal/
// OutboxEntry/DLQSnapshot must happen inside one of these.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(contextWithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ErrNotFound mirrors sql.ErrNoRows for callers outside this package that
// shouldn't import database/sql just to compare errors.
var ErrNotFound = sql.ErrNoRows
