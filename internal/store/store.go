// Package store provides the data access layer. Queue claim/mark operations
// use *pgxpool.Pool directly for pgx native transactions, SKIP LOCKED claims,
// and advisory locks; operator list queries with dynamic filters go through
// the stdlib adapter so squirrel-built SQL can run on the same pool.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Store is the central data access object. Domain methods live on the
// focused sub-types (PledgeStore, TrailStore, AllocationStore, SessionLock)
// returned by the accessor methods below; all share one pool.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// New creates a Store backed by pool. The stdlib adapter wraps the same pool
// so both access paths share connection limits and statement timeouts.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Pledges returns the structured-column work-item store.
func (s *Store) Pledges() *PledgeStore { return &PledgeStore{s: s} }

// Outbox returns the status-trail work-item store.
func (s *Store) Outbox() *TrailStore { return &TrailStore{s: s} }

// Allocations returns the gift-matching ledger store.
func (s *Store) Allocations() *AllocationStore { return &AllocationStore{s: s} }

// withTx runs fn inside a pgx transaction, committing on nil and rolling
// back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
