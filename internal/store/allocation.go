// ABOUTME: Gift-matching budget ledger: allocation rows summed against a cap.
// ABOUTME: Callers serialize all mutations behind the single match-ledger advisory lock.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNoOpenLedger is returned when every match ledger is closed.
var ErrNoOpenLedger = errors.New("store: no open match ledger")

// Ledger is a matching-fund pot with a fixed cap.
type Ledger struct {
	ID       uuid.UUID
	Name     string
	CapPence int64
	Closed   bool
}

// AllocationStore persists match allocations. It performs no locking of its
// own: the allocator holds the global match-ledger advisory lock around
// every mutation.
type AllocationStore struct {
	s *Store
}

// CreateLedger opens a new matching pot.
func (a *AllocationStore) CreateLedger(ctx context.Context, name string, capPence int64) (uuid.UUID, error) {
	var id uuid.UUID
	err := a.s.pool.QueryRow(ctx,
		`INSERT INTO match_ledgers (name, cap_pence) VALUES ($1, $2) RETURNING id`,
		name, capPence).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create ledger: %w", err)
	}
	return id, nil
}

// OpenLedger returns the oldest ledger that is still accepting allocations.
func (a *AllocationStore) OpenLedger(ctx context.Context) (*Ledger, error) {
	var l Ledger
	err := a.s.pool.QueryRow(ctx, `
		SELECT id, name, cap_pence, closed
		FROM match_ledgers
		WHERE NOT closed
		ORDER BY created_at, id
		LIMIT 1`).Scan(&l.ID, &l.Name, &l.CapPence, &l.Closed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoOpenLedger
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &l, nil
}

// AllocatedPence sums the successful allocations against a ledger.
func (a *AllocationStore) AllocatedPence(ctx context.Context, ledgerID uuid.UUID) (int64, error) {
	var total int64
	err := a.s.pool.QueryRow(ctx, `
		SELECT COALESCE(sum(amount_pence), 0)
		FROM match_allocations
		WHERE ledger_id = $1 AND succeeded`, ledgerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum allocations: %w", err)
	}
	return total, nil
}

// RecordAllocation appends one allocation row.
func (a *AllocationStore) RecordAllocation(ctx context.Context, ledgerID, itemID uuid.UUID, amountPence int64, succeeded bool) error {
	_, err := a.s.pool.Exec(ctx, `
		INSERT INTO match_allocations (ledger_id, item_id, amount_pence, succeeded)
		VALUES ($1, $2, $3, $4)`,
		ledgerID, itemID, amountPence, succeeded)
	if err != nil {
		return fmt.Errorf("record allocation: %w", err)
	}
	return nil
}

// CloseLedger marks a ledger as no longer accepting allocations.
func (a *AllocationStore) CloseLedger(ctx context.Context, ledgerID uuid.UUID) error {
	_, err := a.s.pool.Exec(ctx,
		`UPDATE match_ledgers SET closed = true WHERE id = $1`, ledgerID)
	if err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}
