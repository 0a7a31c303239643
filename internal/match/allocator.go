// ABOUTME: Gift-matching allocator: mirrors succeeded pledges into the open ledger
// ABOUTME: until its cap is reached, serialized by one global advisory lock.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/lock"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/store"
)

// LockKey is the single advisory-lock resource that serializes every ledger
// mutation across all worker processes.
const LockKey = "match-ledger"

// Outcome describes what the allocator did with one pledge.
type Outcome int

const (
	// Allocated means the full pledge amount was matched.
	Allocated Outcome = iota
	// Partial means the ledger had headroom for only part of the amount.
	Partial
	// Exhausted means no open ledger had headroom; nothing was recorded.
	Exhausted
	// Skipped means allocation could not run (lock busy or no ledger) and
	// may be retried out of band.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Allocated:
		return "allocated"
	case Partial:
		return "partial"
	case Exhausted:
		return "exhausted"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Allocator applies matching funds to succeeded pledges. Every mutation runs
// under the global match-ledger advisory lock, so cap checks never race.
//
// Allocation is strictly best-effort: no error from here may fail the pledge
// that triggered it. Callers log the result and move on.
type Allocator struct {
	locker lock.Locker
	ledger *store.AllocationStore
	logger *slog.Logger
}

// NewAllocator wires the allocator. logger may not be nil.
func NewAllocator(locker lock.Locker, ledger *store.AllocationStore, logger *slog.Logger) *Allocator {
	return &Allocator{locker: locker, ledger: ledger, logger: logger}
}

// Allocate records a match for one succeeded pledge against the open ledger.
// If the remaining headroom is smaller than amountPence, the remainder is
// allocated and the ledger is closed. The advisory lock is try-once: if
// another process holds it, the allocation is skipped rather than blocking
// the worker loop.
func (a *Allocator) Allocate(ctx context.Context, itemID uuid.UUID, amountPence int64) (Outcome, int64, error) {
	if amountPence <= 0 {
		return Skipped, 0, fmt.Errorf("match: non-positive amount %d", amountPence)
	}

	got, err := a.locker.TryAcquire(ctx, LockKey)
	if err != nil {
		return Skipped, 0, fmt.Errorf("match: acquire ledger lock: %w", err)
	}
	if !got {
		a.logger.Debug("match ledger lock busy, skipping allocation",
			"item_id", itemID)
		return Skipped, 0, nil
	}
	defer func() {
		if err := a.locker.Release(ctx, LockKey); err != nil {
			a.logger.Warn("release match ledger lock", "error", err)
		}
	}()

	ledger, err := a.ledger.OpenLedger(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoOpenLedger) {
			return Exhausted, 0, nil
		}
		return Skipped, 0, fmt.Errorf("match: load open ledger: %w", err)
	}

	used, err := a.ledger.AllocatedPence(ctx, ledger.ID)
	if err != nil {
		return Skipped, 0, fmt.Errorf("match: sum ledger %s: %w", ledger.ID, err)
	}
	headroom := ledger.CapPence - used
	if headroom <= 0 {
		// A prior allocation landed exactly on the cap without closing.
		if err := a.ledger.CloseLedger(ctx, ledger.ID); err != nil {
			return Exhausted, 0, fmt.Errorf("match: close spent ledger %s: %w", ledger.ID, err)
		}
		return Exhausted, 0, nil
	}

	granted := amountPence
	outcome := Allocated
	if granted > headroom {
		granted = headroom
		outcome = Partial
	}
	if err := a.ledger.RecordAllocation(ctx, ledger.ID, itemID, granted, true); err != nil {
		return Skipped, 0, fmt.Errorf("match: record allocation: %w", err)
	}
	if used+granted >= ledger.CapPence {
		if err := a.ledger.CloseLedger(ctx, ledger.ID); err != nil {
			a.logger.Warn("close exhausted ledger", "ledger_id", ledger.ID, "error", err)
		}
	}

	a.logger.Info("match allocated",
		"item_id", itemID,
		"ledger_id", ledger.ID,
		"granted_pence", granted,
		"outcome", outcome.String())
	return outcome, granted, nil
}
