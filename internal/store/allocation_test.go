// ABOUTME: Integration tests for the match ledger store.
package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/store"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/testutil"
)

func TestAllocationLedgerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := testutil.NewTestDB(t).Allocations()

	if _, err := a.OpenLedger(ctx); !errors.Is(err, store.ErrNoOpenLedger) {
		t.Fatalf("OpenLedger with no ledgers: err = %v, want ErrNoOpenLedger", err)
	}

	first, err := a.CreateLedger(ctx, "spring-match", 10_000)
	if err != nil {
		t.Fatalf("CreateLedger: %v", err)
	}
	if _, err := a.CreateLedger(ctx, "summer-match", 5_000); err != nil {
		t.Fatalf("CreateLedger: %v", err)
	}

	// Oldest open ledger wins.
	open, err := a.OpenLedger(ctx)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if open.ID != first || open.CapPence != 10_000 {
		t.Errorf("open ledger = %+v, want the first one", open)
	}

	if err := a.RecordAllocation(ctx, first, uuid.New(), 3_000, true); err != nil {
		t.Fatalf("RecordAllocation: %v", err)
	}
	// Unsuccessful allocations do not count against the cap.
	if err := a.RecordAllocation(ctx, first, uuid.New(), 9_999, false); err != nil {
		t.Fatalf("RecordAllocation (failed): %v", err)
	}
	total, err := a.AllocatedPence(ctx, first)
	if err != nil {
		t.Fatalf("AllocatedPence: %v", err)
	}
	if total != 3_000 {
		t.Errorf("allocated = %d, want 3000", total)
	}

	if err := a.CloseLedger(ctx, first); err != nil {
		t.Fatalf("CloseLedger: %v", err)
	}
	open, err = a.OpenLedger(ctx)
	if err != nil {
		t.Fatalf("OpenLedger after close: %v", err)
	}
	if open.Name != "summer-match" {
		t.Errorf("open ledger after close = %q, want summer-match", open.Name)
	}
}
