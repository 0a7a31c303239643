package lock_test

import (
	"context"
	"testing"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/lock"
)

func TestInProcessLocker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := lock.NewInProcess()

	got, err := l.TryAcquire(ctx, "pledge:1")
	if err != nil || !got {
		t.Fatalf("acquire: got=%v err=%v", got, err)
	}

	// Contended acquire fails fast.
	got, err = l.TryAcquire(ctx, "pledge:1")
	if err != nil {
		t.Fatalf("contended acquire: %v", err)
	}
	if got {
		t.Fatal("acquired a held key")
	}

	// Other keys are unaffected.
	if got, err := l.TryAcquire(ctx, "pledge:2"); err != nil || !got {
		t.Fatalf("unrelated key: got=%v err=%v", got, err)
	}

	if err := l.Release(ctx, "pledge:1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, err := l.TryAcquire(ctx, "pledge:1"); err != nil || !got {
		t.Fatalf("reacquire after release: got=%v err=%v", got, err)
	}

	if err := l.Release(ctx, "missing"); err == nil {
		t.Error("releasing an unheld key must error")
	}
}
