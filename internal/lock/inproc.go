package lock

import (
	"context"
	"fmt"
	"sync"
)

// InProcess is a Locker backed by a process-local mutex map. Suitable for
// single-node deployments and deterministic tests; it provides none of the
// cross-process guarantees of the database-backed locker.
type InProcess struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewInProcess returns an empty in-process locker.
func NewInProcess() *InProcess {
	return &InProcess{held: make(map[string]bool)}
}

// TryAcquire implements Locker.
func (l *InProcess) TryAcquire(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

// Release implements Locker.
func (l *InProcess) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[key] {
		return fmt.Errorf("lock: release of unheld key %q", key)
	}
	delete(l.held, key)
	return nil
}
