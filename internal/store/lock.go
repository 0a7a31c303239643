// ABOUTME: Postgres advisory locks keyed by resource string, try-once fail-fast.
// ABOUTME: Each held lock pins a pool connection; session teardown frees crashed holders.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/lock"
)

// SessionLock implements lock.Locker with pg_try_advisory_lock. Advisory
// locks are session-scoped, so each acquired key holds a dedicated pool
// connection until Release; if the process dies, Postgres frees the lock
// when the connection drops.
type SessionLock struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

var _ lock.Locker = (*SessionLock)(nil)

// Locks returns the advisory locker backed by this store's pool.
func (s *Store) Locks() *SessionLock {
	return &SessionLock{pool: s.pool, held: make(map[string]*pgxpool.Conn)}
}

// TryAcquire takes the advisory lock for key, or reports false without
// waiting if any other session holds it. Non-reentrant: acquiring a key this
// locker already holds is an error.
func (l *SessionLock) TryAcquire(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	if _, ok := l.held[key]; ok {
		l.mu.Unlock()
		return false, fmt.Errorf("advisory lock: %q already held by this locker", key)
	}
	l.mu.Unlock()

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock: acquire connection: %w", err)
	}

	var got bool
	// hashtextextended folds the resource string to the bigint key space
	// Postgres advisory locks require.
	if err := conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&got); err != nil {
		conn.Release()
		return false, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	if !got {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	l.held[key] = conn
	l.mu.Unlock()
	return true, nil
}

// Release unlocks key and returns its connection to the pool.
func (l *SessionLock) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("advisory lock: release of unheld key %q", key)
	}
	defer conn.Release()

	var unlocked bool
	if err := conn.QueryRow(ctx,
		`SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key).Scan(&unlocked); err != nil {
		return fmt.Errorf("advisory unlock %q: %w", key, err)
	}
	if !unlocked {
		return fmt.Errorf("advisory unlock %q: lock was not held by this session", key)
	}
	return nil
}
