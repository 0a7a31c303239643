// Package lock defines the advisory locking capability used to serialize
// work on one logical resource across any number of worker processes.
//
// The contract is try-once, fail-fast: TryAcquire never blocks waiting for a
// holder, so "someone else is already retrying this item" becomes a cheap
// skip instead of a stall. Callers must release on every exit path; a crashed
// holder's locks are bounded by session teardown in the backing store.
package lock

import "context"

// Locker is an exclusive, non-reentrant, named mutex.
type Locker interface {
	// TryAcquire attempts to take the lock for key. It returns false
	// immediately if another session holds it.
	TryAcquire(ctx context.Context, key string) (bool, error)
	// Release frees the lock. Releasing a key that is not held is an error.
	Release(ctx context.Context, key string) error
}
