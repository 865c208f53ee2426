// Package locks provides per-account leases that keep two syncs of the same
// account from running at once, across processes.
package locks

import (
	"context"
	"errors"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("lock is held by another owner")

// ErrLeaseLost is returned by Extend when the lease expired or was released.
var ErrLeaseLost = errors.New("lease is no longer held")

// Lease is a held lock. Release is idempotent.
type Lease interface {
	// Extend pushes the lease's expiry out by the locker's TTL.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker acquires named leases without blocking.
type Locker interface {
	// TryLock acquires key or returns ErrLocked immediately.
	TryLock(ctx context.Context, key string) (Lease, error)
}
