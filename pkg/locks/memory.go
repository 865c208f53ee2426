package locks

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryLocker is an in-process Locker for single-instance runs and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	return &memoryLease{locker: l, key: key}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key      string
	once     sync.Once
	released atomic.Bool
}

// Extend has nothing to refresh in process; it only reports a released lease.
func (l *memoryLease) Extend(context.Context) error {
	if l.released.Load() {
		return ErrLeaseLost
	}
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.released.Store(true)
		l.locker.mu.Lock()
		delete(l.locker.held, l.key)
		l.locker.mu.Unlock()
	})
	return nil
}
