package locks

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker implements Locker with Postgres session advisory locks.
// The lease pins one pooled connection until released; if the process dies
// the session ends and Postgres drops the lock.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

// NewAdvisoryLocker creates a Postgres-backed locker.
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// advisoryKey maps a lock name to the bigint key space of pg_try_advisory_lock.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (Lease, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for advisory lock: %w", err)
	}

	id := advisoryKey(key)
	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, ErrLocked
	}
	return &advisoryLease{conn: conn, id: id}, nil
}

type advisoryLease struct {
	conn *pgxpool.Conn
	id   int64
	once sync.Once
	err  error
}

// Extend checks the pinned session is alive. Session locks have no expiry.
func (l *advisoryLease) Extend(ctx context.Context) error {
	if err := l.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: advisory lock session: %v", ErrLeaseLost, err)
	}
	return nil
}

func (l *advisoryLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		defer l.conn.Release()
		if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.id); err != nil {
			// Destroy the session so the lock cannot leak back into the pool.
			_ = l.conn.Conn().Close(ctx)
			l.err = fmt.Errorf("advisory unlock: %w", err)
		}
	})
	return l.err
}
