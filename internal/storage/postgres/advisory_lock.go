package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agt20-indexer/internal/storage"
)

// LedgerLockKey is the pg_advisory_lock key guarding ledger writers.
const LedgerLockKey int64 = 0x616774323000 // "agt20\x00"

// AdvisoryLocker implements storage.Locker with a session-level
// pg_try_advisory_lock held on a dedicated connection.
type AdvisoryLocker struct {
	pool *Pool
	key  int64
}

// NewAdvisoryLocker creates a locker for the given key.
func NewAdvisoryLocker(pool *Pool, key int64) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, key: key}
}

// Compile-time interface check.
var _ storage.Locker = (*AdvisoryLocker)(nil)

// TryLock acquires the advisory lock without waiting.
func (l *AdvisoryLocker) TryLock(ctx context.Context) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("%w (key %d)", storage.ErrLocked, l.key)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled at shutdown.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
				// Session locks die with the connection.
				_ = conn.Conn().Close(unlockCtx)
			}
			conn.Release()
		})
	}
	return release, nil
}
