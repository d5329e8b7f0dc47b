// Package local provides a local (single-instance) lock implementation.
//
// Locks are keyed: distinct keys are independent mutexes, so bootstrap
// work guarded by one key never contends with maintenance work guarded
// by another. The TTL parameter is ignored since in-process locks are
// released explicitly or die with the process.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/netauto/naas/pkg/lock"
)

// Locker implements lock.Locker using one sync.Mutex per key.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// Track lock acquisition times for metrics (key -> acquisition time)
	acquisitionTimes sync.Map
}

// NewLocker creates a new local locker.
func NewLocker() lock.Locker {
	return &Locker{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires an exclusive lock for key. The ttl parameter is ignored.
func (l *Locker) Lock(ctx context.Context, key string, _ time.Duration) error {
	l.mutexFor(key).Lock()

	lock.RecordLockAcquisition(ctx, lock.ModeLocal, lock.ResultSuccess)

	// Track acquisition time for duration metrics
	l.acquisitionTimes.Store(key, time.Now())

	return nil
}

// Unlock releases the exclusive lock for key.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	// Calculate and record lock hold duration
	if val, ok := l.acquisitionTimes.LoadAndDelete(key); ok {
		if startTime, ok := val.(time.Time); ok {
			duration := time.Since(startTime).Seconds()
			lock.RecordLockDuration(ctx, lock.ModeLocal, duration)
		}
	}

	l.mutexFor(key).Unlock()

	return nil
}

// TryLock attempts to acquire an exclusive lock for key without blocking.
// The ttl parameter is ignored.
func (l *Locker) TryLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	acquired := l.mutexFor(key).TryLock()

	if acquired {
		lock.RecordLockAcquisition(ctx, lock.ModeLocal, lock.ResultSuccess)
		l.acquisitionTimes.Store(key, time.Now())
	} else {
		lock.RecordLockAcquisition(ctx, lock.ModeLocal, lock.ResultContention)
	}

	return acquired, nil
}

func (l *Locker) mutexFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}

	return m
}
