// Package redis provides a distributed lock.Locker backed by redsync.
//
// It rides the shared Redis connection, so a lock taken by one API or
// worker instance is visible to all of them. Locks carry a TTL and
// expire on their own if the holder dies before releasing.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/rs/zerolog"

	goredislib "github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/netauto/naas/pkg/kv"
	"github.com/netauto/naas/pkg/lock"
)

const keyPrefix = "naas:lock:"

// Locker implements lock.Locker on the shared Redis store.
type Locker struct {
	redsync *redsync.Redsync
	retry   kv.RetryConfig

	// mutexes tracks acquired locks for release
	mutexes map[string]*redsync.Mutex
	mu      sync.Mutex

	// Track lock acquisition times for duration metrics
	acquisitionTimes sync.Map
}

// NewLocker creates a distributed locker over the store's Redis client.
func NewLocker(store *kv.Store, retry kv.RetryConfig) lock.Locker {
	return &Locker{
		redsync: redsync.New(goredislib.NewPool(store.Client())),
		retry:   retry,
		mutexes: make(map[string]*redsync.Mutex),
	}
}

// Lock acquires an exclusive lock with retry and exponential backoff.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	var lastErr error

	for attempt := 0; attempt < l.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			lock.RecordLockRetryAttempt(ctx, lock.ModeDistributed)

			delay := kv.CalculateBackoff(l.retry, attempt)

			zerolog.Ctx(ctx).Debug().
				Str("key", key).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying lock acquisition after backoff")

			select {
			case <-ctx.Done():
				lock.RecordLockFailure(ctx, lock.ModeDistributed, lock.FailureContextCanceled)

				return ctx.Err()
			case <-time.After(delay):
			}
		}

		mutex := l.redsync.NewMutex(
			keyPrefix+key,
			redsync.WithExpiry(ttl),
			redsync.WithTries(1), // We handle retries ourselves
		)

		if err := mutex.LockContext(ctx); err != nil {
			lastErr = err

			if isContention(err) {
				// Lock is held by someone else, retry
				continue
			}

			// Other error, fail immediately
			lock.RecordLockFailure(ctx, lock.ModeDistributed, lock.FailureRedisError)

			return fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}

		l.mu.Lock()
		l.mutexes[key] = mutex
		l.mu.Unlock()

		lock.RecordLockAcquisition(ctx, lock.ModeDistributed, lock.ResultSuccess)
		l.acquisitionTimes.Store(key, time.Now())

		zerolog.Ctx(ctx).Debug().
			Str("key", key).
			Dur("ttl", ttl).
			Int("attempts", attempt+1).
			Msg("acquired distributed lock")

		return nil
	}

	// All retries exhausted
	lock.RecordLockFailure(ctx, lock.ModeDistributed, lock.FailureMaxRetries)

	return fmt.Errorf("failed to acquire lock %s after %d attempts: %w",
		key, l.retry.MaxAttempts, lastErr)
}

// Unlock releases an exclusive lock.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	// Record lock duration
	if val, ok := l.acquisitionTimes.LoadAndDelete(key); ok {
		if startTime, ok := val.(time.Time); ok {
			duration := time.Since(startTime).Seconds()
			lock.RecordLockDuration(ctx, lock.ModeDistributed, duration)
		}
	}

	l.mu.Lock()
	mutex, ok := l.mutexes[key]
	delete(l.mutexes, key)
	l.mu.Unlock()

	if !ok {
		// This can happen if Lock failed but Unlock is still called
		return nil
	}

	if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
		// Don't fail here - lock will expire via TTL
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("key", key).
			Msg("failed to release distributed lock (will expire via TTL)")

		return nil
	}

	zerolog.Ctx(ctx).Debug().
		Str("key", key).
		Msg("released distributed lock")

	return nil
}

// TryLock attempts to acquire an exclusive lock without retries.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	mutex := l.redsync.NewMutex(
		keyPrefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			// Lock is held by someone else
			lock.RecordLockAcquisition(ctx, lock.ModeDistributed, lock.ResultContention)

			return false, nil
		}

		lock.RecordLockFailure(ctx, lock.ModeDistributed, lock.FailureRedisError)

		return false, fmt.Errorf("error trying lock %s: %w", key, err)
	}

	l.mu.Lock()
	l.mutexes[key] = mutex
	l.mu.Unlock()

	lock.RecordLockAcquisition(ctx, lock.ModeDistributed, lock.ResultSuccess)
	l.acquisitionTimes.Store(key, time.Now())

	return true, nil
}

// isContention reports whether err means the lock is held by someone
// else, as opposed to Redis being unreachable or broken.
func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	return strings.Contains(err.Error(), "lock already taken")
}
