package local_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/naas/pkg/lock/local"
)

func TestLocker_BasicLockUnlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	// Acquire lock
	err := locker.Lock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)

	// Release lock
	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)
}

func TestLocker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	var (
		counter int64
		wg      sync.WaitGroup
	)

	// Start 10 goroutines that increment counter under lock

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 100; j++ {
				err := locker.Lock(ctx, "counter", 5*time.Second)
				assert.NoError(t, err)

				// Critical section
				val := atomic.LoadInt64(&counter)

				time.Sleep(time.Microsecond) // Simulate work
				atomic.StoreInt64(&counter, val+1)

				err = locker.Unlock(ctx, "counter")
				assert.NoError(t, err)
			}
		}()
	}

	wg.Wait()

	// All increments should have succeeded
	assert.Equal(t, int64(1000), atomic.LoadInt64(&counter))
}

func TestLocker_TryLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	// First acquisition should succeed
	acquired, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Second acquisition should fail (lock is held)
	acquired2, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired2)

	// Release lock
	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)

	// Third acquisition should succeed
	acquired3, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired3)

	// Cleanup
	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)
}

func TestLocker_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	// Holding one key must not block another key
	err := locker.Lock(ctx, "cred_salt", time.Second)
	require.NoError(t, err)

	acquired, err := locker.TryLock(ctx, "registry_sweep", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "distinct keys should not contend")

	// The held key still contends with itself
	acquired2, err := locker.TryLock(ctx, "cred_salt", time.Second)
	require.NoError(t, err)
	assert.False(t, acquired2)

	err = locker.Unlock(ctx, "cred_salt")
	require.NoError(t, err)

	err = locker.Unlock(ctx, "registry_sweep")
	require.NoError(t, err)
}
