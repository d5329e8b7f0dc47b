package queue

import (
	"context"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/naas/pkg/kv"
	"github.com/netauto/naas/pkg/lock/local"
)

func TestRunSweep(t *testing.T) {
	t.Parallel()

	t.Run("reaps orphaned registry entries when the lock is free", func(t *testing.T) {
		t.Parallel()

		ctx := newContext()
		q, client := testQueue(t)

		seedOrphan(t, client, q, "11111111-1111-4111-8111-111111111111")

		sweep := q.runSweep(ctx, local.NewLocker())
		sweep()

		n, err := client.ZCard(ctx, q.registryKey(StatusFinished)).Result()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("skips the run when another instance holds the lock", func(t *testing.T) {
		t.Parallel()

		ctx := newContext()
		q, client := testQueue(t)

		seedOrphan(t, client, q, "22222222-2222-4222-8222-222222222222")

		locker := local.NewLocker()
		require.NoError(t, locker.Lock(ctx, sweepLockKey, sweepLockTTL))

		sweep := q.runSweep(ctx, locker)
		sweep()

		// The orphan survives because this instance lost the try-lock.
		n, err := client.ZCard(ctx, q.registryKey(StatusFinished)).Result()
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}

func testQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	store, err := kv.New(newContext(), kv.Config{Host: mr.Host(), Port: port})
	require.NoError(t, err)

	return New(store, Config{}), store.Client()
}

// seedOrphan plants a registry entry whose job hash is gone, the state a
// job reaches once its TTL fires.
func seedOrphan(t *testing.T, client *redis.Client, q *Queue, id string) {
	t.Helper()

	err := client.ZAdd(newContext(), q.registryKey(StatusFinished), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: id,
	}).Err()
	require.NoError(t, err)
}

func newContext() context.Context {
	return zerolog.New(io.Discard).WithContext(context.Background())
}
