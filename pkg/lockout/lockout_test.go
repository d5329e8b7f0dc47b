package lockout_test

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/naas/pkg/kv"
	"github.com/netauto/naas/pkg/lockout"
)

func testTracker(t *testing.T) *lockout.Tracker {
	t.Helper()

	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	store, err := kv.New(context.Background(), kv.Config{Host: mr.Host(), Port: port})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return lockout.NewTracker(store, lockout.DefaultConfig())
}

func recordFailures(t *testing.T, tracker *lockout.Tracker, subject lockout.Subject, n int) {
	t.Helper()

	ctx := context.Background()

	for i := 0; i < n; i++ {
		_, _, err := tracker.Check(ctx, subject, true)
		require.NoError(t, err)
	}
}

func TestTracker_Check(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("clean subject is not locked", func(t *testing.T) {
		t.Parallel()

		tracker := testTracker(t)

		locked, count, err := tracker.Check(ctx, lockout.User("bob"), false)
		require.NoError(t, err)
		assert.False(t, locked)
		assert.Zero(t, count)
	})

	t.Run("nine failures do not lock, the tenth does", func(t *testing.T) {
		t.Parallel()

		tracker := testTracker(t)
		subject := lockout.User("bob")

		recordFailures(t, tracker, subject, 9)

		locked, count, err := tracker.Check(ctx, subject, false)
		require.NoError(t, err)
		assert.False(t, locked)
		assert.Equal(t, int64(9), count)

		locked, count, err = tracker.Check(ctx, subject, true)
		require.NoError(t, err)
		assert.True(t, locked)
		assert.Equal(t, int64(10), count)
	})

	t.Run("users and devices are tracked independently", func(t *testing.T) {
		t.Parallel()

		tracker := testTracker(t)

		recordFailures(t, tracker, lockout.User("bob"), 10)

		locked, count, err := tracker.Check(ctx, lockout.Device("10.0.0.1"), false)
		require.NoError(t, err)
		assert.False(t, locked)
		assert.Zero(t, count)
	})

	t.Run("check without recording never adds a failure", func(t *testing.T) {
		t.Parallel()

		tracker := testTracker(t)
		subject := lockout.Device("10.0.0.1")

		for i := 0; i < 20; i++ {
			locked, count, err := tracker.Check(ctx, subject, false)
			require.NoError(t, err)
			assert.False(t, locked)
			assert.Zero(t, count)
		}
	})
}

//nolint:paralleltest // modifying global timeNow
func TestTracker_WindowAging(t *testing.T) {
	ctx := context.Background()

	t.Run("failures age out of the window", func(t *testing.T) {
		tracker := testTracker(t)
		subject := lockout.User("bob")

		base := time.Now()

		cleanup := lockout.SetTimeNow(func() time.Time { return base })
		defer cleanup()

		recordFailures(t, tracker, subject, 10)

		locked, _, err := tracker.Check(ctx, subject, false)
		require.NoError(t, err)
		require.True(t, locked)

		// One second past the window the failures no longer count.
		cleanup2 := lockout.SetTimeNow(func() time.Time { return base.Add(10*time.Minute + time.Second) })
		defer cleanup2()

		locked, count, err := tracker.Check(ctx, subject, false)
		require.NoError(t, err)
		assert.False(t, locked)
		assert.Zero(t, count)
	})

	t.Run("recording while locked keeps the lockout alive", func(t *testing.T) {
		tracker := testTracker(t)
		subject := lockout.User("bob")

		base := time.Now()

		cleanup := lockout.SetTimeNow(func() time.Time { return base })
		defer cleanup()

		recordFailures(t, tracker, subject, 10)

		// Five minutes in, another failure lands.
		cleanup2 := lockout.SetTimeNow(func() time.Time { return base.Add(5 * time.Minute) })
		defer cleanup2()

		locked, count, err := tracker.Check(ctx, subject, true)
		require.NoError(t, err)
		assert.True(t, locked)
		assert.Equal(t, int64(11), count)

		// Eleven minutes in, the original ten aged out; only the
		// five-minute failure remains.
		cleanup3 := lockout.SetTimeNow(func() time.Time { return base.Add(11 * time.Minute) })
		defer cleanup3()

		locked, count, err = tracker.Check(ctx, subject, false)
		require.NoError(t, err)
		assert.False(t, locked)
		assert.Equal(t, int64(1), count)
	})
}

func TestTracker_SharedAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	store, err := kv.New(ctx, kv.Config{Host: mr.Host(), Port: port})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	// Two trackers over the same Redis stand in for two instances.
	first := lockout.NewTracker(store, lockout.DefaultConfig())
	second := lockout.NewTracker(store, lockout.DefaultConfig())

	recordFailures(t, first, lockout.User("bob"), 10)

	locked, count, err := second.Check(ctx, lockout.User("bob"), false)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, int64(10), count)
}

func TestTracker_DeviceLockoutAudit(t *testing.T) {
	t.Parallel()

	tracker := testTracker(t)
	subject := lockout.Device("10.0.0.1")

	var buf bytes.Buffer

	logger := zerolog.New(&buf)
	ctx := logger.WithContext(context.Background())

	for i := 0; i < 9; i++ {
		_, _, err := tracker.Check(ctx, subject, true)
		require.NoError(t, err)
	}

	assert.NotContains(t, buf.String(), "device.locked_out")

	locked, _, err := tracker.Check(ctx, subject, true)
	require.NoError(t, err)
	require.True(t, locked)

	assert.Contains(t, buf.String(), `"event_type":"device.locked_out"`)
	assert.Contains(t, buf.String(), `"failure_count":10`)
	assert.Contains(t, buf.String(), `"ip":"10.0.0.1"`)
}
