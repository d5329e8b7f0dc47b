package queue_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/naas/pkg/credentials"
	"github.com/netauto/naas/pkg/kv"
	"github.com/netauto/naas/pkg/payload"
	"github.com/netauto/naas/pkg/queue"
)

func testQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	store, err := kv.New(context.Background(), kv.Config{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return queue.New(store, queue.Config{}), mr
}

func testJob(id string) *queue.Job {
	return &queue.Job{
		ID: id,
		Task: payload.Task{
			IP:          "10.0.0.1",
			Port:        22,
			Platform:    "cisco_ios",
			DelayFactor: 1,
			Mode:        payload.ModeCommand,
			Commands:    []string{"show version"},
		},
		OwnerHash:   "deadbeef",
		Credentials: credentials.New("netops", "hunter2", ""),
	}
}

func TestQueue_EnqueueAndFetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := testQueue(t)

	job := testJob("11111111-1111-4111-8111-111111111111")
	require.NoError(t, q.Enqueue(ctx, job))

	assert.Equal(t, queue.StatusQueued, job.Status)
	assert.False(t, job.CreatedAt.IsZero())

	got, err := q.Fetch(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Equal(t, job.Task, got.Task)
	assert.Equal(t, "deadbeef", got.OwnerHash)
	assert.Equal(t, job.Credentials, got.Credentials)
	assert.Zero(t, got.RetriesUsed)
	assert.Empty(t, got.Error)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	exists, err := q.Exists(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = q.Fetch(ctx, "22222222-2222-4222-8222-222222222222")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestQueue_DuplicateEnqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := testQueue(t)

	id := "11111111-1111-4111-8111-111111111111"
	require.NoError(t, q.Enqueue(ctx, testJob(id)))

	err := q.Enqueue(ctx, testJob(id))
	require.ErrorIs(t, err, queue.ErrDuplicateJob)

	// The losing enqueue must not have pushed a second pending entry.
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestQueue_Dequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := testQueue(t)

	first := testJob("11111111-1111-4111-8111-111111111111")
	second := testJob("22222222-2222-4222-8222-222222222222")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, first.Credentials, got.Credentials)

	got, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrNoJob)
}

func TestQueue_DequeueSkipsCancelled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := testQueue(t)

	cancelled := testJob("11111111-1111-4111-8111-111111111111")
	runnable := testJob("22222222-2222-4222-8222-222222222222")
	require.NoError(t, q.Enqueue(ctx, cancelled))
	require.NoError(t, q.Enqueue(ctx, runnable))

	status, err := q.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, status)

	// Cancelling drops the stored credentials and starts the result TTL.
	got, err := q.Fetch(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, got.Status)
	assert.Empty(t, got.Credentials.Username)
	assert.False(t, got.EndedAt.IsZero())
	assert.Equal(t, queue.DefaultSuccessTTL, mr.TTL("naas:job:"+cancelled.ID))

	dequeued, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, runnable.ID, dequeued.ID)
}

func TestQueue_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := testQueue(t)

	job := testJob("11111111-1111-4111-8111-111111111111")
	require.NoError(t, q.Enqueue(ctx, job))

	require.NoError(t, q.MarkStarted(ctx, job.ID))

	started, err := q.Fetch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusStarted, started.Status)
	assert.False(t, started.StartedAt.IsZero())

	// A second start must not succeed.
	require.Error(t, q.MarkStarted(ctx, job.ID))

	results := map[string]string{"show version": "Cisco IOS Software"}
	require.NoError(t, q.MarkFinished(ctx, job.ID, results, "", 0))

	finished, err := q.Fetch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, finished.Status)
	assert.Equal(t, results, finished.Results)
	assert.Empty(t, finished.Error)
	assert.False(t, finished.EndedAt.IsZero())

	// Terminal jobs drop their credentials and expire by TTL.
	assert.Empty(t, finished.Credentials.Username)
	assert.Empty(t, finished.Credentials.Password)
	assert.Equal(t, queue.DefaultSuccessTTL, mr.TTL("naas:job:"+job.ID))

	// Terminal is terminal.
	err = q.MarkFinished(ctx, job.ID, nil, "", 0)
	require.ErrorIs(t, err, queue.ErrTerminalState)
	err = q.MarkFailed(ctx, job.ID, "boom", 0)
	require.ErrorIs(t, err, queue.ErrTerminalState)
}

func TestQueue_MarkFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := testQueue(t)

	job := testJob("11111111-1111-4111-8111-111111111111")
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.MarkStarted(ctx, job.ID))

	jobErr := "Unknown SSH error connecting to device 10.0.0.1: connection reset"
	require.NoError(t, q.MarkFailed(ctx, job.ID, jobErr, 5))

	failed, err := q.Fetch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, failed.Status)
	assert.Equal(t, jobErr, failed.Error)
	assert.Nil(t, failed.Results)
	assert.Equal(t, 5, failed.RetriesUsed)

	// Failures stay around longer than successes.
	assert.Equal(t, queue.DefaultFailedTTL, mr.TTL("naas:job:"+job.ID))
}

func TestQueue_FinishedWithJobError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := testQueue(t)

	job := testJob("11111111-1111-4111-8111-111111111111")
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.MarkStarted(ctx, job.ID))

	jobErr := "Circuit breaker open for device 10.0.0.1 - too many recent failures"
	require.NoError(t, q.MarkFinished(ctx, job.ID, nil, jobErr, 0))

	got, err := q.Fetch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, got.Status)
	assert.Nil(t, got.Results)
	assert.Equal(t, jobErr, got.Error)
}

func TestQueue_CancelConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := testQueue(t)

	job := testJob("11111111-1111-4111-8111-111111111111")
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.MarkStarted(ctx, job.ID))

	status, err := q.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, queue.ErrNotCancellable)
	assert.Equal(t, queue.StatusStarted, status)

	require.NoError(t, q.MarkFinished(ctx, job.ID, nil, "", 0))

	status, err = q.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, queue.ErrTerminalState)
	assert.Equal(t, queue.StatusFinished, status)

	_, err = q.Cancel(ctx, "22222222-2222-4222-8222-222222222222")
	require.ErrorIs(t, err, queue.ErrNotFound)
}
