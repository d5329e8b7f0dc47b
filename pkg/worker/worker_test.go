package worker_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/naas/pkg/breaker"
	"github.com/netauto/naas/pkg/credentials"
	"github.com/netauto/naas/pkg/driver"
	"github.com/netauto/naas/pkg/kv"
	"github.com/netauto/naas/pkg/lockout"
	"github.com/netauto/naas/pkg/payload"
	"github.com/netauto/naas/pkg/queue"
	"github.com/netauto/naas/pkg/worker"
)

const testIP = "10.0.0.9"

type fakeDriver struct {
	outputs   map[string]string
	configOut string
	saveErr   error
	commitErr error
}

func (d *fakeDriver) SendCommand(_ context.Context, command string) (string, error) {
	return d.outputs[command], nil
}

func (d *fakeDriver) SendConfigSet(_ context.Context, _ []string) (string, error) {
	return d.configOut, nil
}

func (d *fakeDriver) SaveConfig(_ context.Context) (string, error) { return "", d.saveErr }

func (d *fakeDriver) Commit(_ context.Context) (string, error) { return "", d.commitErr }

func (d *fakeDriver) Disconnect() error { return nil }

type fakeConnector struct {
	mu     sync.Mutex
	calls  int
	err    error
	driver driver.Driver
}

func (c *fakeConnector) Connect(
	_ context.Context,
	_ driver.Target,
	_ credentials.Credentials,
) (driver.Driver, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	return c.driver, nil
}

func (c *fakeConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

type harness struct {
	mr        *miniredis.Miniredis
	store     *kv.Store
	queue     *queue.Queue
	breaker   *breaker.Breaker
	tracker   *lockout.Tracker
	connector *fakeConnector
	logs      *bytes.Buffer
	ctx       context.Context
}

func newHarness(t *testing.T, connector *fakeConnector) *harness {
	t.Helper()

	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	store, err := kv.New(context.Background(), kv.Config{Host: mr.Host(), Port: port})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	logs := &bytes.Buffer{}
	logger := zerolog.New(zerolog.SyncWriter(logs))

	return &harness{
		mr:        mr,
		store:     store,
		queue:     queue.New(store, queue.Config{}),
		breaker:   breaker.New(store, breaker.DefaultConfig()),
		tracker:   lockout.NewTracker(store, lockout.DefaultConfig()),
		connector: connector,
		logs:      logs,
		ctx:       logger.WithContext(context.Background()),
	}
}

func (h *harness) pool(t *testing.T, cfg worker.Config) *worker.Pool {
	t.Helper()

	return worker.New(h.store, h.queue, h.breaker, h.tracker, h.connector, cfg)
}

// start runs the pool in the background and returns a stop function that
// cancels it and waits for a clean exit.
func (h *harness) start(t *testing.T, p *worker.Pool) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)

	go func() { done <- p.Run(ctx) }()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			cancel()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("worker pool did not stop")
			}
		})
	}

	t.Cleanup(stop)

	return stop
}

func (h *harness) enqueue(t *testing.T, id string, task payload.Task) {
	t.Helper()

	job := &queue.Job{
		ID:          id,
		Task:        task,
		OwnerHash:   "owner",
		Credentials: credentials.New("bob", "hunter2", "s3cret"),
	}
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
}

func (h *harness) waitForStatus(t *testing.T, id string, want queue.Status) *queue.Job {
	t.Helper()

	var job *queue.Job

	require.Eventually(t, func() bool {
		j, err := h.queue.Fetch(context.Background(), id)
		if err != nil || j.Status != want {
			return false
		}

		job = j

		return true
	}, 10*time.Second, 20*time.Millisecond, "job %s never reached %s", id, want)

	return job
}

func commandTask(commands ...string) payload.Task {
	return payload.Task{
		IP:       testIP,
		Port:     22,
		Platform: "cisco_ios",
		Mode:     payload.ModeCommand,
		Commands: commands,
	}
}

func TestPool_CommandJobSucceeds(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{driver: &fakeDriver{outputs: map[string]string{
		"show version":      "IOS XE 17.9",
		"show ip int brief": "Interface  IP-Address",
	}}}
	h := newHarness(t, connector)

	h.enqueue(t, "job-1", commandTask("show version", "show ip int brief"))

	stop := h.start(t, h.pool(t, worker.Config{Count: 1}))

	job := h.waitForStatus(t, "job-1", queue.StatusFinished)

	assert.Equal(t, map[string]string{
		"show version":      "IOS XE 17.9",
		"show ip int brief": "Interface  IP-Address",
	}, job.Results)
	assert.Empty(t, job.Error)
	assert.Equal(t, 1, connector.callCount())

	// Credentials must not outlive the job.
	assert.Empty(t, h.mr.HGet("naas:job:job-1", "credentials"))

	stop()

	assert.Contains(t, h.logs.String(), `"event_type":"job.completed"`)
	assert.Contains(t, h.logs.String(), `"status":"finished"`)
}

func TestPool_ConfigJobAggregatesOutput(t *testing.T) {
	t.Parallel()

	// Saving is unsupported on this platform; the job must still finish.
	connector := &fakeConnector{driver: &fakeDriver{
		configOut: "config applied",
		saveErr:   fmt.Errorf("%w: no save on this platform", driver.ErrNotSupported),
	}}
	h := newHarness(t, connector)

	h.enqueue(t, "job-1", payload.Task{
		IP:         testIP,
		Port:       22,
		Platform:   "juniper_junos",
		Mode:       payload.ModeConfig,
		Config:     []string{"set system host-name lab"},
		SaveConfig: true,
		Commit:     true,
	})

	h.start(t, h.pool(t, worker.Config{Count: 1}))

	job := h.waitForStatus(t, "job-1", queue.StatusFinished)

	assert.Equal(t, map[string]string{"config_set_output": "config applied"}, job.Results)
	assert.Empty(t, job.Error)
}

func TestPool_AuthFailureFinishesWithoutRetry(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{
		err: fmt.Errorf("%w for %s: ssh: unable to authenticate", driver.ErrAuth, testIP),
	}
	h := newHarness(t, connector)

	h.enqueue(t, "job-1", commandTask("show version"))

	stop := h.start(t, h.pool(t, worker.Config{Count: 1}))

	job := h.waitForStatus(t, "job-1", queue.StatusFinished)

	assert.Nil(t, job.Results)
	assert.Contains(t, job.Error, "authentication failed")

	// One attempt only: bad credentials never earn a retry.
	assert.Equal(t, 1, connector.callCount())

	// The user is charged, not the device.
	ctx := context.Background()
	userFailures, err := h.store.Client().ZCard(ctx, "naas_failures_bob").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), userFailures)

	deviceFailures, err := h.store.Client().ZCard(ctx, "naas_failures_device_"+testIP).Result()
	require.NoError(t, err)
	assert.Zero(t, deviceFailures)

	// The breaker saw a completed call, so its failure count stays zero.
	assert.Equal(t, "0", h.mr.HGet("circuit_breaker:device_"+testIP, "counter"))

	stop()

	assert.Contains(t, h.logs.String(), `"status":"failed"`)
}

func TestPool_TransientFailureRetriesThenFails(t *testing.T) {
	t.Parallel()

	dialErr := fmt.Errorf("%w for %s: dial tcp: i/o timeout", driver.ErrTimeout, testIP)
	connector := &fakeConnector{err: dialErr}
	h := newHarness(t, connector)

	h.enqueue(t, "job-1", commandTask("show version"))

	h.start(t, h.pool(t, worker.Config{Count: 1, MaxAttempts: 2}))

	job := h.waitForStatus(t, "job-1", queue.StatusFailed)

	// Timeouts keep the driver's error text.
	assert.Equal(t, dialErr.Error(), job.Error)
	assert.Equal(t, 2, connector.callCount())
	assert.Equal(t, 1, job.RetriesUsed)

	// Every failed attempt counts against the device and the breaker.
	deviceFailures, err := h.store.Client().ZCard(context.Background(), "naas_failures_device_"+testIP).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), deviceFailures)

	assert.Equal(t, "2", h.mr.HGet("circuit_breaker:device_"+testIP, "counter"))
}

func TestPool_UnknownSSHErrorIsLabelled(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{
		err: fmt.Errorf("ssh error for %s: %w", testIP, errors.New("banner exchange failed")),
	}
	h := newHarness(t, connector)

	h.enqueue(t, "job-1", commandTask("show version"))

	h.start(t, h.pool(t, worker.Config{Count: 1, MaxAttempts: 1}))

	job := h.waitForStatus(t, "job-1", queue.StatusFailed)

	assert.Equal(t,
		fmt.Sprintf("Unknown SSH error connecting to device %s: ssh error for %s: banner exchange failed", testIP, testIP),
		job.Error)
}

func TestPool_OpenCircuitFinishesJobWithoutConnecting(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{driver: &fakeDriver{}}
	h := newHarness(t, connector)

	// Trip the breaker before any job runs.
	for i := 0; i < 5; i++ {
		err := h.breaker.Execute(context.Background(), testIP, func() error {
			return errors.New("dial tcp: i/o timeout")
		})
		require.Error(t, err)
	}

	h.enqueue(t, "job-1", commandTask("show version"))

	h.start(t, h.pool(t, worker.Config{Count: 1}))

	job := h.waitForStatus(t, "job-1", queue.StatusFinished)

	assert.Nil(t, job.Results)
	assert.Equal(t,
		fmt.Sprintf("Circuit breaker open for device %s - too many recent failures", testIP),
		job.Error)
	assert.Zero(t, connector.callCount(), "open circuit must not touch the device")

	// The rejection itself counts as a device failure.
	deviceFailures, err := h.store.Client().ZCard(context.Background(), "naas_failures_device_"+testIP).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deviceFailures)
}

func TestPool_CancelledJobIsSkipped(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{driver: &fakeDriver{}}
	h := newHarness(t, connector)

	ctx := context.Background()

	h.enqueue(t, "job-1", commandTask("show version"))

	status, err := h.queue.Cancel(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, status)

	h.start(t, h.pool(t, worker.Config{Count: 1}))

	// The pending entry is consumed without running anything.
	require.Eventually(t, func() bool {
		depth, err := h.queue.Depth(ctx)

		return err == nil && depth == 0
	}, 10*time.Second, 20*time.Millisecond)

	job, err := h.queue.Fetch(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, job.Status)
	assert.Zero(t, connector.callCount())
}

func TestPool_CensusLifecycle(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{driver: &fakeDriver{}}
	h := newHarness(t, connector)

	census := worker.NewCensus(h.store)
	ctx := context.Background()

	stop := h.start(t, h.pool(t, worker.Config{Count: 2}))

	var entries []worker.Entry

	require.Eventually(t, func() bool {
		var err error

		entries, err = census.Scan(ctx)

		return err == nil && len(entries) == 2
	}, 10*time.Second, 20*time.Millisecond)

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		assert.Equal(t, worker.StateIdle, entry.State)
		assert.Empty(t, entry.JobID)
		assert.False(t, entry.Heartbeat.IsZero())

		names = append(names, entry.Name)
	}

	// Both workers share one launch suffix.
	assert.Len(t, names, 2)

	for _, name := range names {
		assert.True(t,
			strings.HasPrefix(name, "naas_1_") || strings.HasPrefix(name, "naas_2_"),
			"unexpected worker name %q", name)
	}

	stop()

	entries, err := census.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "census entries must be removed on clean shutdown")
}
