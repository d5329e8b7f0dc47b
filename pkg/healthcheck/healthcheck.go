// Package healthcheck keeps a periodically refreshed snapshot of the
// pieces a NAAS instance depends on: the Redis store, the queue, and the
// worker fleet census. The HTTP health endpoint reads the latest snapshot
// instead of probing dependencies on every request.
package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netauto/naas/pkg/kv"
	"github.com/netauto/naas/pkg/queue"
	"github.com/netauto/naas/pkg/worker"
)

// Overall health states, in decreasing severity.
const (
	// StatusDegraded means the store is unreachable; nothing works
	// without it.
	StatusDegraded = "degraded"

	// StatusNoWorkers means jobs are accepted but nothing will run them.
	StatusNoWorkers = "no_workers"

	// StatusOK means the store answers and at least one worker is alive.
	StatusOK = "OK"
)

// DefaultInterval is how often the monitor refreshes its snapshot.
const DefaultInterval = 15 * time.Second

// Snapshot is one observation of the instance's dependencies.
type Snapshot struct {
	KVHealthy  bool
	KVLatency  time.Duration
	QueueDepth int64
	Workers    int
	Busy       int
	CheckedAt  time.Time
}

// Status derives the overall state. An unreachable store outranks an
// empty worker fleet.
func (s Snapshot) Status() string {
	switch {
	case !s.KVHealthy:
		return StatusDegraded
	case s.Workers == 0:
		return StatusNoWorkers
	default:
		return StatusOK
	}
}

// StatusChange reports the overall state moving between two values.
type StatusChange struct {
	From string
	To   string
}

// Monitor refreshes the snapshot on a ticker.
type Monitor struct {
	mu       sync.RWMutex
	snapshot Snapshot

	store  *kv.Store
	queue  *queue.Queue
	census *worker.Census
	ticker *time.Ticker

	// changeNotifier is told when the overall status changes.
	changeNotifier chan<- StatusChange
}

// New creates a monitor over the store, the queue, and the worker census.
// A non-positive interval takes the default.
func New(store *kv.Store, q *queue.Queue, census *worker.Census, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Monitor{
		store:  store,
		queue:  q,
		census: census,
		ticker: time.NewTicker(interval),
	}
}

// SetChangeNotifier sets the channel told about overall status changes.
// Sends never block; a full channel drops the notification.
func (m *Monitor) SetChangeNotifier(ch chan<- StatusChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeNotifier = ch
}

// Start seeds the snapshot and refreshes it until the context is
// cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.check(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				m.ticker.Stop()

				return
			case <-m.ticker.C:
				m.check(ctx)
			}
		}
	}()
}

// Snapshot returns the latest observation.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snapshot
}

func (m *Monitor) check(ctx context.Context) {
	next := m.observe(ctx)

	m.mu.Lock()
	prev := m.snapshot
	m.snapshot = next
	notifier := m.changeNotifier
	m.mu.Unlock()

	// The seed observation is a baseline, not a change.
	if prev.CheckedAt.IsZero() {
		return
	}

	from, to := prev.Status(), next.Status()
	if from == to {
		return
	}

	zerolog.Ctx(ctx).Warn().
		Str("from", from).
		Str("to", to).
		Int("workers", next.Workers).
		Bool("kv_healthy", next.KVHealthy).
		Msg("health status changed")

	if notifier != nil {
		select {
		case notifier <- StatusChange{From: from, To: to}:
		default:
			// Non-blocking send
		}
	}
}

func (m *Monitor) observe(ctx context.Context) Snapshot {
	snapshot := Snapshot{CheckedAt: time.Now()}

	latency, err := m.store.Ping(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("kv store is not healthy")

		return snapshot
	}

	snapshot.KVHealthy = true
	snapshot.KVLatency = latency

	depth, err := m.queue.Depth(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error reading queue depth")
	} else {
		snapshot.QueueDepth = depth
		queue.RecordQueueDepth(ctx, depth)
	}

	entries, err := m.census.Scan(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error scanning worker census")

		return snapshot
	}

	snapshot.Workers = len(entries)

	for _, entry := range entries {
		if entry.State == worker.StateBusy {
			snapshot.Busy++
		}
	}

	return snapshot
}
