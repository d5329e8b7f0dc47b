// Package lockout enforces sliding-window failure lockouts.
//
// Every authentication failure lands in a per-subject Redis sorted set
// scored by timestamp. A subject with a full window of failures is
// locked out until enough of them age past the window; there is no
// reset command. Users and devices are tracked independently: users
// lock out on bad API credentials, devices on connection failures.
package lockout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/netauto/naas/pkg/audit"
	"github.com/netauto/naas/pkg/kv"
)

// timeNow allows mocking time.Now for testing purposes
//
//nolint:gochecknoglobals // This is used for testing purposes
var timeNow = time.Now

// SetTimeNow sets the time function for the package and returns a function to restore it.
// This is intended for testing purposes only.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}

const (
	// DefaultThreshold is the failure count at which a subject locks out.
	DefaultThreshold = 10

	// DefaultWindow is how far back failures count. A locked-out subject
	// recovers once enough failures age past this window.
	DefaultWindow = 10 * time.Minute
)

const (
	kindUser   = "user"
	kindDevice = "device"
)

// Subject identifies who or what accumulated the failures.
type Subject struct {
	kind string
	id   string
}

// User tracks failures of an API user's device credentials.
func User(username string) Subject { return Subject{kind: kindUser, id: username} }

// Device tracks connection failures of a network device.
func Device(ip string) Subject { return Subject{kind: kindDevice, id: ip} }

// String returns e.g. "user bob" or "device 10.0.0.1".
func (s Subject) String() string { return s.kind + " " + s.id }

func (s Subject) key() string {
	if s.kind == kindDevice {
		return "naas_failures_device_" + s.id
	}

	return "naas_failures_" + s.id
}

// Config holds the lockout policy.
type Config struct {
	// Threshold is the number of in-window failures that locks a subject out.
	Threshold int64

	// Window is the sliding window over which failures count.
	Window time.Duration
}

// DefaultConfig returns the production policy: 10 failures in 10 minutes.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Window: DefaultWindow}
}

// Tracker records and checks failures in the shared store, so a lockout
// raised by one instance holds on all of them.
type Tracker struct {
	store *kv.Store
	cfg   Config
}

// NewTracker creates a Tracker, filling zero config fields with defaults.
func NewTracker(store *kv.Store, cfg Config) *Tracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}

	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	return &Tracker{store: store, cfg: cfg}
}

// Check reports whether subject is locked out, optionally recording a
// new failure first. Expiry, the optional insert and the count run in
// one transaction so concurrent checks agree on the same window.
//
// Recording while already locked is allowed and keeps the lockout
// alive; a subject only recovers by staying quiet.
func (t *Tracker) Check(ctx context.Context, subject Subject, recordFailure bool) (bool, int64, error) {
	var (
		key         = subject.key()
		now         = timeNow()
		windowStart = now.Add(-t.cfg.Window).UnixMilli()
	)

	var card *redis.IntCmd

	_, err := t.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Exclusive bound: a failure exactly one window old still counts.
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(windowStart, 10))

		if recordFailure {
			pipe.ZAdd(ctx, key, redis.Z{
				Score:  float64(now.UnixMilli()),
				Member: uuid.NewString(),
			})
			pipe.Expire(ctx, key, t.cfg.Window)
		}

		card = pipe.ZCard(ctx, key)

		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("error updating failure window for %s: %w", subject, err)
	}

	count := card.Val()
	locked := count >= t.cfg.Threshold

	if locked && recordFailure {
		zerolog.Ctx(ctx).Warn().
			Stringer("subject", subject).
			Int64("failure_count", count).
			Msg("subject is locked out")

		if subject.kind == kindDevice {
			audit.Emit(ctx, audit.DeviceLockedOut, audit.Fields{
				"ip":            subject.id,
				"failure_count": count,
			})
		}
	}

	return locked, count, nil
}
