package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/netauto/naas/pkg/lock"
)

// Attribute values used when recording lock metrics.
const (
	// ModeLocal marks in-process locks.
	ModeLocal = "local"

	// ModeDistributed marks Redis-backed locks.
	ModeDistributed = "distributed"

	// ResultSuccess marks a successful acquisition.
	ResultSuccess = "success"

	// ResultContention marks an acquisition that lost to another holder.
	ResultContention = "contention"

	// FailureContextCanceled marks a failure caused by context cancellation.
	FailureContextCanceled = "context_canceled"

	// FailureRedisError marks a failure caused by a Redis error.
	FailureRedisError = "redis_error"

	// FailureMaxRetries marks a failure after exhausting all retries.
	FailureMaxRetries = "max_retries"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// lockAcquisitionsTotal tracks total lock acquisition attempts.
	//nolint:gochecknoglobals
	lockAcquisitionsTotal metric.Int64Counter

	// lockHoldDuration tracks how long locks are held.
	//nolint:gochecknoglobals
	lockHoldDuration metric.Float64Histogram

	// lockFailuresTotal tracks total lock failures.
	//nolint:gochecknoglobals
	lockFailuresTotal metric.Int64Counter

	// lockRetryAttemptsTotal tracks total retry attempts.
	//nolint:gochecknoglobals
	lockRetryAttemptsTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	lockAcquisitionsTotal, err = meter.Int64Counter(
		"naas_lock_acquisitions_total",
		metric.WithDescription("Total number of lock acquisition attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(err)
	}

	lockHoldDuration, err = meter.Float64Histogram(
		"naas_lock_hold_duration_seconds",
		metric.WithDescription("Duration that locks are held"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}

	lockFailuresTotal, err = meter.Int64Counter(
		"naas_lock_failures_total",
		metric.WithDescription("Total number of lock failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		panic(err)
	}

	lockRetryAttemptsTotal, err = meter.Int64Counter(
		"naas_lock_retry_attempts_total",
		metric.WithDescription("Total number of lock retry attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordLockAcquisition records a lock acquisition attempt.
// mode should be ModeLocal or ModeDistributed.
// result should be ResultSuccess or ResultContention.
func RecordLockAcquisition(ctx context.Context, mode, result string) {
	if lockAcquisitionsTotal == nil {
		return
	}

	lockAcquisitionsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("result", result),
		),
	)
}

// RecordLockDuration records how long a lock was held, in seconds.
// mode should be ModeLocal or ModeDistributed.
func RecordLockDuration(ctx context.Context, mode string, duration float64) {
	if lockHoldDuration == nil {
		return
	}

	lockHoldDuration.Record(ctx, duration,
		metric.WithAttributes(
			attribute.String("mode", mode),
		),
	)
}

// RecordLockFailure records a lock failure.
// mode should be ModeLocal or ModeDistributed.
// reason describes why the lock failed (e.g., FailureRedisError).
func RecordLockFailure(ctx context.Context, mode, reason string) {
	if lockFailuresTotal == nil {
		return
	}

	lockFailuresTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("reason", reason),
		),
	)
}

// RecordLockRetryAttempt records a lock retry attempt.
// mode should be ModeLocal or ModeDistributed.
func RecordLockRetryAttempt(ctx context.Context, mode string) {
	if lockRetryAttemptsTotal == nil {
		return
	}

	lockRetryAttemptsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
		),
	)
}
