package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/netauto/naas/pkg/queue"
)

const (
	otelPackageName = "github.com/netauto/naas/pkg/worker"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// workersActive tracks how many workers are executing a job right now.
	//nolint:gochecknoglobals
	workersActive metric.Int64UpDownCounter

	// jobsProcessed tracks executed jobs by final status.
	//nolint:gochecknoglobals
	jobsProcessed metric.Int64Counter

	// jobDuration tracks end-to-end job execution time.
	//nolint:gochecknoglobals
	jobDuration metric.Float64Histogram
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	workersActive, err = meter.Int64UpDownCounter(
		"naas_workers_active",
		metric.WithDescription("Number of workers currently executing a job"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		panic(err)
	}

	jobsProcessed, err = meter.Int64Counter(
		"naas_jobs_processed_total",
		metric.WithDescription("Total number of jobs executed, by final status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		panic(err)
	}

	jobDuration, err = meter.Float64Histogram(
		"naas_job_duration_seconds",
		metric.WithDescription("End-to-end job execution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordWorkerBusy moves the active-worker gauge by delta.
func RecordWorkerBusy(ctx context.Context, delta int64) {
	if workersActive == nil {
		return
	}

	workersActive.Add(ctx, delta)
}

// RecordJobProcessed records one executed job and its final status.
func RecordJobProcessed(ctx context.Context, status queue.Status) {
	if jobsProcessed == nil {
		return
	}

	jobsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
	))
}

// RecordJobDuration records how long one job took to execute.
func RecordJobDuration(ctx context.Context, status queue.Status, elapsed time.Duration) {
	if jobDuration == nil {
		return
	}

	jobDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("status", string(status)),
	))
}
