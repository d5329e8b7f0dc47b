package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/netauto/naas/pkg/queue"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// queueDepth tracks how many jobs wait in the pending list.
	//nolint:gochecknoglobals
	queueDepth metric.Int64Gauge

	// jobsEnqueuedTotal tracks jobs accepted onto the queue.
	//nolint:gochecknoglobals
	jobsEnqueuedTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	queueDepth, err = meter.Int64Gauge(
		"naas_queue_depth",
		metric.WithDescription("Number of jobs waiting in the pending list"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		panic(err)
	}

	jobsEnqueuedTotal, err = meter.Int64Counter(
		"naas_jobs_enqueued_total",
		metric.WithDescription("Total number of jobs accepted onto the queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordQueueDepth records the current pending-list length.
func RecordQueueDepth(ctx context.Context, depth int64) {
	if queueDepth == nil {
		return
	}

	queueDepth.Record(ctx, depth)
}

// RecordJobEnqueued records one accepted job.
func RecordJobEnqueued(ctx context.Context) {
	if jobsEnqueuedTotal == nil {
		return
	}

	jobsEnqueuedTotal.Add(ctx, 1)
}
