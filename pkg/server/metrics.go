package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// httpRequests counts handled requests by method, route and code.
	//nolint:gochecknoglobals
	httpRequests metric.Int64Counter

	// httpRequestDuration tracks handler latency by method, route and
	// code.
	//nolint:gochecknoglobals
	httpRequestDuration metric.Float64Histogram
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(tracerName)

	var err error

	httpRequests, err = meter.Int64Counter(
		"naas_http_requests_total",
		metric.WithDescription("Total number of handled HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	httpRequestDuration, err = meter.Float64Histogram(
		"naas_http_request_duration_seconds",
		metric.WithDescription("HTTP request handling time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

// requestMetrics records the request counter and the latency histogram
// for every handled request, labelled with the matched chi route rather
// than the raw path so job ids do not explode the cardinality.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			attrs := metric.WithAttributes(
				attribute.String("app", appName),
				attribute.String("method", r.Method),
				attribute.String("route", chi.RouteContext(r.Context()).RoutePattern()),
				attribute.String("code", strconv.Itoa(status)),
			)

			if httpRequests != nil {
				httpRequests.Add(r.Context(), 1, attrs)
			}

			if httpRequestDuration != nil {
				httpRequestDuration.Record(r.Context(), time.Since(startedAt).Seconds(), attrs)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}
