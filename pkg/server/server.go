// Package server exposes the NAAS HTTP API: job submission, result
// retrieval, cancellation, listing, and the health document. Handlers
// never touch Redis directly; they speak to the queue, the lockout
// tracker, the credential hasher and the health monitor, so the full
// admission pipeline stays testable without a network.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	otelchimetric "github.com/riandyrn/otelchi/metric"
	promclient "github.com/prometheus/client_golang/prometheus"

	"github.com/netauto/naas/pkg/credentials"
	"github.com/netauto/naas/pkg/healthcheck"
	"github.com/netauto/naas/pkg/lockout"
	"github.com/netauto/naas/pkg/queue"
)

const (
	routeIndex          = "/"
	routeHealthcheck    = "/healthcheck"
	routeMetrics        = "/metrics"
	routeOpenAPI        = "/apidoc/openapi.json"
	routeSendCommand    = "/send_command"
	routeSendCommandJob = "/send_command/{job_id}"
	routeSendConfig     = "/send_config"
	routeSendConfigJob  = "/send_config/{job_id}"
	routeJobs           = "/jobs"
	routeJobsJob        = "/jobs/{job_id}"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"

	headerRequestID = "X-Request-ID"

	// appName is the service name embedded in every JSON response.
	appName = "naas"

	// legacySunset is the advertised removal date for the unversioned
	// routes.
	legacySunset = "2026-12-31"

	tracerName = "github.com/netauto/naas/pkg/server"
)

//nolint:gochecknoglobals // the gatherer is wired once at process setup.
var (
	prometheusMu       sync.RWMutex
	prometheusGatherer promclient.Gatherer
)

// SetPrometheusGatherer exposes the given registry on /metrics. Call it
// before the server starts accepting requests.
func SetPrometheusGatherer(g promclient.Gatherer) {
	prometheusMu.Lock()
	defer prometheusMu.Unlock()

	prometheusGatherer = g
}

// Server represents the main HTTP server.
type Server struct {
	queue   *queue.Queue
	tracker *lockout.Tracker
	hasher  *credentials.Hasher
	monitor *healthcheck.Monitor
	version string

	router *chi.Mux
	tracer trace.Tracer
}

// New returns a new server.
func New(
	version string,
	q *queue.Queue,
	tracker *lockout.Tracker,
	hasher *credentials.Hasher,
	monitor *healthcheck.Monitor,
) *Server {
	s := &Server{
		queue:   q,
		tracker: tracker,
		hasher:  hasher,
		monitor: monitor,
		version: version,
		tracer:  otel.Tracer(tracerName),
	}

	s.createRouter()

	return s
}

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	mp := otel.GetMeterProvider()
	baseCfg := otelchimetric.NewBaseConfig(tracerName, otelchimetric.WithMeterProvider(mp))

	s.router.Use(middleware.Heartbeat("/healthz"))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(
		otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)),
		otelchimetric.NewRequestDurationMillis(baseCfg),
		otelchimetric.NewRequestInFlight(baseCfg),
		otelchimetric.NewResponseSizeBytes(baseCfg),
	)
	s.router.Use(requestLogger)
	s.router.Use(requestMetrics)

	s.router.Get(routeIndex, s.getHealthcheck)
	s.router.Get(routeHealthcheck, s.getHealthcheck)
	s.router.Get(routeOpenAPI, s.getOpenAPI)
	s.router.Get(routeMetrics, s.getMetrics)

	s.router.Route("/v1", s.mountJobRoutes)

	// The original unversioned paths keep working while clients migrate
	// to /v1.
	s.router.Group(func(r chi.Router) {
		r.Use(deprecationHeaders)
		s.mountJobRoutes(r)
	})
}

func (s *Server) mountJobRoutes(r chi.Router) {
	r.Get(routeSendCommand, s.getBase)
	r.Post(routeSendCommand, s.postSendCommand)
	r.Get(routeSendCommandJob, s.getJobResults)

	r.Get(routeSendConfig, s.getBase)
	r.Post(routeSendConfig, s.postSendConfig)
	r.Get(routeSendConfigJob, s.getJobResults)

	r.Get(routeJobs, s.listJobs)
	r.Delete(routeJobsJob, s.deleteJob)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		span := trace.SpanFromContext(r.Context())

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("request-uri", r.RequestURI).
			Str("from", r.RemoteAddr).
			Logger()

		if span.SpanContext().HasTraceID() {
			log = log.
				With().
				Str("trace-id", span.SpanContext().TraceID().String()).
				Logger()
		}

		if span.SpanContext().HasSpanID() {
			log = log.
				With().
				Str("span-id", span.SpanContext().SpanID().String()).
				Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			log = log.With().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Logger()

			switch r.Method {
			case http.MethodHead, http.MethodGet:
				log = log.With().Int("bytes", ww.BytesWritten()).Logger()
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				log = log.With().Int64("bytes", r.ContentLength).Logger()
			}

			log.Info().Msg("handled request")
		}()

		// embed the modified logger in the request.
		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}

// deprecationHeaders marks the unversioned aliases so clients move to
// the /v1 routes before the sunset date.
func deprecationHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-API-Deprecated", "true")
		w.Header().Set("X-API-Sunset", legacySunset)

		next.ServeHTTP(w, r)
	})
}

// getBase answers the collection URLs with the bare service document.
func (s *Server) getBase(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, s.base())
}

func (s *Server) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(
		r.Context(),
		"getHealthcheck",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	snapshot := s.monitor.Snapshot()

	kvStatus := "OK"
	if !snapshot.KVHealthy {
		kvStatus = "unreachable"
	}

	s.respondJSON(w, r, http.StatusOK, healthResponse{
		Status:       snapshot.Status(),
		baseResponse: s.base(),
		Components: healthComponents{
			KV: healthComponentKV{
				Status:    kvStatus,
				LatencyMS: float64(snapshot.KVLatency.Microseconds()) / 1000.0,
			},
			Queue:   healthComponentQueue{Depth: snapshot.QueueDepth},
			Workers: healthComponentWorkers{Count: snapshot.Workers, Busy: snapshot.Busy},
		},
	})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	prometheusMu.RLock()
	gatherer := prometheusGatherer
	prometheusMu.RUnlock()

	if gatherer == nil {
		http.NotFound(w, r)

		return
	}

	promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
