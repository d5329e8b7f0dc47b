package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/netauto/naas/pkg/audit"
	"github.com/netauto/naas/pkg/credentials"
	"github.com/netauto/naas/pkg/lockout"
	"github.com/netauto/naas/pkg/payload"
	"github.com/netauto/naas/pkg/queue"
)

// caller is the authenticated API user of one request. The password is
// held only for the duration of the handler; it becomes the device login
// and the ownership hash, never part of any response.
type caller struct {
	username string
	password string
}

// authenticate requires basic auth with a non-empty username and
// password.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (caller, bool) {
	username, password, ok := r.BasicAuth()
	if !ok || username == "" || password == "" {
		s.respondAPIError(w, r, errNoAuth)

		return caller{}, false
	}

	return caller{username: username, password: password}, true
}

// admitCaller runs the pre-payload admission gates: basic auth, then the
// user lockout check.
func (s *Server) admitCaller(w http.ResponseWriter, r *http.Request) (caller, bool) {
	c, ok := s.authenticate(w, r)
	if !ok {
		return caller{}, false
	}

	locked, _, err := s.tracker.Check(r.Context(), lockout.User(c.username), false)
	if err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error checking the user lockout window")

		s.respondAPIError(w, r, errInternalServerError)

		return caller{}, false
	}

	if locked {
		s.respondAPIError(w, r, errLockedOut)

		return caller{}, false
	}

	return c, true
}

func (s *Server) postSendCommand(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"postSendCommand",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r = r.WithContext(ctx)

	c, ok := s.admitCaller(w, r)
	if !ok {
		return
	}

	var req payload.CommandRequest
	if !s.decodePayload(w, r, &req) {
		return
	}

	req.Normalize(r.Context())

	if errs := req.Validate(); len(errs) > 0 {
		s.respondValidationErrors(w, r, errs)

		return
	}

	s.enqueueJob(w, r, req.Task(), c, req.Enable)
}

func (s *Server) postSendConfig(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"postSendConfig",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r = r.WithContext(ctx)

	c, ok := s.admitCaller(w, r)
	if !ok {
		return
	}

	var req payload.ConfigRequest
	if !s.decodePayload(w, r, &req) {
		return
	}

	req.Normalize(r.Context())

	if errs := req.Validate(); len(errs) > 0 {
		s.respondValidationErrors(w, r, errs)

		return
	}

	s.enqueueJob(w, r, req.Task(), c, req.Enable)
}

// decodePayload reads the request body into req. Bodies that are not
// JSON report NoJSON; JSON carrying wrongly typed fields reports
// UnprocessableEntity. The decoded document is debug-logged with the
// enable secret redacted.
func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request, req any) bool {
	if ct := r.Header.Get(contentType); !strings.Contains(strings.ToLower(ct), contentTypeJSON) {
		s.respondAPIError(w, r, errNoJSON)

		return false
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error reading the request body")

		s.respondAPIError(w, r, errInternalServerError)

		return false
	}

	if len(raw) == 0 {
		s.respondAPIError(w, r, errNoJSON)

		return false
	}

	if err := json.Unmarshal(raw, req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			s.respondAPIError(w, r, errUnprocessableEntity)
		} else {
			zerolog.Ctx(r.Context()).
				Error().
				Err(err).
				Msg("payload did not contain JSON")

			s.respondAPIError(w, r, errNoJSON)
		}

		return false
	}

	logPayload(r.Context(), raw)

	return true
}

// logPayload debug-logs the submitted document with the enable secret
// redacted.
func logPayload(ctx context.Context, raw []byte) {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() > zerolog.DebugLevel {
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return
	}

	if _, ok := doc["enable"]; ok {
		doc["enable"] = credentials.Redacted
	}

	log.Debug().Interface("payload", doc).Msg("job submission payload")
}

// requestID returns the job id for a submission: the caller's
// X-Request-ID when it is a well-formed v4 UUID, a fresh one otherwise.
func requestID(r *http.Request) string {
	if id := r.Header.Get(headerRequestID); isUUIDv4(id) {
		return id
	}

	return uuid.NewString()
}

// enqueueJob runs the post-payload admission steps: correlation id,
// duplicate check, device lockout gate, ownership hash, enqueue, audit.
func (s *Server) enqueueJob(
	w http.ResponseWriter,
	r *http.Request,
	task payload.Task,
	c caller,
	enable string,
) {
	jobID := requestID(r)

	ctx := zerolog.Ctx(r.Context()).
		With().
		Str("job-id", jobID).
		Logger().
		WithContext(r.Context())
	r = r.WithContext(ctx)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("job_id", jobID),
		attribute.String("device_ip", task.IP),
	)

	exists, err := s.queue.Exists(ctx, jobID)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error checking for a duplicate job id")

		s.respondAPIError(w, r, errInternalServerError)

		return
	}

	if exists {
		s.respondAPIError(w, r, errDuplicateRequestID)

		return
	}

	locked, _, err := s.tracker.Check(ctx, lockout.Device(task.IP), false)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error checking the device lockout window")

		s.respondAPIError(w, r, errInternalServerError)

		return
	}

	if locked {
		s.respondAPIError(w, r, errLockedOut)

		return
	}

	creds := credentials.New(c.username, c.password, enable)

	ownerHash, err := s.hasher.Hash(ctx, creds)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error hashing the caller credentials")

		s.respondAPIError(w, r, errInternalServerError)

		return
	}

	job := &queue.Job{
		ID:          jobID,
		Task:        task,
		OwnerHash:   ownerHash,
		Credentials: creds,
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			s.respondAPIError(w, r, errDuplicateRequestID)

			return
		}

		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error enqueueing the job")

		s.respondAPIError(w, r, errInternalServerError)

		return
	}

	zerolog.Ctx(ctx).Info().
		Str("username", c.username).
		Str("ip", task.IP).
		Int("port", task.Port).
		Int("commands", task.CommandCount()).
		Msg("job accepted")

	audit.Emit(ctx, audit.JobSubmitted, audit.Fields{
		"ip":            task.IP,
		"platform":      task.Platform,
		"port":          task.Port,
		"command_count": task.CommandCount(),
		"user_hash":     ownerHash,
		"request_id":    jobID,
	})

	w.Header().Set(headerRequestID, jobID)
	s.respondJSON(w, r, http.StatusAccepted, submitResponse{
		JobID:        jobID,
		baseResponse: s.base(),
	})
}
