package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/netauto/naas/pkg/audit"
	"github.com/netauto/naas/pkg/credentials"
	"github.com/netauto/naas/pkg/payload"
	"github.com/netauto/naas/pkg/queue"
)

// Listing bounds. per_page is capped so one request cannot walk the
// whole registry set.
const (
	defaultPage    = 1
	defaultPerPage = 20
	maxPerPage     = 100
)

func (s *Server) getJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	ctx, span := s.tracer.Start(
		r.Context(),
		"getJobResults",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("job_id", jobID),
		),
	)
	defer span.End()

	r = r.WithContext(
		zerolog.Ctx(ctx).
			With().
			Str("job-id", jobID).
			Logger().
			WithContext(ctx))

	if !isUUIDv4(jobID) {
		s.respondAPIError(w, r, errBadRequest)

		return
	}

	c, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	job, _, ok := s.fetchOwnedJob(w, r, jobID, c)
	if !ok {
		return
	}

	doc := jobResultResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		baseResponse: s.base(),
	}

	// Results and error stay null until the worker ran to completion.
	if job.Status == queue.StatusFinished {
		doc.Results = job.Results

		if job.Error != "" {
			doc.Error = &job.Error
		}
	}

	s.respondJSON(w, r, http.StatusOK, doc)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	ctx, span := s.tracer.Start(
		r.Context(),
		"deleteJob",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("job_id", jobID),
		),
	)
	defer span.End()

	r = r.WithContext(
		zerolog.Ctx(ctx).
			With().
			Str("job-id", jobID).
			Logger().
			WithContext(ctx))

	if !isUUIDv4(jobID) {
		s.respondAPIError(w, r, errBadRequest)

		return
	}

	c, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	_, callerHash, ok := s.fetchOwnedJob(w, r, jobID, c)
	if !ok {
		return
	}

	status, err := s.queue.Cancel(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			s.respondJobNotFound(w, r, jobID)
		case errors.Is(err, queue.ErrNotCancellable), errors.Is(err, queue.ErrTerminalState):
			s.respondConflict(w, r, jobID, status)
		default:
			zerolog.Ctx(r.Context()).
				Error().
				Err(err).
				Msg("error cancelling the job")

			s.respondAPIError(w, r, errInternalServerError)
		}

		return
	}

	audit.Emit(r.Context(), audit.JobCancelled, audit.Fields{
		"request_id":        jobID,
		"cancelled_by_hash": callerHash,
	})

	w.WriteHeader(http.StatusNoContent)
}

// fetchOwnedJob loads the job and enforces ownership: the caller must
// present the credentials whose salted hash was stored at submission.
// The comparison is constant-time.
func (s *Server) fetchOwnedJob(
	w http.ResponseWriter,
	r *http.Request,
	jobID string,
	c caller,
) (*queue.Job, string, bool) {
	ctx := r.Context()

	job, err := s.queue.Fetch(ctx, jobID)
	if errors.Is(err, queue.ErrNotFound) {
		s.respondJobNotFound(w, r, jobID)

		return nil, "", false
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error fetching the job")

		s.respondAPIError(w, r, errInternalServerError)

		return nil, "", false
	}

	callerHash, err := s.hasher.Hash(ctx, credentials.New(c.username, c.password, ""))
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error hashing the caller credentials")

		s.respondAPIError(w, r, errInternalServerError)

		return nil, "", false
	}

	if !credentials.Equal(callerHash, job.OwnerHash) {
		s.respondAPIError(w, r, errForbidden)

		return nil, "", false
	}

	return job, callerHash, true
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"listJobs",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r = r.WithContext(ctx)

	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	query, errs := parseListQuery(r)
	if len(errs) > 0 {
		s.respondValidationErrors(w, r, errs)

		return
	}

	jobs, total, err := s.collectJobs(r.Context(), query)
	if err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error listing jobs")

		s.respondAPIError(w, r, errInternalServerError)

		return
	}

	pages := (total + int64(query.perPage) - 1) / int64(query.perPage)

	s.respondJSON(w, r, http.StatusOK, listJobsResponse{
		Jobs: jobs,
		Pagination: paginationDoc{
			Page:    query.page,
			PerPage: query.perPage,
			Total:   total,
			Pages:   pages,
		},
		baseResponse: s.base(),
	})
}

type listQuery struct {
	page    int
	perPage int
	status  queue.Status
}

func parseListQuery(r *http.Request) (listQuery, []payload.FieldError) {
	query := listQuery{page: defaultPage, perPage: defaultPerPage}

	var errs []payload.FieldError

	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)

		switch {
		case err != nil:
			errs = append(errs, payload.FieldError{
				Field:   "page",
				Rule:    "integer",
				Message: "page must be an integer",
			})
		case page < 1:
			errs = append(errs, payload.FieldError{
				Field:   "page",
				Rule:    "min",
				Message: "page must be at least 1",
			})
		default:
			query.page = page
		}
	}

	if raw := r.URL.Query().Get("per_page"); raw != "" {
		perPage, err := strconv.Atoi(raw)

		switch {
		case err != nil:
			errs = append(errs, payload.FieldError{
				Field:   "per_page",
				Rule:    "integer",
				Message: "per_page must be an integer",
			})
		case perPage < 1 || perPage > maxPerPage:
			errs = append(errs, payload.FieldError{
				Field:   "per_page",
				Rule:    "range",
				Message: "per_page must be between 1 and 100",
			})
		default:
			query.perPage = perPage
		}
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		switch status := queue.Status(raw); status {
		case queue.StatusQueued, queue.StatusStarted, queue.StatusFinished, queue.StatusFailed:
			query.status = status
		default:
			errs = append(errs, payload.FieldError{
				Field:   "status",
				Rule:    "oneof",
				Message: "status must be one of: queued, started, finished, failed",
			})
		}
	}

	return query, errs
}

// collectJobs pages across the lifecycle registries. The unfiltered walk
// visits finished, failed, started, then queued, and stops pulling ids
// as soon as the page is full; counting still covers every registry so
// the reported total matches a full walk.
func (s *Server) collectJobs(ctx context.Context, query listQuery) ([]jobSummary, int64, error) {
	statuses := []queue.Status{
		queue.StatusFinished,
		queue.StatusFailed,
		queue.StatusStarted,
		queue.StatusQueued,
	}
	if query.status != "" {
		statuses = []queue.Status{query.status}
	}

	var (
		ids   []string
		total int64
		skip  = int64(query.page-1) * int64(query.perPage)
		want  = int64(query.perPage)
	)

	for _, status := range statuses {
		registry := s.queue.Registry(status)

		count, err := registry.Count(ctx)
		if err != nil {
			return nil, 0, err
		}

		total += count

		if want <= 0 {
			continue
		}

		if skip >= count {
			skip -= count

			continue
		}

		page, err := registry.Page(ctx, skip, want)
		if err != nil {
			return nil, 0, err
		}

		ids = append(ids, page...)
		want -= int64(len(page))
		skip = 0
	}

	jobs := make([]jobSummary, 0, len(ids))

	for _, id := range ids {
		job, err := s.queue.Fetch(ctx, id)
		if errors.Is(err, queue.ErrNotFound) {
			// The job hash expired; its registry entry waits for the
			// sweeper.
			continue
		}

		if err != nil {
			return nil, 0, err
		}

		jobs = append(jobs, jobSummary{
			JobID:     job.ID,
			Status:    string(job.Status),
			CreatedAt: timePtr(job.CreatedAt),
			EndedAt:   timePtr(job.EndedAt),
		})
	}

	return jobs, total, nil
}

// timePtr maps the zero time to null in API documents.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}
