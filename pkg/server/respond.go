package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netauto/naas/pkg/payload"
	"github.com/netauto/naas/pkg/queue"
)

// Error catalog names. The strings clients receive are fixed contract;
// see apiErrors.
const (
	errBadRequest          = "BadRequest"
	errNoJSON              = "NoJSON"
	errDuplicateRequestID  = "DuplicateRequestID"
	errUnauthorized        = "Unauthorized"
	errNoAuth              = "NoAuth"
	errForbidden           = "Forbidden"
	errLockedOut           = "LockedOut"
	errUnprocessableEntity = "UnprocessableEntity"
	errInvalidIP           = "InvalidIP"
	errInternalServerError = "InternalServerError"
)

// apiError is one entry of the error catalog: the HTTP status it maps
// to and the exact error string clients match on.
type apiError struct {
	Status int
	Error  string
}

// apiErrors is the full error catalog. Clients parse these strings, so
// changing one is a breaking API change.
//
//nolint:gochecknoglobals,lll
var apiErrors = map[string]apiError{
	errBadRequest:          {Status: http.StatusBadRequest, Error: "Invalid syntax in request"},
	errNoJSON:              {Status: http.StatusBadRequest, Error: "Payload must be JSON"},
	errDuplicateRequestID:  {Status: http.StatusBadRequest, Error: "Please provide a unique X-Request-ID"},
	errUnauthorized:        {Status: http.StatusUnauthorized, Error: "Please provide a valid Username/Password"},
	errNoAuth:              {Status: http.StatusUnauthorized, Error: "You must authenticate with HTTP Basic authentication to use this resource"},
	errForbidden:           {Status: http.StatusForbidden, Error: "You are not currently allowed to access this resource"},
	errLockedOut:           {Status: http.StatusForbidden, Error: "You are currently locked out for excessive login failures, please try again later"},
	errUnprocessableEntity: {Status: http.StatusUnprocessableEntity, Error: "Invalid type of data in request payload, please see documentation"},
	errInvalidIP:           {Status: http.StatusUnprocessableEntity, Error: "Invalid IPv4 address in 'ip' field of payload"},
	errInternalServerError: {Status: http.StatusInternalServerError, Error: "The server encountered an internal error and was unable to complete your request.  Either the server is overloaded or there is an error in the application."},
}

// baseResponse is the envelope every JSON body embeds.
type baseResponse struct {
	App     string `json:"app"`
	Version string `json:"version"`
}

func (s *Server) base() baseResponse {
	return baseResponse{App: appName, Version: s.version}
}

type errorResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	baseResponse
}

type validationResponse struct {
	Message string               `json:"message"`
	Errors  []payload.FieldError `json:"errors"`
	baseResponse
}

type submitResponse struct {
	JobID string `json:"job_id"`
	baseResponse
}

type jobResultResponse struct {
	JobID   string            `json:"job_id"`
	Status  string            `json:"status"`
	Results map[string]string `json:"results"`
	Error   *string           `json:"error"`
	baseResponse
}

type jobSummary struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	CreatedAt *time.Time `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

type paginationDoc struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
	Pages   int64 `json:"pages"`
}

type listJobsResponse struct {
	Jobs       []jobSummary  `json:"jobs"`
	Pagination paginationDoc `json:"pagination"`
	baseResponse
}

type healthComponentKV struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
}

type healthComponentQueue struct {
	Depth int64 `json:"depth"`
}

type healthComponentWorkers struct {
	Count int `json:"count"`
	Busy  int `json:"busy"`
}

type healthComponents struct {
	KV      healthComponentKV      `json:"kv"`
	Queue   healthComponentQueue   `json:"queue"`
	Workers healthComponentWorkers `json:"workers"`
}

type healthResponse struct {
	Status string `json:"status"`
	baseResponse
	Components healthComponents `json:"components"`
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}

// respondAPIError writes the catalog entry for name. Unknown names are a
// programming error; the caller gets a 500 and the mistake gets logged.
func (s *Server) respondAPIError(w http.ResponseWriter, r *http.Request, name string) {
	entry, ok := apiErrors[name]
	if !ok {
		zerolog.Ctx(r.Context()).
			Error().
			Str("name", name).
			Msg("unknown error catalog entry")

		entry = apiErrors[errInternalServerError]
	}

	s.respondJSON(w, r, entry.Status, errorResponse{
		Status:       entry.Status,
		Error:        entry.Error,
		baseResponse: s.base(),
	})
}

// respondConflict reports a cancellation refused because the job already
// ran (or never will).
func (s *Server) respondConflict(w http.ResponseWriter, r *http.Request, id string, status queue.Status) {
	s.respondJSON(w, r, http.StatusConflict, errorResponse{
		Status:       http.StatusConflict,
		Error:        fmt.Sprintf("Job %s already %s", id, status),
		baseResponse: s.base(),
	})
}

func (s *Server) respondValidationErrors(w http.ResponseWriter, r *http.Request, errs []payload.FieldError) {
	s.respondJSON(w, r, http.StatusUnprocessableEntity, validationResponse{
		Message:      "Validation failed",
		Errors:       errs,
		baseResponse: s.base(),
	})
}

// respondJobNotFound writes the 404 status document for a job id that has
// no record.
func (s *Server) respondJobNotFound(w http.ResponseWriter, r *http.Request, jobID string) {
	s.respondJSON(w, r, http.StatusNotFound, jobResultResponse{
		JobID:        jobID,
		Status:       "not_found",
		baseResponse: s.base(),
	})
}

// isUUIDv4 reports whether id is a well-formed version-4 UUID.
func isUUIDv4(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}

	return u.Version() == 4 && u.Variant() == uuid.RFC4122
}
