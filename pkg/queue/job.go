package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/netauto/naas/pkg/credentials"
	"github.com/netauto/naas/pkg/payload"
)

// Status is a job lifecycle state.
type Status string

// Lifecycle states. Queued jobs sit in the pending list; the other states
// are reached through Mark* transitions and the terminal ones never change
// again.
const (
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the state permits no further transition.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// Job is one queued device operation and its lifecycle record.
type Job struct {
	ID        string
	Task      payload.Task
	OwnerHash string

	// Credentials ride with the job so a worker on another host can open
	// the SSH session. The stored field is deleted the moment the job
	// reaches a terminal state. Authorization never reads it; owner_hash
	// is the only ownership mechanism.
	Credentials credentials.Credentials

	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	Results     map[string]string
	Error       string
	RetriesUsed int
}

// Job hash field names.
const (
	fieldPayload     = "payload"
	fieldCredentials = "credentials"
	fieldOwnerHash   = "owner_hash"
	fieldState       = "state"
	fieldCreatedAt   = "created_at"
	fieldStartedAt   = "started_at"
	fieldEndedAt     = "ended_at"
	fieldResults     = "results"
	fieldError       = "error"
	fieldRetries     = "retries_used"
)

// wireCredentials is the storage encoding of job credentials. It exists
// because credentials.Credentials redacts itself under JSON marshalling;
// the queue hop is the one place cleartext must survive, and the explicit
// copy keeps that visible at the call site.
type wireCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Enable   string `json:"enable"`
}

// toHash renders the job as Redis hash fields for its initial write.
func toHash(job *Job) (map[string]any, error) {
	task, err := json.Marshal(job.Task)
	if err != nil {
		return nil, fmt.Errorf("encoding job %s payload: %w", job.ID, err)
	}

	creds, err := json.Marshal(wireCredentials{
		Username: job.Credentials.Username,
		Password: job.Credentials.Password,
		Enable:   job.Credentials.Enable,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding job %s credentials: %w", job.ID, err)
	}

	return map[string]any{
		fieldPayload:     string(task),
		fieldCredentials: string(creds),
		fieldOwnerHash:   job.OwnerHash,
		fieldState:       string(job.Status),
		fieldCreatedAt:   job.CreatedAt.Format(time.RFC3339Nano),
		fieldRetries:     strconv.Itoa(job.RetriesUsed),
	}, nil
}

// fromHash rebuilds a job from its Redis hash fields.
func fromHash(id string, data map[string]string) (*Job, error) {
	job := &Job{
		ID:        id,
		OwnerHash: data[fieldOwnerHash],
		Status:    Status(data[fieldState]),
		Error:     data[fieldError],
	}

	if raw := data[fieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Task); err != nil {
			return nil, fmt.Errorf("decoding job %s payload: %w", id, err)
		}
	}

	if raw := data[fieldCredentials]; raw != "" {
		var w wireCredentials
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("decoding job %s credentials: %w", id, err)
		}

		job.Credentials = credentials.New(w.Username, w.Password, w.Enable)
	}

	if raw := data[fieldResults]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Results); err != nil {
			return nil, fmt.Errorf("decoding job %s results: %w", id, err)
		}
	}

	for _, ts := range []struct {
		field string
		dst   *time.Time
	}{
		{fieldCreatedAt, &job.CreatedAt},
		{fieldStartedAt, &job.StartedAt},
		{fieldEndedAt, &job.EndedAt},
	} {
		raw := data[ts.field]
		if raw == "" {
			continue
		}

		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing job %s %s: %w", id, ts.field, err)
		}

		*ts.dst = t
	}

	if raw := data[fieldRetries]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing job %s retries_used: %w", id, err)
		}

		job.RetriesUsed = n
	}

	return job, nil
}
