// Package jobs is a small durable delayed-job queue. The orchestrator uses
// it to run work that must happen some time after a request returns, such
// as finalizing a transferred conversation once its notice was delivered.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is where a job is in its lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// DefaultMaxAttempts bounds how often a failing job is retried.
const DefaultMaxAttempts = 5

// ErrJobNotFound is returned when completing or failing an unknown job.
var ErrJobNotFound = errors.New("job not found")

// Job is one unit of delayed work.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	TenantID    string          `json:"tenant_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	RunAt       time.Time       `json:"run_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	LockedUntil time.Time       `json:"locked_until,omitzero"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// New builds a pending job with a JSON payload, due at runAt.
func New(kind, tenantID string, payload any, runAt time.Time) (*Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:          ulid.Make().String(),
		Kind:        kind,
		TenantID:    tenantID,
		Payload:     b,
		Status:      StatusPending,
		RunAt:       runAt,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   runAt,
		UpdatedAt:   runAt,
	}, nil
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Queue is the persistence interface for jobs.
//
// Claim leases up to limit due jobs until now+lease and returns them with
// Attempts already incremented. A job whose lease ran out without Complete,
// Retry or Fail is due again, so a crashed worker never loses work.
type Queue interface {
	Enqueue(ctx context.Context, j *Job) error
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error)
	Complete(ctx context.Context, id string, now time.Time) error
	Retry(ctx context.Context, id string, runAt time.Time, reason string) error
	Fail(ctx context.Context, id string, now time.Time, reason string) error
}

// Backoff is the retry delay after the given number of attempts:
// one second doubled per attempt, capped at a minute.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= time.Minute {
			return time.Minute
		}
	}
	return d
}
