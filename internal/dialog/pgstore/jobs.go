package pgstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/concierge/internal/jobs"
)

const jobColumns = `id, kind, tenant_id, payload, status, run_at, attempts, max_attempts,
	last_error, locked_until, created_at, updated_at`

// Enqueue inserts a job.
func (s *Store) Enqueue(ctx context.Context, j *jobs.Job) error {
	ctx, span := startSpan(ctx, "pgstore.Enqueue", "INSERT")
	defer span.End()

	status := j.Status
	if status == "" {
		status = jobs.StatusPending
	}
	maxAttempts := j.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = jobs.DefaultMaxAttempts
	}
	payload := j.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, tenant_id, payload, status, run_at, attempts, max_attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		j.ID, j.Kind, j.TenantID, []byte(payload), string(status), j.RunAt, j.Attempts, maxAttempts, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Claim leases due jobs. Concurrent workers skip each other's rows.
func (s *Store) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*jobs.Job, error) {
	ctx, span := startSpan(ctx, "pgstore.Claim", "UPDATE")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, locked_until = $2, updated_at = $1
		 WHERE id IN (
			SELECT id FROM jobs
			WHERE (status = 'pending' AND run_at <= $1)
			   OR (status = 'running' AND locked_until < $1)
			ORDER BY run_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		 )
		 RETURNING `+jobColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			spanError(span, err)
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	// RETURNING carries no order
	sort.Slice(out, func(a, b int) bool {
		if !out[a].RunAt.Equal(out[b].RunAt) {
			return out[a].RunAt.Before(out[b].RunAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// Complete marks a job done.
func (s *Store) Complete(ctx context.Context, id string, now time.Time) error {
	return s.updateJob(ctx, "pgstore.Complete",
		`UPDATE jobs SET status = 'done', locked_until = NULL, updated_at = $2 WHERE id = $1`, id, now)
}

// Retry puts a job back to pending, due at runAt.
func (s *Store) Retry(ctx context.Context, id string, runAt time.Time, reason string) error {
	return s.updateJob(ctx, "pgstore.Retry",
		`UPDATE jobs SET status = 'pending', run_at = $2, last_error = $3, locked_until = NULL, updated_at = now()
		 WHERE id = $1`, id, runAt, reason)
}

// Fail marks a job dead.
func (s *Store) Fail(ctx context.Context, id string, now time.Time, reason string) error {
	return s.updateJob(ctx, "pgstore.Fail",
		`UPDATE jobs SET status = 'dead', last_error = $3, locked_until = NULL, updated_at = $2 WHERE id = $1`,
		id, now, reason)
}

func (s *Store) updateJob(ctx context.Context, name, query string, args ...any) error {
	ctx, span := startSpan(ctx, name, "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j           jobs.Job
		status      string
		payload     []byte
		lockedUntil *time.Time
	)
	err := row.Scan(&j.ID, &j.Kind, &j.TenantID, &payload, &status, &j.RunAt, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &lockedUntil, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = jobs.Status(status)
	j.Payload = payload
	if lockedUntil != nil {
		j.LockedUntil = *lockedUntil
	}
	return &j, nil
}
