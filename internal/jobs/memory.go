package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultRetainFinished is how many done or dead jobs Memory keeps for
// inspection.
const DefaultRetainFinished = 256

// Memory is an in-process Queue. Jobs do not survive a restart. Suitable
// for dev/testing. Only the most recently finished jobs are kept.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	finished []string // oldest first
	retain   int
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// RetainFinished sets how many done or dead jobs are kept. Zero drops them
// as soon as they finish.
func RetainFinished(n int) MemoryOption {
	return func(m *Memory) {
		if n >= 0 {
			m.retain = n
		}
	}
}

// NewMemory initializes an empty in-memory queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{jobs: make(map[string]*Job), retain: DefaultRetainFinished}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Enqueue stores a copy of the job.
func (m *Memory) Enqueue(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.MaxAttempts == 0 {
		cp.MaxAttempts = DefaultMaxAttempts
	}
	m.jobs[j.ID] = &cp
	return nil
}

// Claim leases due jobs, oldest run time first.
func (m *Memory) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Job
	for _, j := range m.jobs {
		if dueAt(j, now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].RunAt.Before(due[b].RunAt)
		}
		return due[a].ID < due[b].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusRunning
		j.Attempts++
		j.LockedUntil = now.Add(lease)
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func dueAt(j *Job, now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return !j.RunAt.After(now)
	case StatusRunning:
		return j.LockedUntil.Before(now)
	default:
		return false
	}
}

// Complete marks a job done.
func (m *Memory) Complete(_ context.Context, id string, now time.Time) error {
	return m.finish(id, func(j *Job) {
		j.Status = StatusDone
		j.UpdatedAt = now
	})
}

// Retry puts a job back to pending, due at runAt.
func (m *Memory) Retry(_ context.Context, id string, runAt time.Time, reason string) error {
	return m.update(id, func(j *Job) {
		j.Status = StatusPending
		j.RunAt = runAt
		j.LastError = reason
		j.LockedUntil = time.Time{}
	})
}

// Fail marks a job dead. It will not run again.
func (m *Memory) Fail(_ context.Context, id string, now time.Time, reason string) error {
	return m.finish(id, func(j *Job) {
		j.Status = StatusDead
		j.LastError = reason
		j.UpdatedAt = now
	})
}

// Get returns a copy of a job, for inspection.
func (m *Memory) Get(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// Len returns how many jobs are held, finished ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// finish applies fn and evicts the oldest finished jobs beyond the
// retention limit.
func (m *Memory) finish(id string, fn func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	wasFinished := j.Status == StatusDone || j.Status == StatusDead
	fn(j)
	if !wasFinished {
		m.finished = append(m.finished, id)
	}
	for len(m.finished) > m.retain {
		delete(m.jobs, m.finished[0])
		m.finished = m.finished[1:]
	}
	return nil
}

func (m *Memory) update(id string, fn func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(j)
	return nil
}
