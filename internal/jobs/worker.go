package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/concierge/internal/jobs")

// Handler runs one job. Returning an error schedules a retry unless the
// error wraps ErrPermanent or the job is out of attempts.
type Handler func(ctx context.Context, j *Job) error

// ErrPermanent marks a handler failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// Result labels for WorkerHooks.
const (
	ResultDone  = "done"
	ResultRetry = "retry"
	ResultDead  = "dead"
)

// WorkerHooks receives per-job outcomes. Nil funcs are skipped.
type WorkerHooks struct {
	OnResult func(kind, result string, dur time.Duration)
}

// WorkerConfig tunes the poll loop. Zero values take the defaults.
type WorkerConfig struct {
	PollInterval time.Duration
	Lease        time.Duration
	Batch        int
}

// Worker polls a Queue and dispatches due jobs to registered handlers.
type Worker struct {
	queue    Queue
	logger   log.Logger
	hooks    WorkerHooks
	cfg      WorkerConfig
	handlers map[string]Handler
	now      func() time.Time
}

// NewWorker creates a worker. Register handlers with Handle before Run.
func NewWorker(q Queue, logger log.Logger, cfg WorkerConfig, hooks WorkerHooks) *Worker {
	if q == nil {
		panic(xerrors.New("jobs.NewWorker: nil queue"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	return &Worker{
		queue:    q,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Handle registers the handler for a job kind.
func (w *Worker) Handle(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error(ctx, err, "job poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce claims one batch of due jobs and runs them in order. It returns
// how many jobs were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.Claim(ctx, w.now(), w.cfg.Lease, w.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	for _, j := range jobs {
		w.run(ctx, j)
	}
	return len(jobs), nil
}

func (w *Worker) run(ctx context.Context, j *Job) {
	ctx, span := tracer.Start(ctx, "jobs.Run", trace.WithAttributes(
		attribute.String("job.kind", j.Kind),
		attribute.String("job.id", j.ID),
		attribute.Int("job.attempt", j.Attempts),
	))
	defer span.End()

	L := w.logger.With("job_id", j.ID, "job_kind", j.Kind, "tenant_id", j.TenantID, "attempt", j.Attempts)
	start := w.now()

	h, ok := w.handlers[j.Kind]
	var err error
	if !ok {
		err = fmt.Errorf("%w: no handler for kind %q", ErrPermanent, j.Kind)
	} else {
		err = h(ctx, j)
	}

	result := ResultDone
	switch {
	case err == nil:
		if cerr := w.queue.Complete(ctx, j.ID, w.now()); cerr != nil {
			L.Error(ctx, cerr, "failed to mark job done")
		}
	case errors.Is(err, ErrPermanent) || j.Attempts >= max(j.MaxAttempts, 1):
		result = ResultDead
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "job failed permanently")
		if ferr := w.queue.Fail(ctx, j.ID, w.now(), err.Error()); ferr != nil {
			L.Error(ctx, ferr, "failed to mark job dead")
		}
	default:
		result = ResultRetry
		span.RecordError(err)
		delay := Backoff(j.Attempts)
		L.Warn(ctx, "job failed, retrying", "error", err, "retry_in", delay.String())
		if rerr := w.queue.Retry(ctx, j.ID, w.now().Add(delay), err.Error()); rerr != nil {
			L.Error(ctx, rerr, "failed to reschedule job")
		}
	}

	if w.hooks.OnResult != nil {
		w.hooks.OnResult(j.Kind, result, w.now().Sub(start))
	}
}
