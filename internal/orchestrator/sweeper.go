package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/concierge/internal/dialog"
)

// ExpireIdle closes up to limit sessions that saw no activity within the
// session timeout. It returns how many it closed.
func (s *Service) ExpireIdle(ctx context.Context, limit int) (int, error) {
	now := s.now()
	idle, err := s.sessions.IdleSessions(ctx, now.Add(-s.timeout), limit)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	n := 0
	for _, cand := range idle {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ok, err := s.expireOne(ctx, cand, now)
		if err != nil {
			s.logger.Warn(ctx, "idle session not expired", "tenant_id", cand.TenantID, "session_id", cand.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Service) expireOne(ctx context.Context, cand *dialog.Session, now time.Time) (bool, error) {
	unlock := s.locks.Lock(cand.TenantID + "/" + cand.Contact)
	defer unlock()

	sess, ok, err := s.sessions.GetSession(ctx, cand.TenantID, cand.ID)
	if err != nil || !ok || !sess.IsExpired(now, s.timeout) {
		return false, err
	}
	if err := s.expire(ctx, sess, now); err != nil {
		if errors.Is(err, dialog.ErrVersionConflict) {
			// another process touched it; it is not idle
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Sweeper expires idle sessions periodically.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	batch    int
	logger   log.Logger
}

// NewSweeper creates a Sweeper. Zero interval and batch take 1m and 500.
func NewSweeper(svc *Service, interval time.Duration, batch int, logger log.Logger) *Sweeper {
	if svc == nil {
		panic(xerrors.New("orchestrator.NewSweeper: nil service"))
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 500
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Sweeper{svc: svc, interval: interval, batch: batch, logger: logger}
}

// Run sweeps until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(sw.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := sw.svc.ExpireIdle(ctx, sw.batch)
			if err != nil && ctx.Err() == nil {
				sw.logger.Error(ctx, err, "session sweep failed")
				continue
			}
			if n > 0 {
				sw.logger.Info(ctx, "expired idle sessions", "count", n)
			}
		}
	}
}
