package dialog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/concierge/internal/condition"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Library errors.
var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrScriptPublished = errors.New("script is published; unpublish before changing its steps")
	ErrScriptInvalid   = errors.New("script invalid")
	ErrVersionNotFound = errors.New("script version not found")
)

// Library manages script lifecycle: edits, snapshots, publish and restore.
type Library struct {
	store  ScriptStore
	eval   *condition.Evaluator
	logger log.Logger
	now    func() time.Time
}

// NewLibrary creates a Library.
func NewLibrary(store ScriptStore, eval *condition.Evaluator, logger log.Logger) *Library {
	if store == nil {
		panic(xerrors.New("script store is required"))
	}
	if eval == nil {
		eval = condition.New(logger)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Library{store: store, eval: eval, logger: logger, now: time.Now}
}

// Get returns a script.
func (l *Library) Get(ctx context.Context, tenantID, id string) (*Script, error) {
	sc, ok, err := l.store.GetScript(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrScriptNotFound, id)
	}
	return sc, nil
}

// List returns the tenant's scripts.
func (l *Library) List(ctx context.Context, tenantID string) ([]*Script, error) {
	return l.store.ListScripts(ctx, tenantID)
}

// Save creates or updates a script. The flow of a published script (entry
// and transfer steps, step graph, variables, exit policy) cannot change,
// and a published script must stay free of validation errors. Publication state, version and history are owned by the
// Library and carried over from the stored copy.
func (l *Library) Save(ctx context.Context, sc *Script) (*Script, error) {
	sc = sc.Clone()
	sc.Normalize()
	now := l.now()

	existing, ok, err := l.store.GetScript(ctx, sc.TenantID, sc.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		if existing.Published {
			if !sameFlow(existing, sc) {
				return nil, fmt.Errorf("%w: %q", ErrScriptPublished, sc.ID)
			}
			if issues := Validate(sc, l.eval); HasErrors(issues) {
				return nil, &ValidationError{Issues: issues}
			}
		}
		sc.Published = existing.Published
		sc.PublishedAt = existing.PublishedAt
		sc.Version = existing.Version
		sc.History = existing.History
		sc.CreatedAt = existing.CreatedAt
	} else {
		sc.Published = false
		sc.PublishedAt = time.Time{}
		sc.Version = 0
		sc.History = nil
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now

	if err := l.store.PutScript(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// Validate runs the validator against a stored script.
func (l *Library) Validate(ctx context.Context, tenantID, id string) ([]Issue, error) {
	sc, err := l.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return Validate(sc, l.eval), nil
}

// Publish validates the script, snapshots it and marks it published. Any
// error-severity issue, cycles included, is returned as a
// *ValidationError.
func (l *Library) Publish(ctx context.Context, tenantID, id, author string) (*Script, error) {
	sc, err := l.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	issues := Validate(sc, l.eval)
	if HasErrors(issues) {
		l.logger.Warn(ctx, "publish rejected", "script_id", id, "issues", len(issues))
		return nil, &ValidationError{Issues: issues}
	}

	now := l.now()
	snapshot(sc, author, "before publish", now)
	sc.Published = true
	sc.PublishedAt = now
	sc.Version++
	sc.UpdatedAt = now

	if err := l.store.PutScript(ctx, sc); err != nil {
		return nil, err
	}
	l.logger.Info(ctx, "script published", "script_id", id, "version", sc.Version, "author", author)
	return sc, nil
}

// Unpublish makes the step graph editable again.
func (l *Library) Unpublish(ctx context.Context, tenantID, id string) (*Script, error) {
	sc, err := l.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	sc.Published = false
	sc.UpdatedAt = l.now()
	if err := l.store.PutScript(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// Snapshot appends the current step graph to the script's history.
func (l *Library) Snapshot(ctx context.Context, tenantID, id, author, note string) (*Version, error) {
	sc, err := l.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	v := snapshot(sc, author, note, l.now())
	if err := l.store.PutScript(ctx, sc); err != nil {
		return nil, err
	}
	return &v, nil
}

// History returns the script's versions, oldest first.
func (l *Library) History(ctx context.Context, tenantID, id string) ([]Version, error) {
	sc, err := l.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return sc.History, nil
}

// Restore replaces the step graph with version number. The current graph
// is snapshotted first so the restore can be undone.
func (l *Library) Restore(ctx context.Context, tenantID, id string, number int, author string) (*Script, error) {
	sc, err := l.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if sc.Published {
		return nil, fmt.Errorf("%w: %q", ErrScriptPublished, id)
	}
	var target *Version
	for i := range sc.History {
		if sc.History[i].Number == number {
			target = &sc.History[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %q version %d", ErrVersionNotFound, id, number)
	}
	steps := CloneSteps(target.Steps)
	initial := target.InitialStep

	now := l.now()
	snapshot(sc, author, fmt.Sprintf("automatic backup before restoring version %d", number), now)
	sc.Steps = steps
	sc.InitialStep = initial
	sc.UpdatedAt = now

	if err := l.store.PutScript(ctx, sc); err != nil {
		return nil, err
	}
	l.logger.Info(ctx, "script restored", "script_id", id, "version", number, "author", author)
	return sc, nil
}

// Default returns the script that greets new contacts on channel: published
// and active, highest priority first, most recently published on ties.
func (l *Library) Default(ctx context.Context, tenantID, channel string) (*Script, bool, error) {
	all, err := l.store.ListScripts(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	var eligible []*Script
	for _, sc := range all {
		if sc.Published && sc.Active && sc.SupportsChannel(channel) {
			eligible = append(eligible, sc)
		}
	}
	if len(eligible) == 0 {
		return nil, false, nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].PublishedAt.After(eligible[j].PublishedAt)
	})
	return eligible[0], true, nil
}

func snapshot(sc *Script, author, note string, now time.Time) Version {
	v := Version{
		Number:       len(sc.History) + 1,
		InitialStep:  sc.InitialStep,
		Steps:        CloneSteps(sc.Steps),
		Author:       author,
		Note:         note,
		CreatedAt:    now,
		WasPublished: sc.Published,
	}
	sc.History = append(sc.History, v)
	return v
}
