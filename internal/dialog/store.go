package dialog

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrVersionConflict means the session changed since it was read.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrActiveSessionExists means the contact already has an in-progress
	// session.
	ErrActiveSessionExists = errors.New("contact already has an active session")
)

// SessionStore persists sessions. PutSession is an optimistic write: it
// fails with ErrVersionConflict unless s.Version matches the stored
// version, and increments s.Version on success. A contact has at most one
// in-progress session per tenant.
type SessionStore interface {
	GetSession(ctx context.Context, tenantID, id string) (*Session, bool, error)
	ActiveSession(ctx context.Context, tenantID, contact string) (*Session, bool, error)
	PutSession(ctx context.Context, s *Session) error
	IdleSessions(ctx context.Context, idleSince time.Time, limit int) ([]*Session, error)
}

// ScriptStore persists scripts, their history included.
type ScriptStore interface {
	GetScript(ctx context.Context, tenantID, id string) (*Script, bool, error)
	PutScript(ctx context.Context, s *Script) error
	ListScripts(ctx context.Context, tenantID string) ([]*Script, error)
}
