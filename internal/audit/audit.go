// Package audit records what happened in each conversation: every inbound
// message, every reply, every state change. Sinks are append-only.
package audit

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
)

// Kind classifies an entry.
type Kind string

const (
	KindInbound    Kind = "inbound"
	KindOutbound   Kind = "outbound"
	KindTransition Kind = "transition"
	KindTransfer   Kind = "transfer"
	KindError      Kind = "error"
	KindIgnored    Kind = "ignored"
)

// Entry is one audit record.
type Entry struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id,omitempty"`
	Contact   string         `json:"contact,omitempty"`
	Kind      Kind           `json:"kind"`
	Step      string         `json:"step,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// Sink stores audit entries. Record fills ID and At when empty.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

func fill(e *Entry) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
}

// Log writes entries to a structured logger. It is the sink used when no
// audit database is configured.
type Log struct {
	logger log.Logger
}

// NewLog returns a Log sink. A nil logger discards entries.
func NewLog(logger log.Logger) *Log {
	if logger == nil {
		logger = log.Nop()
	}
	return &Log{logger: logger.With("component", "audit")}
}

// Record logs the entry at info level.
func (l *Log) Record(ctx context.Context, e Entry) error {
	fill(&e)
	l.logger.Info(ctx, e.Message,
		"audit_id", e.ID,
		"tenant_id", e.TenantID,
		"session_id", e.SessionID,
		"contact", e.Contact,
		"kind", string(e.Kind),
		"step", e.Step,
		"data", e.Data,
	)
	return nil
}

// Multi fans an entry out to several sinks. Every sink is tried; the first
// error is returned.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, e Entry) error {
	fill(&e)
	var first error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
