package dialog

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Status tracks where a session is in its lifecycle.
type Status string

const (
	// StatusInProgress means the contact is talking to the script
	StatusInProgress Status = "in_progress"

	// StatusCompleted means the script reached its end
	StatusCompleted Status = "completed"

	// StatusAbandoned means the contact or an operator cancelled
	StatusAbandoned Status = "abandoned"

	// StatusTransferred means a human took over
	StatusTransferred Status = "transferred"

	// StatusExpired means the inactivity timeout elapsed
	StatusExpired Status = "expired"

	// StatusError means the script could not continue; Restart recovers
	StatusError Status = "error"
)

// Terminal reports whether no further dialog happens in this state. Error
// is not terminal because Restart leaves it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusTransferred, StatusExpired:
		return true
	}
	return false
}

// DefaultSessionTimeout is the inactivity window before a session expires.
const DefaultSessionTimeout = 30 * time.Minute

// ErrInvalidTransition is returned by lifecycle methods called in the wrong
// state.
var ErrInvalidTransition = errors.New("invalid session transition")

// AutoAdvanceMarker is the transcript answer recorded for a step the engine
// moved past without input.
const AutoAdvanceMarker = "[auto-advance]"

// Entry is one line of the session transcript.
type Entry struct {
	Step    string    `json:"step"`
	Answer  string    `json:"answer"`
	Elapsed float64   `json:"elapsed_seconds"`
	At      time.Time `json:"at"`
}

// Session is one contact's run through a script.
type Session struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Contact       string     `json:"contact"`
	ContactName   string     `json:"contact_name,omitempty"`
	Channel       string     `json:"channel"`
	ScriptID      string     `json:"script_id"`
	ScriptVersion int        `json:"script_version"`
	CurrentStep   string     `json:"current_step"`
	PreviousStep  string     `json:"previous_step,omitempty"`
	Vars          Vars       `json:"vars"`
	Transcript    []Entry    `json:"transcript"`
	InboundCount  int        `json:"inbound_count"`
	Status        Status     `json:"status"`
	Outcome       string     `json:"outcome,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	AgentID       string     `json:"agent_id,omitempty"`
	TargetID      string     `json:"target_id,omitempty"`
	TicketID      string     `json:"ticket_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	Duration      float64    `json:"duration_seconds,omitempty"`

	// Version is bumped by every successful store write and checked on the
	// next one.
	Version int64 `json:"version"`
}

// NewSession starts a session at the script's initial step. The script's
// Variables seed the context.
func NewSession(id string, sc *Script, tenantID, contact, channel string, now time.Time) *Session {
	return &Session{
		ID:            id,
		TenantID:      tenantID,
		Contact:       contact,
		Channel:       channel,
		ScriptID:      sc.ID,
		ScriptVersion: sc.Version,
		CurrentStep:   sc.InitialStep,
		Vars:          NewVars(sc.Variables),
		Status:        StatusInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Active reports whether the session still accepts input.
func (s *Session) Active() bool { return s.Status == StatusInProgress }

// Advance moves to next.
func (s *Session) Advance(next string) error {
	if err := s.require(StatusInProgress, "advance"); err != nil {
		return err
	}
	s.PreviousStep = s.CurrentStep
	s.CurrentStep = next
	return nil
}

// RecordAnswer appends the contact's answer to step and counts the inbound
// message.
func (s *Session) RecordAnswer(step, answer string, now time.Time) error {
	if err := s.require(StatusInProgress, "record answer"); err != nil {
		return err
	}
	s.appendEntry(step, answer, now)
	s.InboundCount++
	return nil
}

// recordAutoAdvance marks step as passed without input.
func (s *Session) recordAutoAdvance(step string, now time.Time) {
	s.appendEntry(step, AutoAdvanceMarker, now)
}

func (s *Session) appendEntry(step, answer string, now time.Time) {
	s.Transcript = append(s.Transcript, Entry{
		Step:    step,
		Answer:  answer,
		Elapsed: now.Sub(s.UpdatedAt).Seconds(),
		At:      now,
	})
	s.UpdatedAt = now
}

// Touch records activity without a transcript entry.
func (s *Session) Touch(now time.Time) { s.UpdatedAt = now }

// Complete ends the script normally.
func (s *Session) Complete(outcome string, now time.Time) error {
	if err := s.require(StatusInProgress, "complete"); err != nil {
		return err
	}
	s.Outcome = outcome
	s.close(StatusCompleted, now)
	return nil
}

// Abandon cancels the session.
func (s *Session) Abandon(now time.Time) error {
	if err := s.require(StatusInProgress, "abandon"); err != nil {
		return err
	}
	s.Outcome = "abandoned"
	s.close(StatusAbandoned, now)
	return nil
}

// Transfer hands the session to a human. agentID may be empty when nobody
// was eligible; the ticket still waits in the target's queue.
func (s *Session) Transfer(agentID, targetID string, now time.Time) error {
	if err := s.require(StatusInProgress, "transfer"); err != nil {
		return err
	}
	s.AgentID = agentID
	s.TargetID = targetID
	s.Outcome = "transferred"
	s.close(StatusTransferred, now)
	return nil
}

// Expire closes an idle session.
func (s *Session) Expire(now time.Time) error {
	if err := s.require(StatusInProgress, "expire"); err != nil {
		return err
	}
	s.Outcome = "expired"
	s.close(StatusExpired, now)
	return nil
}

// Fail parks the session in the error state.
func (s *Session) Fail(reason string, now time.Time) error {
	if err := s.require(StatusInProgress, "fail"); err != nil {
		return err
	}
	s.Status = StatusError
	s.Reason = reason
	s.UpdatedAt = now
	return nil
}

// Restart resumes a failed session at initialStep.
func (s *Session) Restart(initialStep, reason string, now time.Time) error {
	if err := s.require(StatusError, "restart"); err != nil {
		return err
	}
	s.Status = StatusInProgress
	s.PreviousStep = s.CurrentStep
	s.CurrentStep = initialStep
	s.Reason = reason
	s.UpdatedAt = now
	return nil
}

// IsExpired reports whether an in-progress session has been idle for longer
// than timeout.
func (s *Session) IsExpired(now time.Time, timeout time.Duration) bool {
	return s.Status == StatusInProgress && now.Sub(s.UpdatedAt) > timeout
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Vars = s.Vars.Clone()
	cp.Transcript = slices.Clone(s.Transcript)
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func (s *Session) close(status Status, now time.Time) {
	s.Status = status
	s.UpdatedAt = now
	s.ClosedAt = &now
	s.Duration = now.Sub(s.CreatedAt).Seconds()
}

func (s *Session) require(want Status, op string) error {
	if s.Status != want {
		return fmt.Errorf("%w: cannot %s a %s session", ErrInvalidTransition, op, s.Status)
	}
	return nil
}
