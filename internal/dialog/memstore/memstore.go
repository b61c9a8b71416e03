// Package memstore provides an in-memory implementation of the dialog and
// ticket stores.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/ticket"
)

// Store holds sessions, scripts and tickets in memory. Suitable for
// dev/testing.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*dialog.Session // tenant/session ID -> session
	active   map[string]string          // tenant/contact -> session ID
	scripts  map[string]*dialog.Script  // tenant/script ID -> script
	tickets  map[string]*ticket.Ticket  // tenant/ticket ID -> ticket
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*dialog.Session),
		active:   make(map[string]string),
		scripts:  make(map[string]*dialog.Script),
		tickets:  make(map[string]*ticket.Ticket),
	}
}

func key(tenantID, id string) string { return tenantID + "/" + id }

//  Sessions

// GetSession retrieves a session by ID. Returns a copy.
func (s *Store) GetSession(_ context.Context, tenantID, id string) (*dialog.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key(tenantID, id)]
	if !ok {
		return nil, false, nil
	}
	return sess.Clone(), true, nil
}

// ActiveSession retrieves the contact's in-progress session. Returns a copy.
func (s *Store) ActiveSession(_ context.Context, tenantID, contact string) (*dialog.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[key(tenantID, contact)]
	if !ok {
		return nil, false, nil
	}
	return s.sessions[key(tenantID, id)].Clone(), true, nil
}

// PutSession stores a copy of the session if its version matches.
func (s *Store) PutSession(_ context.Context, sess *dialog.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(sess.TenantID, sess.ID)
	var stored int64
	if cur, ok := s.sessions[k]; ok {
		stored = cur.Version
	}
	if stored != sess.Version {
		return dialog.ErrVersionConflict
	}

	ck := key(sess.TenantID, sess.Contact)
	if sess.Active() {
		if other, ok := s.active[ck]; ok && other != sess.ID {
			return dialog.ErrActiveSessionExists
		}
		s.active[ck] = sess.ID
	} else if s.active[ck] == sess.ID {
		delete(s.active, ck)
	}

	sess.Version++
	s.sessions[k] = sess.Clone()
	return nil
}

// IdleSessions returns in-progress sessions last updated before idleSince,
// oldest first.
func (s *Store) IdleSessions(_ context.Context, idleSince time.Time, limit int) ([]*dialog.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dialog.Session
	for _, sess := range s.sessions {
		if sess.Active() && sess.UpdatedAt.Before(idleSince) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

//  Scripts

// GetScript retrieves a script by ID. Returns a copy.
func (s *Store) GetScript(_ context.Context, tenantID, id string) (*dialog.Script, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[key(tenantID, id)]
	if !ok {
		return nil, false, nil
	}
	return sc.Clone(), true, nil
}

// PutScript stores a copy of the script.
func (s *Store) PutScript(_ context.Context, sc *dialog.Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[key(sc.TenantID, sc.ID)] = sc.Clone()
	return nil
}

// ListScripts returns the tenant's scripts ordered by ID.
func (s *Store) ListScripts(_ context.Context, tenantID string) ([]*dialog.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dialog.Script
	for _, sc := range s.scripts {
		if sc.TenantID == tenantID {
			out = append(out, sc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

//  Tickets

// GetTicket retrieves a ticket by ID. Returns a copy.
func (s *Store) GetTicket(_ context.Context, tenantID, id string) (*ticket.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[key(tenantID, id)]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

// ActiveTicket returns the contact's newest ticket that is not closed.
func (s *Store) ActiveTicket(_ context.Context, tenantID, contact string) (*ticket.Ticket, bool, error) {
	return s.newestTicket(tenantID, contact, func(t *ticket.Ticket) bool { return t.Active() })
}

// LastTicket returns the contact's newest ticket created at or after since.
func (s *Store) LastTicket(_ context.Context, tenantID, contact string, since time.Time) (*ticket.Ticket, bool, error) {
	return s.newestTicket(tenantID, contact, func(t *ticket.Ticket) bool { return !t.CreatedAt.Before(since) })
}

func (s *Store) newestTicket(tenantID, contact string, match func(*ticket.Ticket) bool) (*ticket.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *ticket.Ticket
	for _, t := range s.tickets {
		if t.TenantID != tenantID || t.Contact != contact || !match(t) {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, false, nil
	}
	cp := *best
	return &cp, true, nil
}

// CreateTicket stores a copy of the ticket.
func (s *Store) CreateTicket(_ context.Context, t *ticket.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tickets[key(t.TenantID, t.ID)] = &cp
	return nil
}

// AssignTicket sets the ticket's agent and marks it assigned.
func (s *Store) AssignTicket(_ context.Context, tenantID, id, agentID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[key(tenantID, id)]
	if !ok {
		return ticket.ErrTicketNotFound
	}
	t.AgentID = agentID
	t.Status = ticket.StatusAssigned
	t.UpdatedAt = now
	return nil
}

// ActiveTicketCounts counts non-closed tickets per agent.
func (s *Store) ActiveTicketCounts(_ context.Context, tenantID string, agentIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = 0
	}
	for _, t := range s.tickets {
		if t.TenantID != tenantID || !t.Active() {
			continue
		}
		if _, ok := out[t.AgentID]; ok {
			out[t.AgentID]++
		}
	}
	return out, nil
}
