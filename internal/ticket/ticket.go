// Package ticket models the support tickets a conversation is handed off
// into. The ticketing system proper is external; this package holds the
// subset of its model the orchestrator reads and writes.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status tracks where a ticket is in its lifecycle.
type Status string

const (
	StatusOpen     Status = "open"
	StatusAssigned Status = "assigned"
	StatusClosed   Status = "closed"
)

// ErrTicketNotFound is returned when assigning an unknown ticket.
var ErrTicketNotFound = errors.New("ticket not found")

// Ticket is a unit of human work created from a conversation.
type Ticket struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Protocol     string    `json:"protocol"`
	Contact      string    `json:"contact"`
	ContactName  string    `json:"contact_name,omitempty"`
	Subject      string    `json:"subject"`
	Summary      string    `json:"summary,omitempty"`
	NucleusID    string    `json:"nucleus_id,omitempty"`
	DepartmentID string    `json:"department_id,omitempty"`
	Department   string    `json:"department,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Active reports whether the ticket still counts toward an agent's load.
func (t *Ticket) Active() bool { return t.Status != StatusClosed }

// Store is the persistence interface for tickets. ActiveTicketCounts makes
// every Store a routing.LoadCounter.
type Store interface {
	GetTicket(ctx context.Context, tenantID, id string) (*Ticket, bool, error)
	ActiveTicket(ctx context.Context, tenantID, contact string) (*Ticket, bool, error)
	LastTicket(ctx context.Context, tenantID, contact string, since time.Time) (*Ticket, bool, error)
	CreateTicket(ctx context.Context, t *Ticket) error
	AssignTicket(ctx context.Context, tenantID, id, agentID string, now time.Time) error
	ActiveTicketCounts(ctx context.Context, tenantID string, agentIDs []string) (map[string]int, error)
}

// New builds an open ticket with a fresh id and protocol number.
func New(tenantID, contact, subject string, now time.Time) *Ticket {
	id := uuid.New()
	return &Ticket{
		ID:        id.String(),
		TenantID:  tenantID,
		Protocol:  Protocol(id, now),
		Contact:   contact,
		Subject:   subject,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Protocol formats the number shown to the contact: the date plus the
// first six hex digits of the ticket id.
func Protocol(id uuid.UUID, now time.Time) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex[:6]))
}

// Subject is the subject line of tickets opened by the bot.
func Subject(department string) string {
	if department == "" {
		department = "Geral"
	}
	return "Atendimento via bot - " + department
}
