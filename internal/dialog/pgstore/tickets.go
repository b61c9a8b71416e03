package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/concierge/internal/ticket"
)

const ticketColumns = `id, tenant_id, protocol, contact, contact_name, subject, summary,
	nucleus_id, department_id, department, agent_id, session_id, status, created_at, updated_at`

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, tenantID, id string) (*ticket.Ticket, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetTicket", "SELECT")
	defer span.End()

	t, err := scanTicket(s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		spanError(span, err)
		return nil, false, err
	}
	return t, t != nil, nil
}

// ActiveTicket returns the contact's newest ticket that is not closed.
func (s *Store) ActiveTicket(ctx context.Context, tenantID, contact string) (*ticket.Ticket, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.ActiveTicket", "SELECT")
	defer span.End()

	t, err := scanTicket(s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE tenant_id = $1 AND contact = $2 AND status <> 'closed'
		 ORDER BY created_at DESC LIMIT 1`, tenantID, contact))
	if err != nil {
		spanError(span, err)
		return nil, false, err
	}
	return t, t != nil, nil
}

// LastTicket returns the contact's newest ticket created at or after since.
func (s *Store) LastTicket(ctx context.Context, tenantID, contact string, since time.Time) (*ticket.Ticket, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LastTicket", "SELECT")
	defer span.End()

	t, err := scanTicket(s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE tenant_id = $1 AND contact = $2 AND created_at >= $3
		 ORDER BY created_at DESC LIMIT 1`, tenantID, contact, since))
	if err != nil {
		spanError(span, err)
		return nil, false, err
	}
	return t, t != nil, nil
}

// CreateTicket inserts a ticket.
func (s *Store) CreateTicket(ctx context.Context, t *ticket.Ticket) error {
	ctx, span := startSpan(ctx, "pgstore.CreateTicket", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tickets (`+ticketColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.TenantID, t.Protocol, t.Contact, t.ContactName, t.Subject, t.Summary,
		t.NucleusID, t.DepartmentID, t.Department, t.AgentID, t.SessionID, string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

// AssignTicket sets the ticket's agent and marks it assigned.
func (s *Store) AssignTicket(ctx context.Context, tenantID, id, agentID string, now time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.AssignTicket", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE tickets SET agent_id = $3, status = 'assigned', updated_at = $4
		 WHERE tenant_id = $1 AND id = $2`, tenantID, id, agentID, now)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("assign ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ticket.ErrTicketNotFound
	}
	return nil
}

// ActiveTicketCounts counts non-closed tickets per agent. Agents with no
// tickets are present with a zero count.
func (s *Store) ActiveTicketCounts(ctx context.Context, tenantID string, agentIDs []string) (map[string]int, error) {
	ctx, span := startSpan(ctx, "pgstore.ActiveTicketCounts", "SELECT")
	defer span.End()

	out := make(map[string]int, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = 0
	}
	if len(agentIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, count(*) FROM tickets
		 WHERE tenant_id = $1 AND agent_id = ANY($2) AND status <> 'closed'
		 GROUP BY agent_id`, tenantID, agentIDs)
	if err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("count tickets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			agentID string
			n       int
		)
		if err := rows.Scan(&agentID, &n); err != nil {
			spanError(span, err)
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[agentID] = n
	}
	if err := rows.Err(); err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

func scanTicket(row pgx.Row) (*ticket.Ticket, error) {
	var (
		t      ticket.Ticket
		status string
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.Protocol, &t.Contact, &t.ContactName, &t.Subject, &t.Summary,
		&t.NucleusID, &t.DepartmentID, &t.Department, &t.AgentID, &t.SessionID, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	t.Status = ticket.Status(status)
	return &t, nil
}
