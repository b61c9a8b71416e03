package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/concierge/internal/dialog"
)

const sessionColumns = `id, tenant_id, contact, contact_name, channel, script_id, script_version,
	current_step, previous_step, vars, transcript, inbound_count, status, outcome, reason,
	agent_id, target_id, ticket_id, created_at, updated_at, closed_at, duration_s, version`

// GetSession retrieves a session by ID.
//
//nolint:dupl // similar structure to ActiveSession is intentional
func (s *Store) GetSession(ctx context.Context, tenantID, id string) (*dialog.Session, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetSession", "SELECT")
	defer span.End()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = $1 AND id = $2`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		spanError(span, err)
		return nil, false, err
	}
	return sess, sess != nil, nil
}

// ActiveSession retrieves the contact's in-progress session.
//
//nolint:dupl // similar structure to GetSession is intentional
func (s *Store) ActiveSession(ctx context.Context, tenantID, contact string) (*dialog.Session, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.ActiveSession", "SELECT")
	defer span.End()

	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE tenant_id = $1 AND contact = $2 AND status = 'in_progress'`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, tenantID, contact))
	if err != nil {
		spanError(span, err)
		return nil, false, err
	}
	return sess, sess != nil, nil
}

// PutSession inserts a new session (Version 0) or updates an existing one
// when its stored version still matches.
func (s *Store) PutSession(ctx context.Context, sess *dialog.Session) error {
	op := "UPDATE"
	if sess.Version == 0 {
		op = "INSERT"
	}
	ctx, span := startSpan(ctx, "pgstore.PutSession", op)
	defer span.End()

	varsJSON, err := json.Marshal(sess.Vars)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("marshal vars: %w", err)
	}
	transcript := sess.Transcript
	if transcript == nil {
		transcript = []dialog.Entry{}
	}
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("marshal transcript: %w", err)
	}

	var (
		query string
		args  []any
	)
	if sess.Version == 0 {
		query = `INSERT INTO sessions (` + sessionColumns + `)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,1)
			ON CONFLICT (tenant_id, id) DO NOTHING`
		args = []any{
			sess.ID, sess.TenantID, sess.Contact, sess.ContactName, sess.Channel, sess.ScriptID, sess.ScriptVersion,
			sess.CurrentStep, sess.PreviousStep, varsJSON, transcriptJSON, sess.InboundCount, string(sess.Status),
			sess.Outcome, sess.Reason, sess.AgentID, sess.TargetID, sess.TicketID, sess.CreatedAt, sess.UpdatedAt,
			sess.ClosedAt, sess.Duration,
		}
	} else {
		query = `UPDATE sessions SET
			contact_name   = $3,
			channel        = $4,
			script_id      = $5,
			script_version = $6,
			current_step   = $7,
			previous_step  = $8,
			vars           = $9,
			transcript     = $10,
			inbound_count  = $11,
			status         = $12,
			outcome        = $13,
			reason         = $14,
			agent_id       = $15,
			target_id      = $16,
			ticket_id      = $17,
			updated_at     = $18,
			closed_at      = $19,
			duration_s     = $20,
			version        = version + 1
		WHERE tenant_id = $1 AND id = $2 AND version = $21`
		args = []any{
			sess.TenantID, sess.ID, sess.ContactName, sess.Channel, sess.ScriptID, sess.ScriptVersion,
			sess.CurrentStep, sess.PreviousStep, varsJSON, transcriptJSON, sess.InboundCount, string(sess.Status),
			sess.Outcome, sess.Reason, sess.AgentID, sess.TargetID, sess.TicketID, sess.UpdatedAt,
			sess.ClosedAt, sess.Duration, sess.Version,
		}
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		spanError(span, err)
		if isUniqueViolation(err, "sessions_active_contact") {
			return dialog.ErrActiveSessionExists
		}
		return fmt.Errorf("put session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		spanError(span, dialog.ErrVersionConflict)
		return dialog.ErrVersionConflict
	}
	sess.Version++
	return nil
}

// IdleSessions returns in-progress sessions last updated before idleSince,
// oldest first.
func (s *Store) IdleSessions(ctx context.Context, idleSince time.Time, limit int) ([]*dialog.Session, error) {
	ctx, span := startSpan(ctx, "pgstore.IdleSessions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = 'in_progress' AND updated_at < $1
		 ORDER BY updated_at LIMIT $2`,
		idleSince, limit,
	)
	if err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()

	var out []*dialog.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			spanError(span, err)
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// scanSession scans a single row into a Session. Returns (nil, nil) when
// no row is found.
func scanSession(row pgx.Row) (*dialog.Session, error) {
	var (
		sess           dialog.Session
		status         string
		varsJSON       []byte
		transcriptJSON []byte
	)
	err := row.Scan(
		&sess.ID, &sess.TenantID, &sess.Contact, &sess.ContactName, &sess.Channel, &sess.ScriptID, &sess.ScriptVersion,
		&sess.CurrentStep, &sess.PreviousStep, &varsJSON, &transcriptJSON, &sess.InboundCount, &status,
		&sess.Outcome, &sess.Reason, &sess.AgentID, &sess.TargetID, &sess.TicketID, &sess.CreatedAt, &sess.UpdatedAt,
		&sess.ClosedAt, &sess.Duration, &sess.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = dialog.Status(status)
	if err := json.Unmarshal(varsJSON, &sess.Vars); err != nil {
		return nil, fmt.Errorf("unmarshal vars: %w", err)
	}
	if err := json.Unmarshal(transcriptJSON, &sess.Transcript); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return &sess, nil
}
