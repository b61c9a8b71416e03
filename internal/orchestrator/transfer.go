package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/concierge/internal/audit"
	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/directory"
	"github.com/linnemanlabs/concierge/internal/jobs"
	"github.com/linnemanlabs/concierge/internal/ticket"
)

// finalizePayload is the JobFinalize payload.
type finalizePayload struct {
	SessionID string `json:"session_id"`
}

// assign picks the agent and opens or reuses the contact's ticket for a
// pending transfer. Routing and ticket failures degrade to an unassigned
// transfer without a ticket.
func (s *Service) assign(ctx context.Context, t *turn) {
	sess, h := t.sess, t.handoff

	agentID := ""
	if s.router != nil {
		agent, err := s.router.SelectAgent(ctx, t.tenant.ID, h.NucleusID, h.DepartmentID)
		switch {
		case err != nil:
			t.L.Warn(ctx, "agent selection failed, ticket waits in the queue", "error", err)
		case agent != nil:
			agentID = agent.ID
		}
	}

	tk, err := s.ticketFor(ctx, t, agentID)
	if err != nil {
		t.L.Error(ctx, err, "ticket unavailable, transferring without one")
	} else {
		t.ticket = tk
		sess.TicketID = tk.ID
		agentID = tk.AgentID
	}
	sess.AgentID = agentID
	sess.TargetID = targetID(h.Target)

	if s.hooks.OnHandoff != nil {
		s.hooks.OnHandoff(agentID != "")
	}
	data := map[string]any{
		"nucleus_id":    h.NucleusID,
		"department_id": h.DepartmentID,
		"agent_id":      agentID,
		"ticket_id":     sess.TicketID,
	}
	if t.ticket != nil {
		data["protocol"] = t.ticket.Protocol
	}
	t.record(ctx, audit.KindTransfer, h.Summary, data)
	t.L.Info(ctx, "transfer routed",
		"nucleus_id", h.NucleusID,
		"department_id", h.DepartmentID,
		"agent_id", agentID,
		"ticket_id", sess.TicketID,
	)
}

// ticketFor reuses the contact's open ticket or creates one, assigning
// agentID when the ticket has no agent yet.
func (s *Service) ticketFor(ctx context.Context, t *turn, agentID string) (*ticket.Ticket, error) {
	sess, h := t.sess, t.handoff
	now := s.now()

	tk, ok, err := s.tickets.ActiveTicket(ctx, t.tenant.ID, sess.Contact)
	if err != nil {
		return nil, fmt.Errorf("active ticket: %w", err)
	}
	if ok {
		t.L.Info(ctx, "reusing open ticket", "ticket_id", tk.ID, "protocol", tk.Protocol)
	} else {
		tk = ticket.New(t.tenant.ID, sess.Contact, ticket.Subject(h.Name()), now)
		tk.ContactName = sess.ContactName
		tk.Summary = h.Summary
		tk.NucleusID = h.NucleusID
		tk.DepartmentID = h.DepartmentID
		tk.Department = h.Name()
		tk.SessionID = sess.ID
		if err := s.tickets.CreateTicket(ctx, tk); err != nil {
			return nil, fmt.Errorf("create ticket: %w", err)
		}
	}

	if tk.AgentID == "" && agentID != "" {
		if err := s.tickets.AssignTicket(ctx, t.tenant.ID, tk.ID, agentID, now); err != nil {
			t.L.Warn(ctx, "ticket assignment failed, leaving it unassigned", "ticket_id", tk.ID, "error", err)
			return tk, nil
		}
		tk.AgentID = agentID
		tk.Status = ticket.StatusAssigned
		tk.UpdatedAt = now
	}
	return tk, nil
}

// schedule enqueues the delayed finalization. When the queue refuses, the
// session is finalized right away.
func (s *Service) schedule(ctx context.Context, t *turn) {
	j, err := jobs.New(JobFinalize, t.tenant.ID, finalizePayload{SessionID: t.sess.ID}, s.now().Add(s.finalizeDelay))
	if err == nil {
		err = s.queue.Enqueue(ctx, j)
	}
	if err != nil {
		t.L.Error(ctx, err, "cannot schedule finalization, finalizing now")
		if err := s.finalize(ctx, t); err != nil {
			t.L.Error(ctx, err, "finalization failed")
		}
		return
	}
	t.L.Info(ctx, "finalization scheduled", "job_id", j.ID, "run_at", j.RunAt)
}

// handleFinalize runs JobFinalize.
func (s *Service) handleFinalize(ctx context.Context, j *jobs.Job) error {
	var p finalizePayload
	if err := j.Decode(&p); err != nil {
		return fmt.Errorf("%w: %w", jobs.ErrPermanent, err)
	}
	tenant, ok := s.tenants.Tenant(j.TenantID)
	if !ok {
		return fmt.Errorf("%w: %w: %q", jobs.ErrPermanent, directory.ErrTenantNotFound, j.TenantID)
	}
	sess, ok, err := s.sessions.GetSession(ctx, j.TenantID, p.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %w: %q", jobs.ErrPermanent, ErrSessionNotFound, p.SessionID)
	}

	unlock := s.locks.Lock(j.TenantID + "/" + sess.Contact)
	defer unlock()

	// the contact may have triggered finalization meanwhile
	sess, ok, err = s.sessions.GetSession(ctx, j.TenantID, p.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %w: %q", jobs.ErrPermanent, ErrSessionNotFound, p.SessionID)
	}
	return s.finalize(ctx, s.newTurn(tenant, sess))
}

// finalize closes a session with a pending transfer and sends the
// protocol message. It is a no-op when there is nothing to finalize.
func (s *Service) finalize(ctx context.Context, t *turn) error {
	sess := t.sess
	h, pending := sess.Vars.Handoff()
	if !sess.Active() || !pending {
		return nil
	}

	now := s.now()
	sess.Vars.ClearHandoff()
	if err := sess.Transfer(sess.AgentID, targetID(h.Target), now); err != nil {
		return err
	}
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	s.closed(dialog.StatusTransferred)
	t.record(ctx, audit.KindTransition, "session transferred", map[string]any{
		"agent_id":  sess.AgentID,
		"target_id": sess.TargetID,
		"ticket_id": sess.TicketID,
	})
	t.L.Info(ctx, "session transferred", "agent_id", sess.AgentID, "ticket_id", sess.TicketID)

	if t.ticket == nil && sess.TicketID != "" {
		tk, ok, err := s.tickets.GetTicket(ctx, t.tenant.ID, sess.TicketID)
		switch {
		case err != nil:
			t.L.Warn(ctx, "ticket lookup failed", "ticket_id", sess.TicketID, "error", err)
		case ok:
			t.ticket = tk
		}
	}
	s.sendProtocol(ctx, t, h.Name())
	s.notifyHandoff(ctx, t, h)
	return nil
}

// notifyHandoff reports the transfer to the supervisor channel, if any.
func (s *Service) notifyHandoff(ctx context.Context, t *turn, h dialog.Handoff) {
	if s.notifier == nil {
		return
	}
	sess := t.sess
	n := HandoffNotice{
		TenantID:    t.tenant.ID,
		TenantName:  t.tenant.Name,
		SessionID:   sess.ID,
		Contact:     sess.Contact,
		ContactName: sess.ContactName,
		Department:  h.Name(),
		AgentID:     sess.AgentID,
		AgentName:   agentName(t.tenant, sess.AgentID),
		TicketID:    sess.TicketID,
		Summary:     h.Summary,
		At:          s.now(),
	}
	if t.ticket != nil {
		n.Protocol = t.ticket.Protocol
	}
	if err := s.notifier.NotifyHandoff(ctx, n); err != nil {
		t.L.Warn(ctx, "handoff notification failed", "error", err)
	}
}

// sendProtocol tells the contact the ticket protocol. A failed send is
// retried once with a plainer message.
func (s *Service) sendProtocol(ctx context.Context, t *turn, department string) {
	protocol := "AGUARDE"
	if t.ticket != nil && t.ticket.Protocol != "" {
		protocol = t.ticket.Protocol
	}
	agent := agentName(t.tenant, t.sess.AgentID)

	msg := protocolMessage(t.tenant.ProtocolMessage, protocol, department, agent)
	if err := s.send(ctx, t, textResponse(msg)); err == nil {
		return
	}
	fallback := fmt.Sprintf("✅ Atendimento registrado!\n\nProtocolo: #%s\n\nVocê será atendido em breve. Aguarde na linha.", protocol)
	if err := s.send(ctx, t, textResponse(fallback)); err != nil {
		t.L.Error(ctx, err, "protocol message could not be delivered")
	}
}

// protocolMessage renders the tenant template, or the built-in message
// when the tenant has none. Templates may use {protocol}, {department} and
// {agent}.
func protocolMessage(tmpl, protocol, department, agent string) string {
	if department == "" {
		department = "Geral"
	}
	if tmpl != "" {
		if agent == "" {
			agent = "nossa equipe"
		}
		return strings.NewReplacer(
			"{protocol}", protocol,
			"{department}", department,
			"{agent}", agent,
		).Replace(tmpl)
	}

	var b strings.Builder
	b.WriteString("✅ *Atendimento Registrado*\n\n")
	b.WriteString("Seu protocolo de atendimento é:\n")
	fmt.Fprintf(&b, "🎫 *#%s*\n\n", protocol)
	if agent != "" {
		fmt.Fprintf(&b, "👤 Você será atendido por *%s*.\n", agent)
	} else {
		b.WriteString("⏳ Estamos localizando um especialista disponível.\n")
	}
	fmt.Fprintf(&b, "Departamento: _%s_", department)
	return b.String()
}

func agentName(tenant *directory.Tenant, id string) string {
	if id == "" {
		return ""
	}
	for _, a := range tenant.Agents {
		if a.ID == id {
			return a.Name
		}
	}
	return ""
}

func targetID(t dialog.Target) string {
	if t.DepartmentID != "" {
		return t.DepartmentID
	}
	return t.NucleusID
}

func textResponse(text string) dialog.Response {
	return dialog.Response{Text: text, Presentation: dialog.PresentText}
}
