package webhookapi

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/concierge/internal/authmw"
	"github.com/linnemanlabs/concierge/internal/orchestrator"
)

// webhookResult is the per-message outcome returned to the gateway.
type webhookResult struct {
	MessageID string              `json:"message_id,omitempty"`
	Reply     *orchestrator.Reply `json:"reply,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	if authmw.StatusFromContext(ctx) == authmw.SignatureUnsigned {
		a.logger.Warn(ctx, "webhook secret not configured, accepting unsigned payload", "tenant_id", tenant.ID)
	}

	msgs, err := ParsePayload(body)
	if err != nil {
		a.logger.Warn(ctx, "rejecting webhook payload", "tenant_id", tenant.ID, "error", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("concierge.webhook.messages", len(msgs)))

	// gateways retry non-2xx responses, so per-message failures are
	// reported in the body and the request is still acknowledged
	results := make([]webhookResult, 0, len(msgs))
	failed := 0
	for _, m := range msgs {
		reply, err := a.conv.HandleInbound(ctx, tenant.ID, orchestrator.Inbound{
			From:      m.From,
			Name:      m.Name,
			Text:      m.Text,
			Channel:   m.Channel,
			MessageID: m.MessageID,
			At:        m.At,
		})
		res := webhookResult{MessageID: m.MessageID, Reply: reply}
		if err != nil {
			failed++
			a.logger.Error(ctx, err, "inbound message failed",
				"tenant_id", tenant.ID,
				"message_id", m.MessageID,
			)
			res.Error = "processing failed"
			if errors.Is(err, orchestrator.ErrInvalidContact) {
				res.Error = "invalid contact"
			}
		}
		results = append(results, res)
	}

	status := "ok"
	switch {
	case len(msgs) == 0:
		status = "ignored"
	case failed == len(msgs):
		status = "failed"
	case failed > 0:
		status = "partial"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"results": results,
	})
}

// handleRejected acknowledges a payload whose signature did not verify so
// the gateway stops retrying it, without processing it.
func (a *API) handleRejected(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	a.logger.Warn(r.Context(), "webhook signature mismatch, payload ignored",
		"tenant_id", tenant.ID,
		"remote", r.RemoteAddr,
	)
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Bool("concierge.webhook.signature_valid", false))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

// handleHandshake answers the provider's subscription check.
func (a *API) handleHandshake(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || tenant.VerifyToken == "" || token != tenant.VerifyToken {
		a.logger.Warn(r.Context(), "webhook handshake rejected", "tenant_id", tenant.ID, "mode", mode)
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	a.logger.Info(r.Context(), "webhook handshake accepted", "tenant_id", tenant.ID)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}
