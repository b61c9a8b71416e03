// Package slack posts transfer notices to a supervisors' channel via Slack
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/concierge/internal/orchestrator"
)

const (
	maxSummaryLen = 2000
	httpTimeout   = 10 * time.Second
)

// Notifier sends handoff notices to a Slack webhook.
type Notifier struct {
	webhookURL     string
	unassignedOnly bool
	client         *http.Client
}

// Option configures a Notifier.
type Option func(*Notifier)

// UnassignedOnly skips transfers that already have an agent, leaving only
// the ones waiting in a queue.
func UnassignedOnly() Option {
	return func(n *Notifier) { n.unassignedOnly = true }
}

// New creates a new Slack notifier. If webhookURL is empty, NotifyHandoff
// is a no-op.
func New(webhookURL string, opts ...Option) *Notifier {
	n := &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// NotifyHandoff posts a transfer notice to the configured Slack webhook.
func (n *Notifier) NotifyHandoff(ctx context.Context, h orchestrator.HandoffNotice) error {
	if n.webhookURL == "" || (n.unassignedOnly && h.AgentID != "") {
		return nil
	}

	body, err := json.Marshal(buildMessage(h))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(h orchestrator.HandoffNotice) map[string]any {
	return map[string]any{
		"text": fallbackText(h),
		"blocks": []map[string]any{
			headerBlock(h),
			fieldsBlock(h),
			{"type": "divider"},
			summaryBlock(h),
			contextBlock(h),
		},
	}
}

// fallbackText is shown in notifications that cannot render blocks.
func fallbackText(h orchestrator.HandoffNotice) string {
	if h.AgentName != "" {
		return fmt.Sprintf("%s: transfer to %s (%s)", h.TenantName, h.AgentName, h.Department)
	}
	return fmt.Sprintf("%s: transfer waiting in queue (%s)", h.TenantName, h.Department)
}

func headerBlock(h orchestrator.HandoffNotice) map[string]any {
	text := "\U0001f7e2 Transfer to " + h.AgentName // green circle
	if h.AgentName == "" {
		text = "\U0001f7e1 Transfer waiting for an agent" // yellow circle
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(h orchestrator.HandoffNotice) map[string]any {
	contact := maskPhone(h.Contact)
	if h.ContactName != "" {
		contact = h.ContactName + " (" + contact + ")"
	}
	protocol := h.Protocol
	if protocol == "" {
		protocol = "-"
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Tenant:* %s", h.TenantName)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Department:* %s", h.Department)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Contact:* %s", contact)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Protocol:* %s", protocol)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(h orchestrator.HandoffNotice) map[string]any {
	text := truncate(h.Summary, maxSummaryLen)
	if text == "" {
		text = "_No summary._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n%s", text),
		},
	}
}

func contextBlock(h orchestrator.HandoffNotice) map[string]any {
	ts := h.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("concierge • session %s • %s", h.SessionID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

// maskPhone keeps the last four digits.
func maskPhone(p string) string {
	if len(p) <= 4 {
		return p
	}
	return strings.Repeat("•", len(p)-4) + p[len(p)-4:]
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
