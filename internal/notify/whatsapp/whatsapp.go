// Package whatsapp delivers dialog replies to contacts through a message
// gateway.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/concierge/internal/dialog"
)

const (
	maxTextLen      = 4096
	maxButtonTitle  = 20
	maxRowTitle     = 24
	maxRowDesc      = 72
	defaultTimeout  = 10 * time.Second
	listButtonLabel = "Ver opções"
)

// Config configures a Sender.
type Config struct {
	// URL is the gateway endpoint. Empty makes Send a no-op.
	URL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
}

// Sender posts replies to the gateway.
type Sender struct {
	url    string
	token  string
	client *http.Client
}

// New creates a Sender. Requests are traced through otelhttp.
func New(cfg Config) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Sender{
		url:   cfg.URL,
		token: cfg.Token,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Message is the gateway payload.
type Message struct {
	TenantID string   `json:"tenant_id"`
	To       string   `json:"to"`
	Type     string   `json:"type"`
	Text     string   `json:"text"`
	Buttons  []Button `json:"buttons,omitempty"`
	List     *List    `json:"list,omitempty"`
}

// Button is a reply button.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// List is an interactive list with a single section.
type List struct {
	Button string `json:"button"`
	Rows   []Row  `json:"rows"`
}

// Row is one list entry.
type Row struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Send delivers resp to the contact. If no gateway URL is configured, it
// returns nil immediately.
func (s *Sender) Send(ctx context.Context, tenantID, to string, resp dialog.Response) error {
	if s.url == "" {
		return nil
	}

	body, err := json.Marshal(BuildMessage(tenantID, to, resp))
	if err != nil {
		return fmt.Errorf("whatsapp: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	res, err := s.client.Do(req) //nolint:gosec // G704: gateway URL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("whatsapp: post message: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("whatsapp: gateway returned %d: %s", res.StatusCode, string(respBody))
	}
	return nil
}

// BuildMessage converts a dialog response into the gateway payload.
// Responses with more choices than the gateway renders fall back to the
// numbered text the engine already produced.
func BuildMessage(tenantID, to string, resp dialog.Response) Message {
	m := Message{
		TenantID: tenantID,
		To:       to,
		Type:     "text",
		Text:     truncate(resp.Text, maxTextLen),
	}
	switch resp.Presentation {
	case dialog.PresentButtons:
		if len(resp.Choices) == 0 || len(resp.Choices) > 3 {
			return m
		}
		m.Type = "buttons"
		for _, c := range resp.Choices {
			m.Buttons = append(m.Buttons, Button{ID: c.ID, Title: truncate(c.Title, maxButtonTitle)})
		}
	case dialog.PresentList:
		if len(resp.Choices) == 0 || len(resp.Choices) > 10 {
			return m
		}
		m.Type = "list"
		m.List = &List{Button: listButtonLabel}
		for _, c := range resp.Choices {
			m.List.Rows = append(m.List.Rows, Row{
				ID:          c.ID,
				Title:       truncate(c.Title, maxRowTitle),
				Description: truncate(c.Description, maxRowDesc),
			})
		}
	}
	return m
}

// truncate shortens s to limit runes, ending with an ellipsis when cut.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
