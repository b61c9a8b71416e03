package webhookapi

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPayload is returned when a webhook body is neither a simple
// message nor a Meta Cloud API envelope.
var ErrInvalidPayload = errors.New("invalid payload")

// Message is one normalized inbound message.
type Message struct {
	From      string
	Name      string
	Text      string
	Channel   string
	MessageID string
	At        time.Time
}

// simplePayload is the gateway's flat format.
type simplePayload struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	Text      string `json:"text"`
	Name      string `json:"name"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
}

// metaEnvelope is the subset of the WhatsApp Cloud API webhook that carries
// contact messages.
type metaEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []metaMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type metaMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Button struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive struct {
		Type        string    `json:"type"`
		ButtonReply metaReply `json:"button_reply"`
		ListReply   metaReply `json:"list_reply"`
	} `json:"interactive"`
}

type metaReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// text is what the contact said. Replies to buttons and lists carry the
// choice id, which the dialog engine matches against option values.
func (m metaMessage) text() string {
	switch m.Type {
	case "text":
		return m.Text.Body
	case "button":
		return firstNonEmpty(m.Button.Payload, m.Button.Text)
	case "interactive":
		switch m.Interactive.Type {
		case "button_reply":
			return firstNonEmpty(m.Interactive.ButtonReply.ID, m.Interactive.ButtonReply.Title)
		case "list_reply":
			return firstNonEmpty(m.Interactive.ListReply.ID, m.Interactive.ListReply.Title)
		}
	}
	return ""
}

// ParsePayload normalizes a webhook body. A Meta envelope without messages,
// such as a delivery status callback, yields no messages and no error.
func ParsePayload(body []byte) ([]Message, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}

	if _, ok := probe["entry"]; ok {
		return parseMeta(body)
	}

	var p simplePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.From) == "" {
		return nil, errors.Join(ErrInvalidPayload, errors.New("missing sender"))
	}
	return []Message{{
		From:      p.From,
		Name:      p.Name,
		Text:      firstNonEmpty(p.Body, p.Text),
		Channel:   p.Channel,
		MessageID: p.MessageID,
	}}, nil
}

func parseMeta(body []byte) ([]Message, error) {
	var env metaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}

	var out []Message
	for _, e := range env.Entry {
		for _, c := range e.Changes {
			names := make(map[string]string, len(c.Value.Contacts))
			for _, ct := range c.Value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range c.Value.Messages {
				if m.From == "" {
					continue
				}
				msg := Message{
					From:      m.From,
					Name:      names[m.From],
					Text:      m.text(),
					Channel:   "whatsapp",
					MessageID: m.ID,
				}
				if sec, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
					msg.At = time.Unix(sec, 0).UTC()
				}
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
