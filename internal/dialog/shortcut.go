package dialog

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/concierge/internal/keyword"
)

// ShortcutThreshold is the confidence a keyword match must exceed to
// interrupt a menu.
const ShortcutThreshold = 0.8

// OfferShortcut interrupts the current menu with a confirmation when the
// contact's message clearly names a destination. It records text as the
// answer and returns false without touching the session when the match is
// weak, the step is not a menu, or the destination is unknown.
func (e *Engine) OfferShortcut(ctx context.Context, c *Compiled, sess *Session, text string, m keyword.Match, env Env) (*Response, bool) {
	if !sess.Active() || m.Confidence <= ShortcutThreshold || m.Target == "" {
		return nil, false
	}
	step, ok := c.Script.Step(sess.CurrentStep)
	if !ok || (step.Kind != KindMenu && step.Source == "") {
		return nil, false
	}
	if _, pending := sess.Vars.Handoff(); pending {
		return nil, false
	}
	n, ok := env.NucleusByCode(m.Target)
	if !ok || c.Script.TransferStepID() == "" {
		return nil, false
	}
	if err := sess.RecordAnswer(step.ID, text, env.now()); err != nil {
		return nil, false
	}

	sess.Vars.SetPendingShortcut(Shortcut{
		Category:   string(m.Category),
		Target:     m.Target,
		Confidence: m.Confidence,
	})
	e.logger.Info(ctx, "keyword shortcut offered",
		"step", step.ID,
		"category", m.Category,
		"target", m.Target,
		"confidence", m.Confidence,
	)

	msg := fmt.Sprintf("Entendi que você precisa de ajuda com *%s*. Posso te encaminhar agora?", n.Name)
	resp := present(msg, []Option{
		{Text: "Sim", Value: "sim"},
		{Text: "Não", Value: "nao"},
	}, buttonsEnabled(sess))
	return &resp, true
}
