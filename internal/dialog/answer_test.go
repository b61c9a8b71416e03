package dialog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/concierge/internal/keyword"
)

func answerScript() *Script {
	return newScript("menu",
		&Step{ID: "menu", Kind: KindMenu, Message: "Como posso ajudar?", Options: []Option{
			{Text: "Segunda via", Value: "segunda_via", Aliases: []string{"boleto"}, Next: "ask_email",
				Writes: map[string]any{"topic": "billing", "raw": "{{answer}}", "stale": nil}},
			{Text: "Falar com suporte", Action: ActionTransfer, NucleusID: "n-sup"},
			{Text: "Horário", Action: ActionMessage, Message: "Atendemos das 8h às 18h."},
			{Text: "Encerrar", Action: ActionFinish, Message: "Até logo, {{name}}!"},
		}},
		&Step{ID: "ask_email", Kind: KindCollect, Message: "Qual seu e-mail?", Variable: "email",
			Validation: &Validation{Type: "email"},
			Routes:     []Route{{Variable: "email", Operator: "==", Value: "vip@acme.com", Next: "vip"}},
			Next:       "confirm"},
		&Step{ID: "vip", Kind: KindMessage, Message: "vip"},
		&Step{ID: "confirm", Kind: KindConfirm, Message: "Confirma?", Next: "transfer", Decline: "menu"},
		&Step{ID: "transfer", Kind: KindTransfer},
	)
}

func TestAnswer_OptionSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		verdict Verdict
		step    string
		reply   string
	}{
		{"by number", "1", VerdictAdvance, "ask_email", ""},
		{"by value", "segunda_via", VerdictAdvance, "ask_email", ""},
		{"by text ignoring case and accents", "SEGUNDA VIA", VerdictAdvance, "ask_email", ""},
		{"by alias", "Boleto", VerdictAdvance, "ask_email", ""},
		{"message option stays", "3", VerdictReply, "menu", "Atendemos das 8h às 18h."},
		{"finish option completes", "encerrar", VerdictComplete, "menu", "Até logo, Ana!"},
		{"transfer option jumps to transfer step", "2", VerdictAdvance, "transfer", ""},
		{"unknown answer re-prompts", "quero pizza", VerdictReprompt, "menu", invalidOption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sc := answerScript()
			sess := newSess(sc, "whatsapp")
			_ = sess.Vars.Set("name", "Ana")
			_ = sess.Vars.Set("stale", "x")

			a, err := NewEngine(nil, EngineHooks{}).Answer(context.Background(), mustCompile(t, sc), sess, tt.text, testEnv())
			if err != nil {
				t.Fatalf("Answer: %v", err)
			}
			if a.Verdict != tt.verdict {
				t.Errorf("Verdict = %q, want %q", a.Verdict, tt.verdict)
			}
			if sess.CurrentStep != tt.step {
				t.Errorf("CurrentStep = %q, want %q", sess.CurrentStep, tt.step)
			}
			if a.Reply != tt.reply {
				t.Errorf("Reply = %q, want %q", a.Reply, tt.reply)
			}
			if len(sess.Transcript) != 1 || sess.Transcript[0].Answer != tt.text {
				t.Errorf("transcript = %+v, want the answer recorded", sess.Transcript)
			}
		})
	}
}

func TestAnswer_Writes(t *testing.T) {
	t.Parallel()

	sc := answerScript()
	sess := newSess(sc, "whatsapp")
	_ = sess.Vars.Set("stale", "x")

	if _, err := NewEngine(nil, EngineHooks{}).Answer(context.Background(), mustCompile(t, sc), sess, "Boleto", testEnv()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got := sess.Vars.Text("topic"); got != "billing" {
		t.Errorf("topic = %q, want billing", got)
	}
	if got := sess.Vars.Text("raw"); got != "Boleto" {
		t.Errorf("raw = %q, want the answer", got)
	}
	if _, ok := sess.Vars.Get("stale"); ok {
		t.Error("nil write should delete the key")
	}
}

func TestAnswer_WriteCopiesVariable(t *testing.T) {
	t.Parallel()

	sc := newScript("m",
		&Step{ID: "m", Kind: KindMenu, Options: []Option{
			{Text: "a", Next: "end", Writes: map[string]any{"copy": "{{vars.name}}", "__handoff_awaiting": true}},
		}},
		&Step{ID: "end", Kind: KindMessage},
	)
	sess := newSess(sc, "whatsapp")
	_ = sess.Vars.Set("name", "Ana")

	if _, err := NewEngine(nil, EngineHooks{}).Answer(context.Background(), mustCompile(t, sc), sess, "a", testEnv()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if sess.Vars.Text("copy") != "Ana" {
		t.Errorf("copy = %q, want Ana", sess.Vars.Text("copy"))
	}
	if _, pending := sess.Vars.Handoff(); pending {
		t.Error("writes must not reach reserved keys")
	}
}

func TestAnswer_Collect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		verdict Verdict
		step    string
		email   string
	}{
		{"valid email normalized", " Ana@Example.COM ", VerdictAdvance, "confirm", "ana@example.com"},
		{"route on value", "vip@acme.com", VerdictAdvance, "vip", "vip@acme.com"},
		{"invalid email re-prompts", "not-an-email", VerdictReprompt, "ask_email", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sc := answerScript()
			sess := newSess(sc, "whatsapp")
			sess.CurrentStep = "ask_email"

			a, err := NewEngine(nil, EngineHooks{}).Answer(context.Background(), mustCompile(t, sc), sess, tt.text, testEnv())
			if err != nil {
				t.Fatalf("Answer: %v", err)
			}
			if a.Verdict != tt.verdict {
				t.Errorf("Verdict = %q, want %q", a.Verdict, tt.verdict)
			}
			if sess.CurrentStep != tt.step {
				t.Errorf("CurrentStep = %q, want %q", sess.CurrentStep, tt.step)
			}
			if got := sess.Vars.Text("email"); got != tt.email {
				t.Errorf("email = %q, want %q", got, tt.email)
			}
		})
	}
}

func TestAnswer_Confirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		step string
	}{
		{"sim", "transfer"},
		{"Sim, pode", "transfer"},
		{"1", "transfer"},
		{"não", "menu"},
		{"2", "menu"},
	}
	for _, tt := range tests {
		sc := answerScript()
		sess := newSess(sc, "whatsapp")
		sess.CurrentStep = "confirm"

		a, err := NewEngine(nil, EngineHooks{}).Answer(context.Background(), mustCompile(t, sc), sess, tt.text, testEnv())
		if err != nil {
			t.Fatalf("Answer(%q): %v", tt.text, err)
		}
		if a.Verdict != VerdictAdvance || sess.CurrentStep != tt.step {
			t.Errorf("Answer(%q) = %q at %q, want advance to %q", tt.text, a.Verdict, sess.CurrentStep, tt.step)
		}
	}
}

func TestAnswer_KeywordMap(t *testing.T) {
	t.Parallel()

	sc := newScript("m",
		&Step{ID: "m", Kind: KindMenu, Keywords: map[string]string{"Nota Fiscal": "nf"}, Options: []Option{{Text: "a", Next: "a"}}},
		&Step{ID: "nf", Kind: KindMessage},
		&Step{ID: "a", Kind: KindMessage},
	)
	sess := newSess(sc, "whatsapp")
	a, err := NewEngine(nil, EngineHooks{}).Answer(context.Background(), mustCompile(t, sc), sess, "nota fiscal!", testEnv())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if a.Verdict != VerdictAdvance || sess.CurrentStep != "nf" {
		t.Errorf("got %q at %q, want advance to nf", a.Verdict, sess.CurrentStep)
	}
}

func TestAnswer_Branches(t *testing.T) {
	t.Parallel()

	sc := newScript("m",
		&Step{ID: "m", Kind: KindMenu, Options: []Option{{
			Text: "Planos", Next: "std",
			Branches: []Branch{
				{If: "plan === 'gold'", Then: "gold"},
				{If: "answer == 'planos' && plan == null", Then: "anon"},
			},
		}}},
		&Step{ID: "std", Kind: KindMessage},
		&Step{ID: "gold", Kind: KindMessage},
		&Step{ID: "anon", Kind: KindMessage},
	)

	tests := []struct {
		name string
		plan any
		want string
	}{
		{"first branch", "gold", "gold"},
		{"second branch sees the answer", nil, "anon"},
		{"no branch uses next", "silver", "std"},
	}
	for _, tt := range tests {
		sess := newSess(sc, "whatsapp")
		if tt.plan != nil {
			_ = sess.Vars.Set("plan", tt.plan)
		}
		if _, err := NewEngine(nil, EngineHooks{}).Answer(context.Background(), mustCompile(t, sc), sess, "planos", testEnv()); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if sess.CurrentStep != tt.want {
			t.Errorf("%s: CurrentStep = %q, want %q", tt.name, sess.CurrentStep, tt.want)
		}
	}
}

func TestAnswer_NoNextCompletes(t *testing.T) {
	t.Parallel()

	sc := newScript("q", &Step{ID: "q", Kind: KindCollect, Variable: "feedback"})
	sess := newSess(sc, "whatsapp")
	a, err := NewEngine(nil, EngineHooks{}).Answer(context.Background(), mustCompile(t, sc), sess, "ótimo", testEnv())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if a.Verdict != VerdictComplete || sess.Status != StatusCompleted {
		t.Errorf("verdict=%q status=%q, want completed", a.Verdict, sess.Status)
	}
}

func TestAnswer_StepNotFound(t *testing.T) {
	t.Parallel()

	sc := newScript("m", &Step{ID: "m", Kind: KindMenu})
	sess := newSess(sc, "whatsapp")
	sess.CurrentStep = "removed"
	_, err := NewEngine(nil, EngineHooks{}).Answer(context.Background(), mustCompile(t, sc), sess, "oi", testEnv())
	if !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("err = %v, want ErrStepNotFound", err)
	}
}

func TestAnswer_NucleusMenuFlow(t *testing.T) {
	t.Parallel()

	sc := newScript("welcome",
		&Step{ID: "welcome", Kind: KindMenu, Source: SourceNuclei, Next: "dept"},
		&Step{ID: "dept", Kind: KindMenu, Source: SourceDepartments, Next: "transfer"},
		&Step{ID: "transfer", Kind: KindTransfer},
	)
	c := mustCompile(t, sc)
	e := NewEngine(nil, EngineHooks{})
	env := testEnv()
	env.GeneralNucleusID = "n-ger"

	t.Run("nucleus then department", func(t *testing.T) {
		t.Parallel()
		sess := newSess(sc, "whatsapp")
		if _, err := e.Answer(context.Background(), c, sess, "1", env); err != nil {
			t.Fatalf("Answer: %v", err)
		}
		if tgt := sess.Vars.Target(); tgt.NucleusID != "n-fin" || tgt.NucleusName != "Financeiro" {
			t.Errorf("target = %+v, want Financeiro", tgt)
		}
		if _, err := e.Answer(context.Background(), c, sess, "Notas", env); err != nil {
			t.Fatalf("Answer: %v", err)
		}
		if tgt := sess.Vars.Target(); tgt.DepartmentID != "d-nf" {
			t.Errorf("target = %+v, want d-nf", tgt)
		}
		if sess.CurrentStep != "transfer" {
			t.Errorf("CurrentStep = %q, want transfer", sess.CurrentStep)
		}
	})

	t.Run("continue with last department", func(t *testing.T) {
		t.Parallel()
		sess := newSess(sc, "whatsapp")
		sess.Vars.SetLastTicket(LastTicket{ID: "tk", DepartmentID: "d-bol", DepartmentName: "Boletos"})
		if _, err := e.Answer(context.Background(), c, sess, "0", env); err != nil {
			t.Fatalf("Answer: %v", err)
		}
		if tgt := sess.Vars.Target(); tgt.DepartmentID != "d-bol" || tgt.NucleusID != "n-fin" {
			t.Errorf("target = %+v, want d-bol in n-fin", tgt)
		}
		if sess.CurrentStep != "transfer" {
			t.Errorf("CurrentStep = %q, want transfer", sess.CurrentStep)
		}
	})

	t.Run("did not understand goes to a person", func(t *testing.T) {
		t.Parallel()
		sess := newSess(sc, "whatsapp")
		if _, err := e.Answer(context.Background(), c, sess, "ajuda", env); err != nil {
			t.Fatalf("Answer: %v", err)
		}
		if tgt := sess.Vars.Target(); tgt.NucleusID != "n-ger" {
			t.Errorf("target = %+v, want n-ger", tgt)
		}
	})
}

//  Shortcuts

func TestShortcut_OfferAndConfirm(t *testing.T) {
	t.Parallel()

	sc := newScript("welcome",
		&Step{ID: "welcome", Kind: KindMenu, Source: SourceNuclei, Next: "transfer"},
		&Step{ID: "transfer", Kind: KindTransfer},
	)
	c := mustCompile(t, sc)
	e := NewEngine(nil, EngineHooks{})
	env := testEnv()

	m, ok := keyword.New().Detect("boleto")
	if !ok {
		t.Fatal("keyword matcher found nothing")
	}

	for _, tt := range []struct {
		reply string
		step  string
	}{
		{"sim", "transfer"},
		{"não", "welcome"},
	} {
		sess := newSess(sc, "whatsapp")
		resp, ok := e.OfferShortcut(context.Background(), c, sess, "boleto", m, env)
		if !ok {
			t.Fatal("OfferShortcut declined a strong match")
		}
		if resp.Presentation != PresentButtons || len(resp.Choices) != 2 {
			t.Errorf("response = %+v, want yes/no buttons", resp)
		}
		if _, pending := sess.Vars.PendingShortcut(); !pending {
			t.Fatal("shortcut not stored")
		}

		a, err := e.Answer(context.Background(), c, sess, tt.reply, env)
		if err != nil {
			t.Fatalf("Answer(%q): %v", tt.reply, err)
		}
		if a.Verdict != VerdictAdvance || sess.CurrentStep != tt.step {
			t.Errorf("Answer(%q) = %q at %q, want %q", tt.reply, a.Verdict, sess.CurrentStep, tt.step)
		}
		if _, pending := sess.Vars.PendingShortcut(); pending {
			t.Errorf("Answer(%q) left the shortcut pending", tt.reply)
		}
		if tt.reply == "sim" && sess.Vars.Target().NucleusID != "n-fin" {
			t.Errorf("target = %+v, want n-fin", sess.Vars.Target())
		}
	}
}

func TestShortcut_Declined(t *testing.T) {
	t.Parallel()

	sc := newScript("ask",
		&Step{ID: "ask", Kind: KindCollect, Variable: "name", Next: "transfer"},
		&Step{ID: "transfer", Kind: KindTransfer},
	)
	c := mustCompile(t, sc)
	e := NewEngine(nil, EngineHooks{})

	tests := []struct {
		name  string
		match keyword.Match
	}{
		{"collect steps are not interrupted", keyword.Match{Category: keyword.Billing, Target: "NUC_FINANCEIRO", Confidence: 1}},
		{"weak match", keyword.Match{Category: keyword.Billing, Target: "NUC_FINANCEIRO", Confidence: 0.8}},
		{"unknown target", keyword.Match{Category: keyword.Billing, Target: "NUC_NOPE", Confidence: 1}},
	}
	for _, tt := range tests {
		sess := newSess(sc, "whatsapp")
		if tt.name != "collect steps are not interrupted" {
			sc2 := newScript("m", &Step{ID: "m", Kind: KindMenu}, &Step{ID: "transfer", Kind: KindTransfer})
			c = mustCompile(t, sc2)
			sess = newSess(sc2, "whatsapp")
		}
		if _, ok := e.OfferShortcut(context.Background(), c, sess, "x", tt.match, testEnv()); ok {
			t.Errorf("%s: OfferShortcut accepted", tt.name)
		}
		if len(sess.Transcript) != 0 {
			t.Errorf("%s: declined shortcut recorded the answer", tt.name)
		}
	}
}

func TestIsExitWord(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]bool{
		"sair":         true,
		"Cancelar!":    true,
		"exit":         true,
		"quero sair":   false,
		"cancelamento": false,
		"":             false,
	} {
		if got := IsExitWord(in); got != want {
			t.Errorf("IsExitWord(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    *Validation
		in   string
		want string
		ok   bool
	}{
		{"no validation", nil, "  hi ", "hi", true},
		{"empty", nil, "   ", "", false},
		{"name collapses spaces", &Validation{Type: "name"}, "Ana   Maria", "Ana Maria", true},
		{"name rejects digits", &Validation{Type: "name"}, "R2D2", "", false},
		{"phone keeps digits", &Validation{Type: "phone"}, "(11) 99999-0000", "11999990000", true},
		{"phone too short", &Validation{Type: "phone"}, "9999", "", false},
		{"text min", &Validation{Type: "text", Min: 5}, "abc", "", false},
		{"text max", &Validation{Type: "text", Max: 3}, "abcd", "", false},
		{"pattern", &Validation{Pattern: `^\d{3}$`}, "123", "123", true},
		{"pattern mismatch", &Validation{Pattern: `^\d{3}$`}, "12a", "", false},
	}
	for _, tt := range tests {
		got, ok := Collect(tt.v, tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("%s: Collect(%q) = %q, %v, want %q, %v", tt.name, tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCompiled_CollectUsesCompiledPattern(t *testing.T) {
	t.Parallel()

	sc := newScript("ask",
		&Step{ID: "ask", Kind: KindCollect, Message: "CPF?", Variable: "cpf",
			Validation: &Validation{Pattern: `^\d{11}$`}, Next: "done"},
		&Step{ID: "done", Kind: KindMessage, Message: "ok"},
	)
	c := mustCompile(t, sc)
	if c.patterns[`^\d{11}$`] == nil {
		t.Fatal("pattern was not compiled with the script")
	}
	if _, ok := c.Collect(sc.Steps["ask"].Validation, "123"); ok {
		t.Error("short answer accepted")
	}
	if got, ok := c.Collect(sc.Steps["ask"].Validation, " 12345678901 "); !ok || got != "12345678901" {
		t.Errorf("Collect = %q, %v", got, ok)
	}

	bad := newScript("ask",
		&Step{ID: "ask", Kind: KindCollect, Message: "?", Variable: "x",
			Validation: &Validation{Pattern: `([`}},
	)
	cb, err := Compile(bad, nil)
	if err == nil || !strings.Contains(err.Error(), "pattern") {
		t.Fatalf("Compile error = %v, want pattern error", err)
	}
	// an unusable pattern is not enforced
	if _, ok := cb.Collect(bad.Steps["ask"].Validation, "anything"); !ok {
		t.Error("answer rejected by a malformed pattern")
	}
}
