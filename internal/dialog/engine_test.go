package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/concierge/internal/condition"
	"github.com/linnemanlabs/concierge/internal/routing"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func boolPtr(b bool) *bool { return &b }

func newScript(initial string, steps ...*Step) *Script {
	sc := &Script{
		ID:          "sc-1",
		TenantID:    "t1",
		Name:        "test",
		Active:      true,
		InitialStep: initial,
		Steps:       make(map[string]*Step),
	}
	for _, s := range steps {
		sc.Steps[s.ID] = s
	}
	return sc
}

func mustCompile(t *testing.T, sc *Script) *Compiled {
	t.Helper()
	c, err := Compile(sc, condition.New(nil))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return c
}

func newSess(sc *Script, channel string) *Session {
	return NewSession("s-1", sc, "t1", "5511999990000", channel, t0)
}

func testEnv() Env {
	return Env{
		Now: t0.Add(time.Minute),
		Nuclei: []routing.Nucleus{
			{ID: "n-fin", Code: "NUC_FINANCEIRO", Name: "Financeiro", Visible: true, Active: true, Departments: []routing.Department{
				{ID: "d-bol", NucleusID: "n-fin", Code: "BOL", Name: "Boletos", Visible: true, Active: true},
				{ID: "d-nf", NucleusID: "n-fin", Code: "NF", Name: "Notas", Visible: true, Active: true},
			}},
			{ID: "n-sup", Code: "NUC_SUPORTE", Name: "Suporte", Visible: true, Active: true},
			{ID: "n-hidden", Code: "NUC_X", Name: "Hidden", Visible: false, Active: true},
			{ID: "n-ger", Code: "NUC_GERAL", Name: "Geral", Visible: true, Active: true},
		},
	}
}

//  Presentation

func TestExecute_Presentation(t *testing.T) {
	t.Parallel()

	opts := func(n int) []Option {
		var out []Option
		for i := range n {
			out = append(out, Option{Text: fmt.Sprintf("opt %d", i+1), Next: "end"})
		}
		return out
	}

	tests := []struct {
		name    string
		channel string
		options int
		want    Presentation
	}{
		{"three options on whatsapp", "whatsapp", 3, PresentButtons},
		{"four options on whatsapp", "WhatsApp_Business", 4, PresentList},
		{"ten options on whatsapp", "whatsapp", 10, PresentList},
		{"eleven options fall back to text", "whatsapp", 11, PresentText},
		{"channel without buttons", "webchat", 2, PresentText},
		{"no options", "whatsapp", 0, PresentText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sc := newScript("menu",
				&Step{ID: "menu", Kind: KindMenu, Message: "Escolha:", Options: opts(tt.options)},
				&Step{ID: "end", Kind: KindMessage, Message: "bye"},
			)
			sess := newSess(sc, tt.channel)
			res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, testEnv())
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Response.Presentation != tt.want {
				t.Errorf("Presentation = %q, want %q", res.Response.Presentation, tt.want)
			}
			if tt.want == PresentText && tt.options > 0 && !strings.Contains(res.Response.Text, "1 - opt 1") {
				t.Errorf("Text = %q, want numbered options", res.Response.Text)
			}
			if tt.want != PresentText && len(res.Response.Choices) != tt.options {
				t.Errorf("Choices = %d, want %d", len(res.Response.Choices), tt.options)
			}
			if res.StepID != "menu" {
				t.Errorf("StepID = %q, want menu", res.StepID)
			}
		})
	}
}

func TestExecute_ButtonsOverride(t *testing.T) {
	t.Parallel()

	sc := newScript("menu", &Step{ID: "menu", Kind: KindMenu, Options: []Option{{Text: "a"}, {Text: "b"}}})
	sess := newSess(sc, "webchat")
	sess.Vars.SetButtonsOverride(true)

	res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, testEnv())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Response.Presentation != PresentButtons {
		t.Errorf("Presentation = %q, want buttons", res.Response.Presentation)
	}
}

//  Auto-advance

func chain(n int) *Script {
	var steps []*Step
	for i := 1; i <= n; i++ {
		steps = append(steps, &Step{
			ID:      fmt.Sprintf("s%d", i),
			Kind:    KindMessage,
			Message: fmt.Sprintf("step %d", i),
			Wait:    boolPtr(false),
			Next:    fmt.Sprintf("s%d", i+1),
		})
	}
	steps = append(steps, &Step{ID: fmt.Sprintf("s%d", n+1), Kind: KindMessage, Message: "last"})
	return newScript("s1", steps...)
}

func TestExecute_AutoAdvanceLimit(t *testing.T) {
	t.Parallel()

	sc := chain(11)
	sess := newSess(sc, "whatsapp")
	_, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, testEnv())
	if !errors.Is(err, ErrAutoAdvanceLimit) {
		t.Fatalf("err = %v, want ErrAutoAdvanceLimit", err)
	}
}

func TestExecute_AutoAdvanceWithinBudget(t *testing.T) {
	t.Parallel()

	sc := chain(MaxAutoAdvance)
	sess := newSess(sc, "whatsapp")
	res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, testEnv())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.StepID != "s11" {
		t.Errorf("StepID = %q, want s11", res.StepID)
	}
	if res.Response.Text != "last" {
		t.Errorf("Text = %q, want last", res.Response.Text)
	}
	if res.Steps != MaxAutoAdvance+1 {
		t.Errorf("Steps = %d, want %d", res.Steps, MaxAutoAdvance+1)
	}
	if !res.Changed {
		t.Error("Changed = false, want true")
	}
	if len(sess.Transcript) != MaxAutoAdvance {
		t.Fatalf("transcript entries = %d, want %d", len(sess.Transcript), MaxAutoAdvance)
	}
	for _, e := range sess.Transcript {
		if e.Answer != AutoAdvanceMarker {
			t.Errorf("transcript answer = %q, want %q", e.Answer, AutoAdvanceMarker)
		}
	}
	if sess.InboundCount != 0 {
		t.Errorf("InboundCount = %d, auto-advance must not count as inbound", sess.InboundCount)
	}
}

//  Conditional steps

func TestExecute_Conditional(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cond *Condition
		vars map[string]any
		want string
	}{
		{
			name: "structured true",
			cond: &Condition{Variable: "plan", Operator: "igual", Value: "gold", IfTrue: "vip", IfFalse: "std"},
			vars: map[string]any{"plan": "gold"},
			want: "vip",
		},
		{
			name: "structured false",
			cond: &Condition{Variable: "plan", Operator: "==", Value: "gold", IfTrue: "vip", IfFalse: "std"},
			vars: map[string]any{"plan": "silver"},
			want: "std",
		},
		{
			name: "exists on missing variable",
			cond: &Condition{Variable: "email", Operator: "existe", IfTrue: "vip", IfFalse: "std"},
			want: "std",
		},
		{
			name: "expression",
			cond: &Condition{Expression: "vars.plan === 'gold' || vars.age == '30'", IfTrue: "vip", IfFalse: "std"},
			vars: map[string]any{"plan": "silver", "age": float64(30)},
			want: "vip",
		},
		{
			name: "reserved keys are invisible",
			cond: &Condition{Variable: "__contact_known", Operator: "existe", IfTrue: "vip", IfFalse: "std"},
			want: "std",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sc := newScript("check",
				&Step{ID: "check", Kind: KindConditional, Condition: tt.cond},
				&Step{ID: "vip", Kind: KindMessage, Message: "vip"},
				&Step{ID: "std", Kind: KindMessage, Message: "std"},
			)
			c, _ := Compile(sc, condition.New(nil))
			sess := newSess(sc, "whatsapp")
			sess.Vars = NewVars(tt.vars)
			sess.Vars.SetContactKnown(true)

			res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), c, sess, testEnv())
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.StepID != tt.want {
				t.Errorf("StepID = %q, want %q", res.StepID, tt.want)
			}
			if sess.PreviousStep != "check" {
				t.Errorf("PreviousStep = %q, want check", sess.PreviousStep)
			}
		})
	}
}

func TestExecute_ConditionalNotice(t *testing.T) {
	t.Parallel()

	sc := newScript("check",
		&Step{ID: "check", Kind: KindConditional, Message: "Verificando, {{name}}...",
			Condition: &Condition{Variable: "x", Operator: "existe", IfTrue: "a", IfFalse: "a"}},
		&Step{ID: "a", Kind: KindMessage, Message: "done"},
	)
	sess := newSess(sc, "whatsapp")
	_ = sess.Vars.Set("name", "Ana")

	res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, testEnv())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Notices) != 1 || res.Notices[0] != "Verificando, Ana..." {
		t.Errorf("Notices = %q, want the rendered conditional message", res.Notices)
	}
}

func TestExecute_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sc   *Script
		want error
	}{
		{
			name: "missing step",
			sc:   newScript("nowhere", &Step{ID: "a", Kind: KindMessage}),
			want: ErrStepNotFound,
		},
		{
			name: "conditional without condition",
			sc:   newScript("c", &Step{ID: "c", Kind: KindConditional}),
			want: ErrInvalidCondition,
		},
		{
			name: "conditional without variable",
			sc:   newScript("c", &Step{ID: "c", Kind: KindConditional, Condition: &Condition{IfTrue: "a", IfFalse: "a"}}),
			want: ErrInvalidCondition,
		},
		{
			name: "conditional without successor",
			sc: newScript("c", &Step{ID: "c", Kind: KindConditional,
				Condition: &Condition{Variable: "x", Operator: "existe", IfTrue: "a"}}),
			want: ErrInvalidCondition,
		},
		{
			name: "transfer without target",
			sc:   newScript("t", &Step{ID: "t", Kind: KindTransfer}),
			want: ErrInvalidTransfer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var reasons []string
			e := NewEngine(nil, EngineHooks{OnError: func(r string) { reasons = append(reasons, r) }})
			c, _ := Compile(tt.sc, nil)
			_, err := e.Execute(context.Background(), c, newSess(tt.sc, "whatsapp"), testEnv())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(reasons) != 1 {
				t.Errorf("OnError called %d times, want 1", len(reasons))
			}
		})
	}
}

func TestExecute_InactiveSession(t *testing.T) {
	t.Parallel()

	sc := newScript("a", &Step{ID: "a", Kind: KindMessage})
	sess := newSess(sc, "whatsapp")
	_ = sess.Abandon(t0)

	_, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, testEnv())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

//  Transfer

func TestExecute_Transfer(t *testing.T) {
	t.Parallel()

	sc := newScript("t", &Step{ID: "t", Kind: KindTransfer, Summary: "{{name}} quer {{department}}"})
	sess := newSess(sc, "whatsapp")
	_ = sess.Vars.Set("name", "Ana")
	sess.Vars.SetTarget(Target{DepartmentID: "d-bol"})

	env := testEnv()
	res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, env)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Handoff == nil {
		t.Fatal("Handoff = nil, want a pending transfer")
	}
	if res.Handoff.DepartmentName != "Boletos" || res.Handoff.NucleusID != "n-fin" {
		t.Errorf("Handoff target = %+v, want Boletos in n-fin", res.Handoff.Target)
	}
	if res.Handoff.Summary != "Ana quer Boletos" {
		t.Errorf("Summary = %q", res.Handoff.Summary)
	}
	if !strings.Contains(res.Response.Text, "Boletos") {
		t.Errorf("Text = %q, want the department name", res.Response.Text)
	}

	h, ok := sess.Vars.Handoff()
	if !ok || !h.Awaiting || !h.FinalizeAfterSend {
		t.Errorf("stored handoff = %+v, %v", h, ok)
	}
	if !h.At.Equal(env.Now) {
		t.Errorf("handoff At = %v, want %v", h.At, env.Now)
	}
	if sess.CurrentStep != "t" {
		t.Errorf("CurrentStep = %q, transfer must not advance", sess.CurrentStep)
	}
	if sess.Status != StatusInProgress {
		t.Errorf("Status = %q, transfer completes after delivery", sess.Status)
	}
}

func TestExecute_TransferStepTarget(t *testing.T) {
	t.Parallel()

	sc := newScript("t", &Step{ID: "t", Kind: KindTransfer, NucleusID: "n-sup"})
	sess := newSess(sc, "whatsapp")
	res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, testEnv())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Handoff.NucleusName != "Suporte" {
		t.Errorf("NucleusName = %q, want Suporte", res.Handoff.NucleusName)
	}
}

//  Dynamic menus

func TestExecute_NucleusMenu(t *testing.T) {
	t.Parallel()

	sc := newScript("welcome",
		&Step{ID: "welcome", Kind: KindMenu, Message: "Olá {{first_name}}!", KnownMessage: "Que bom te ver, {{first_name}}!",
			Source: SourceNuclei, Next: "dept"},
		&Step{ID: "dept", Kind: KindMenu, Source: SourceDepartments, Next: "transfer"},
		&Step{ID: "transfer", Kind: KindTransfer},
	)
	sess := newSess(sc, "whatsapp")
	_ = sess.Vars.Set("first_name", "Ana")
	sess.Vars.SetContactKnown(true)
	sess.Vars.SetLastTicket(LastTicket{ID: "tk-1", DepartmentID: "d-bol", DepartmentName: "Boletos"})

	env := testEnv()
	env.GeneralNucleusID = "n-ger"

	res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, env)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Response.Text != "Que bom te ver, Ana!" {
		t.Errorf("Text = %q, want the known-contact greeting", res.Response.Text)
	}
	got := make([]string, len(res.Response.Choices))
	for i, c := range res.Response.Choices {
		got[i] = c.ID
	}
	want := []string{"0", "NUC_FINANCEIRO", "NUC_SUPORTE", "NUC_GERAL", "ajuda"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("choices = %v, want %v", got, want)
	}
	if res.Response.Presentation != PresentList {
		t.Errorf("Presentation = %q, want list", res.Response.Presentation)
	}
}

func TestExecute_DepartmentMenu(t *testing.T) {
	t.Parallel()

	newSc := func() *Script {
		return newScript("dept",
			&Step{ID: "dept", Kind: KindMenu, Message: "Qual área?", Source: SourceDepartments, Next: "transfer"},
			&Step{ID: "transfer", Kind: KindTransfer},
		)
	}

	t.Run("lists visible departments", func(t *testing.T) {
		t.Parallel()
		sc := newSc()
		sess := newSess(sc, "whatsapp")
		sess.Vars.SetTarget(Target{NucleusID: "n-fin", NucleusName: "Financeiro"})
		res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, testEnv())
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(res.Response.Choices) != 2 || res.Response.Choices[0].Title != "Boletos" {
			t.Errorf("Choices = %+v, want Boletos and Notas", res.Response.Choices)
		}
	})

	t.Run("no departments skips to transfer", func(t *testing.T) {
		t.Parallel()
		sc := newSc()
		sess := newSess(sc, "whatsapp")
		sess.Vars.SetTarget(Target{NucleusID: "n-sup", NucleusName: "Suporte"})
		res, err := NewEngine(nil, EngineHooks{}).Execute(context.Background(), mustCompile(t, sc), sess, testEnv())
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if res.StepID != "transfer" || res.Handoff == nil {
			t.Errorf("StepID = %q, handoff = %v, want transfer", res.StepID, res.Handoff)
		}
	})
}

func TestExecute_Hooks(t *testing.T) {
	t.Parallel()

	kinds := map[StepKind]int{}
	e := NewEngine(nil, EngineHooks{OnStep: func(k StepKind) { kinds[k]++ }})
	sc := newScript("c",
		&Step{ID: "c", Kind: KindConditional, Condition: &Condition{Variable: "x", Operator: "existe", IfTrue: "m", IfFalse: "m"}},
		&Step{ID: "m", Kind: KindMenu, Options: []Option{{Text: "a"}}},
	)
	if _, err := e.Execute(context.Background(), mustCompile(t, sc), newSess(sc, "whatsapp"), testEnv()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if kinds[KindConditional] != 1 || kinds[KindMenu] != 1 {
		t.Errorf("OnStep counts = %v", kinds)
	}
}

//  Render

func TestRender(t *testing.T) {
	t.Parallel()

	vars := map[string]any{"name": "Ana", "age": float64(30), "ratio": 1.5, "nothing": nil, "__secret": "x"}
	tests := []struct {
		in, want string
	}{
		{"Olá {{name}}", "Olá Ana"},
		{"Olá {{ name }}", "Olá Ana"},
		{"Olá {name}", "Olá Ana"},
		{"{{vars.name}} tem {{age}} anos", "Ana tem 30 anos"},
		{"r={{ratio}}", "r=1.5"},
		{"{{nothing}}", "{{nothing}}"},
		{"{{missing}}", "{{missing}}"},
		{"{{__secret}}", "{{__secret}}"},
		{"sem chaves", "sem chaves"},
	}
	for _, tt := range tests {
		if got := Render(tt.in, vars); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOptionLabels(t *testing.T) {
	t.Parallel()

	opts := []Option{
		{Text: "Continuar", Value: "0", Action: ActionContinueLast},
		{Text: "A"},
		{Text: "B"},
	}
	got := strings.Join(OptionLabels(opts), ",")
	if got != "0,1,2" {
		t.Errorf("OptionLabels = %q, want 0,1,2", got)
	}
	if txt := FormatOptions(opts); txt != "0 - Continuar\n1 - A\n2 - B" {
		t.Errorf("FormatOptions = %q", txt)
	}
}
