// internal/dialog/engine.go
package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/concierge/internal/routing"
	"github.com/linnemanlabs/go-core/log"
)

// MaxAutoAdvance bounds how many steps one external input may move through
// without stopping for a reply.
const MaxAutoAdvance = 10

// Configuration errors. They mean the script is broken, not the input.
var (
	ErrStepNotFound     = errors.New("step not found")
	ErrInvalidCondition = errors.New("invalid condition step")
	ErrInvalidTransfer  = errors.New("transfer step has no target")
	ErrAutoAdvanceLimit = errors.New("auto-advance limit exceeded")
)

var tracer = otel.Tracer("github.com/linnemanlabs/concierge/internal/dialog")

// Presentation is how the outbound message shows its options.
type Presentation string

const (
	PresentText    Presentation = "text"
	PresentButtons Presentation = "buttons"
	PresentList    Presentation = "list"
)

const (
	maxButtons     = 3
	maxListEntries = 10
)

// channels whose gateway renders reply buttons and lists
var interactiveChannels = map[string]bool{
	"whatsapp":              true,
	"whatsapp_business":     true,
	"whatsapp_business_api": true,
}

// Choice is one interactive option as sent to the gateway.
type Choice struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Response is the message to deliver to the contact.
type Response struct {
	Text         string       `json:"text"`
	Presentation Presentation `json:"presentation"`
	Choices      []Choice     `json:"choices,omitempty"`
}

// Env carries what the engine needs from outside the session.
type Env struct {
	// Nuclei are the tenant's routing targets, in menu order.
	Nuclei []routing.Nucleus

	// GeneralNucleusID receives contacts who ask for a person from the
	// welcome menu. Empty disables that option.
	GeneralNucleusID string

	Now time.Time
}

func (env Env) now() time.Time {
	if env.Now.IsZero() {
		return time.Now()
	}
	return env.Now
}

// Nucleus finds a routing target by id.
func (env Env) Nucleus(id string) (*routing.Nucleus, bool) {
	for i := range env.Nuclei {
		if env.Nuclei[i].ID == id {
			return &env.Nuclei[i], true
		}
	}
	return nil, false
}

// NucleusByCode finds a routing target by its code, case-insensitively.
func (env Env) NucleusByCode(code string) (*routing.Nucleus, bool) {
	for i := range env.Nuclei {
		if strings.EqualFold(env.Nuclei[i].Code, code) {
			return &env.Nuclei[i], true
		}
	}
	return nil, false
}

// Department finds a department by id across all nuclei.
func (env Env) Department(id string) (*routing.Department, *routing.Nucleus, bool) {
	for i := range env.Nuclei {
		n := &env.Nuclei[i]
		for j := range n.Departments {
			if n.Departments[j].ID == id {
				return &n.Departments[j], n, true
			}
		}
	}
	return nil, nil, false
}

// Result is the outcome of one Execute call.
type Result struct {
	Response Response

	// Notices are transient messages from conditional steps passed on the
	// way, delivered before Response.
	Notices []string

	// Handoff is set when the session reached a transfer step. The caller
	// delivers Response and then completes the transfer.
	Handoff *Handoff

	// Changed reports whether the session was mutated.
	Changed bool

	// Steps counts the steps built, auto-advanced ones included.
	Steps int

	// StepID is the step the session stopped at.
	StepID string
}

// EngineHooks are optional callbacks for instrumentation.
type EngineHooks struct {
	OnStep  func(kind StepKind)
	OnError func(reason string)
}

// Engine interprets scripts. It keeps no per-session state and is safe for
// concurrent use.
type Engine struct {
	logger log.Logger
	hooks  EngineHooks
}

// NewEngine creates an Engine. A nil logger discards output.
func NewEngine(logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{logger: logger, hooks: hooks}
}

// built is the outcome of rendering a single step.
type built struct {
	resp    Response
	notice  string
	next    string
	handoff *Handoff
	changed bool
}

// Execute renders the session's current step, moving through conditional
// and no-wait steps until one needs the contact. sess is mutated in place.
func (e *Engine) Execute(ctx context.Context, c *Compiled, sess *Session, env Env) (*Result, error) {
	ctx, span := tracer.Start(ctx, "dialog.Execute",
		trace.WithAttributes(
			attribute.String("dialog.session_id", sess.ID),
			attribute.String("dialog.script_id", c.Script.ID),
			attribute.String("dialog.step", sess.CurrentStep),
		),
	)
	defer span.End()

	res, err := e.execute(ctx, c, sess, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.reportError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("dialog.stop_step", res.StepID),
		attribute.Int("dialog.steps", res.Steps),
	)
	return res, nil
}

func (e *Engine) execute(ctx context.Context, c *Compiled, sess *Session, env Env) (*Result, error) {
	if !sess.Active() {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, sess.Status)
	}

	res := &Result{}
	for advances := 0; ; {
		step, ok := c.Script.Step(sess.CurrentStep)
		if !ok {
			return nil, fmt.Errorf("%w: %q in script %q", ErrStepNotFound, sess.CurrentStep, c.Script.ID)
		}
		res.Steps++
		if e.hooks.OnStep != nil {
			e.hooks.OnStep(step.Kind)
		}

		b, err := e.buildStep(ctx, c, sess, step, env)
		if err != nil {
			return nil, err
		}
		res.Changed = res.Changed || b.changed
		if b.notice != "" {
			res.Notices = append(res.Notices, b.notice)
		}
		if b.next == "" {
			res.Response = b.resp
			res.Handoff = b.handoff
			res.StepID = step.ID
			return res, nil
		}

		if advances >= MaxAutoAdvance {
			return nil, fmt.Errorf("%w: %d steps without input, stopped at %q", ErrAutoAdvanceLimit, advances, step.ID)
		}
		advances++

		sess.recordAutoAdvance(step.ID, env.now())
		if err := sess.Advance(b.next); err != nil {
			return nil, err
		}
		res.Changed = true
	}
}

func (e *Engine) buildStep(ctx context.Context, c *Compiled, sess *Session, step *Step, env Env) (*built, error) {
	switch step.Kind {
	case KindConditional:
		return e.buildConditional(ctx, c, sess, step)
	case KindTransfer:
		return e.buildTransfer(ctx, sess, step, env)
	}

	vars := sess.Vars.User()
	msg := step.Message
	if step.KnownMessage != "" && sess.Vars.ContactKnown() {
		msg = step.KnownMessage
	}
	msg = Render(msg, vars)

	opts := e.Options(step, &sess.Vars, env)
	if step.Source == SourceDepartments && len(opts) == 0 && step.Next != "" {
		e.logger.Info(ctx, "no departments to choose from, skipping menu",
			"step", step.ID,
			"nucleus_id", sess.Vars.Target().NucleusID,
		)
		return &built{next: step.Next}, nil
	}

	b := &built{resp: present(msg, opts, buttonsEnabled(sess))}
	if !step.WaitsForReply() && step.Next != "" {
		b.next = step.Next
	}
	return b, nil
}

func (e *Engine) buildConditional(ctx context.Context, c *Compiled, sess *Session, step *Step) (*built, error) {
	cond := step.Condition
	if cond == nil {
		return nil, fmt.Errorf("%w: %q has no condition", ErrInvalidCondition, step.ID)
	}
	if cond.Expression == "" && cond.Variable == "" {
		return nil, fmt.Errorf("%w: %q has no variable or expression", ErrInvalidCondition, step.ID)
	}

	vars := sess.Vars.User()
	var ok bool
	if cond.Expression != "" {
		ok = c.Expr(ctx, cond.Expression, vars)
	} else {
		ok = c.Structured(ctx, cond.Variable, cond.Operator, cond.Value, vars)
	}

	next := cond.IfFalse
	if ok {
		next = cond.IfTrue
	}
	if next == "" {
		return nil, fmt.Errorf("%w: %q has no successor for %v", ErrInvalidCondition, step.ID, ok)
	}

	e.logger.Info(ctx, "condition evaluated",
		"step", step.ID,
		"result", ok,
		"next", next,
	)
	return &built{next: next, notice: Render(step.Message, vars)}, nil
}

func (e *Engine) buildTransfer(ctx context.Context, sess *Session, step *Step, env Env) (*built, error) {
	target := sess.Vars.Target()
	if step.NucleusID != "" || step.DepartmentID != "" {
		target = Target{NucleusID: step.NucleusID, DepartmentID: step.DepartmentID}
	}
	if target.Empty() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransfer, step.ID)
	}
	target = resolveNames(target, env)

	vars := sess.Vars.User()
	vars["department"] = target.Name()

	summary := step.Summary
	if summary == "" {
		summary = "Contato {{name}} encaminhado para " + target.Name()
	}

	msg := step.Message
	if msg == "" {
		msg = "Vou transferir você para " + target.Name() + ". Aguarde um momento."
	}

	h := Handoff{
		Target:            target,
		Summary:           Render(summary, vars),
		FinalizeAfterSend: true,
		Awaiting:          true,
		At:                env.now(),
	}
	sess.Vars.SetHandoff(h)

	e.logger.Info(ctx, "transfer requested",
		"step", step.ID,
		"nucleus_id", target.NucleusID,
		"department_id", target.DepartmentID,
	)
	return &built{
		resp:    Response{Text: Render(msg, vars), Presentation: PresentText},
		handoff: &h,
		changed: true,
	}, nil
}

// resolveNames fills missing target names from the directory.
func resolveNames(t Target, env Env) Target {
	if t.DepartmentID != "" {
		if d, n, ok := env.Department(t.DepartmentID); ok {
			if t.DepartmentName == "" {
				t.DepartmentName = d.Name
			}
			if t.NucleusID == "" {
				t.NucleusID = n.ID
			}
		}
	}
	if t.NucleusID != "" && t.NucleusName == "" {
		if n, ok := env.Nucleus(t.NucleusID); ok {
			t.NucleusName = n.Name
		}
	}
	return t
}

// Options returns the options a step offers right now: the static list, or
// a menu built from the tenant's nuclei or the chosen nucleus' departments.
func (e *Engine) Options(step *Step, vars *Vars, env Env) []Option {
	switch step.Source {
	case SourceNuclei:
		return nucleusOptions(step, vars, env)
	case SourceDepartments:
		return departmentOptions(step, vars, env)
	}
	if step.Kind == KindConfirm && len(step.Options) == 0 {
		return []Option{
			{Text: "Sim", Value: "sim", Next: step.Next},
			{Text: "Não", Value: "nao", Next: step.Decline},
		}
	}
	return step.Options
}

func nucleusOptions(step *Step, vars *Vars, env Env) []Option {
	var opts []Option
	if last, ok := vars.LastTicket(); ok && last.DepartmentName != "" {
		opts = append(opts, Option{
			Text:         "Continuar em " + last.DepartmentName,
			Value:        "0",
			Action:       ActionContinueLast,
			DepartmentID: last.DepartmentID,
		})
	}
	for _, n := range env.Nuclei {
		if !n.Active || !n.Visible {
			continue
		}
		if len(step.NucleusIDs) > 0 && !contains(step.NucleusIDs, n.ID) {
			continue
		}
		opts = append(opts, Option{
			Text:      n.Name,
			Value:     n.Code,
			Action:    ActionSelectNucleus,
			NucleusID: n.ID,
			Next:      step.Next,
		})
	}
	if env.GeneralNucleusID != "" {
		opts = append(opts, Option{
			Text:      "Não entendi essas opções",
			Value:     "ajuda",
			Aliases:   []string{"help", "atendente", "humano"},
			Action:    ActionHuman,
			NucleusID: env.GeneralNucleusID,
		})
	}
	return opts
}

func departmentOptions(step *Step, vars *Vars, env Env) []Option {
	n, ok := env.Nucleus(vars.Target().NucleusID)
	if !ok {
		return nil
	}
	var opts []Option
	for _, d := range n.VisibleDepartments() {
		opts = append(opts, Option{
			Text:         d.Name,
			Value:        d.Code,
			Action:       ActionSelectDepartment,
			NucleusID:    n.ID,
			DepartmentID: d.ID,
			Next:         step.Next,
		})
	}
	return opts
}

func buttonsEnabled(sess *Session) bool {
	if on, ok := sess.Vars.ButtonsOverride(); ok {
		return on
	}
	return interactiveChannels[strings.ToLower(sess.Channel)]
}

// present picks buttons, a list or numbered text for msg and opts.
func present(msg string, opts []Option, interactive bool) Response {
	if len(opts) == 0 {
		return Response{Text: msg, Presentation: PresentText}
	}
	if !interactive || len(opts) > maxListEntries {
		text := FormatOptions(opts)
		if msg != "" {
			text = msg + "\n\n" + text
		}
		return Response{Text: text, Presentation: PresentText}
	}

	labels := OptionLabels(opts)
	choices := make([]Choice, len(opts))
	for i, o := range opts {
		id := o.Value
		if id == "" {
			id = labels[i]
		}
		choices[i] = Choice{ID: id, Title: o.Text}
	}
	p := PresentList
	if len(opts) <= maxButtons {
		p = PresentButtons
	}
	return Response{Text: msg, Presentation: p, Choices: choices}
}

func (e *Engine) reportError(err error) {
	if e.hooks.OnError == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, ErrStepNotFound):
		reason = "step_not_found"
	case errors.Is(err, ErrInvalidCondition):
		reason = "invalid_condition"
	case errors.Is(err, ErrInvalidTransfer):
		reason = "invalid_transfer"
	case errors.Is(err, ErrAutoAdvanceLimit):
		reason = "auto_advance_limit"
	}
	e.hooks.OnError(reason)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
