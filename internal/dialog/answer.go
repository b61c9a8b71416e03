package dialog

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/linnemanlabs/concierge/internal/keyword"
)

// Verdict tells the caller what to do after an answer was processed.
type Verdict string

const (
	// VerdictAdvance means the session moved; Execute renders where it
	// landed.
	VerdictAdvance Verdict = "advance"

	// VerdictReprompt means the answer was rejected: deliver Reply, then
	// Execute the same step again.
	VerdictReprompt Verdict = "reprompt"

	// VerdictReply means an option answered with a message and the step
	// is unchanged.
	VerdictReply Verdict = "reply"

	// VerdictComplete means the script ended; deliver Reply when set.
	VerdictComplete Verdict = "complete"
)

// Answer is the outcome of processing one inbound message.
type Answer struct {
	Verdict Verdict
	Reply   string
}

const invalidOption = "Opção inválida. Por favor, escolha uma das opções abaixo."

var (
	yesWords = map[string]bool{"sim": true, "s": true, "yes": true, "y": true, "ok": true, "confirmo": true, "isso": true, "claro": true, "pode": true}
	noWords  = map[string]bool{"nao": true, "n": true, "no": true, "negativo": true, "cancelar": true}
	exitSet  = map[string]bool{"sair": true, "cancelar": true, "exit": true, "cancel": true}
)

// IsExitWord reports whether the whole message asks to leave the dialog.
func IsExitWord(text string) bool {
	return exitSet[strings.Join(keyword.Words(text), " ")]
}

// IsDecline reports whether text answers a confirmation with no.
func IsDecline(text string) bool { return yesNo(text) < 0 }

// yesNo classifies a confirmation answer: 1 yes, -1 no, 0 neither.
func yesNo(text string) int {
	words := keyword.Words(text)
	if len(words) == 0 {
		return 0
	}
	whole := strings.Join(words, " ")
	switch {
	case yesWords[whole] || yesWords[words[0]]:
		return 1
	case noWords[whole] || noWords[words[0]]:
		return -1
	}
	return 0
}

// Answer applies the contact's reply to the current step: pending shortcut
// confirmation, the step keyword map, option selection with writes and
// branches, collection validation and conditional routes, in that order.
func (e *Engine) Answer(ctx context.Context, c *Compiled, sess *Session, text string, env Env) (*Answer, error) {
	if !sess.Active() {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, sess.Status)
	}
	step, ok := c.Script.Step(sess.CurrentStep)
	if !ok {
		return nil, fmt.Errorf("%w: %q in script %q", ErrStepNotFound, sess.CurrentStep, c.Script.ID)
	}
	if err := sess.RecordAnswer(step.ID, text, env.now()); err != nil {
		return nil, err
	}

	if a, handled, err := e.resolveShortcut(ctx, c, sess, text, env); handled || err != nil {
		return a, err
	}

	norm := strings.Join(keyword.Words(text), " ")
	if next := keywordTarget(step, norm); next != "" {
		return advance(sess, next)
	}

	opts := e.Options(step, &sess.Vars, env)
	if len(opts) > 0 {
		i := MatchOption(opts, text, step.Kind == KindConfirm)
		if i < 0 {
			e.logger.Info(ctx, "answer matched no option", "step", step.ID, "options", len(opts))
			return &Answer{Verdict: VerdictReprompt, Reply: invalidOption}, nil
		}
		return e.applyOption(ctx, c, sess, step, opts[i], text, env)
	}

	if step.Variable != "" {
		val, ok := c.Collect(step.Validation, text)
		if !ok {
			return &Answer{Verdict: VerdictReprompt, Reply: validationMessage(step.Validation)}, nil
		}
		if err := sess.Vars.Set(step.Variable, val); err != nil {
			e.logger.Warn(ctx, "collect target is reserved, answer dropped", "step", step.ID, "variable", step.Variable)
		}
	}

	next := e.route(ctx, c, step, sess)
	if next == "" {
		next = step.Next
	}
	return advance(sess, next)
}

func (e *Engine) resolveShortcut(ctx context.Context, c *Compiled, sess *Session, text string, env Env) (*Answer, bool, error) {
	sc, ok := sess.Vars.PendingShortcut()
	if !ok {
		return nil, false, nil
	}
	sess.Vars.ClearPendingShortcut()

	switch yesNo(text) {
	case 1:
		n, ok := env.NucleusByCode(sc.Target)
		next := c.Script.TransferStepID()
		if !ok || next == "" {
			e.logger.Warn(ctx, "confirmed shortcut has no destination, staying on menu",
				"category", sc.Category,
				"target", sc.Target,
			)
			return &Answer{Verdict: VerdictAdvance}, true, nil
		}
		sess.Vars.SetTarget(Target{NucleusID: n.ID, NucleusName: n.Name})
		a, err := advance(sess, next)
		return a, true, err
	case -1:
		// back to the menu the shortcut interrupted
		return &Answer{Verdict: VerdictAdvance}, true, nil
	}
	return nil, false, nil
}

func keywordTarget(step *Step, norm string) string {
	if len(step.Keywords) == 0 || norm == "" {
		return ""
	}
	keys := make([]string, 0, len(step.Keywords))
	for k := range step.Keywords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Join(keyword.Words(k), " ") == norm {
			return step.Keywords[k]
		}
	}
	return ""
}

// MatchOption finds the option the answer selects: by list number, value,
// text or alias. Confirmation steps also accept yes/no words for the first
// two options. Returns -1 when nothing matches.
func MatchOption(opts []Option, text string, confirm bool) int {
	norm := strings.Join(keyword.Words(text), " ")
	if norm == "" {
		return -1
	}
	labels := OptionLabels(opts)
	for i := range opts {
		if labels[i] == norm {
			return i
		}
	}
	for i, o := range opts {
		if o.Value != "" && strings.Join(keyword.Words(o.Value), " ") == norm {
			return i
		}
	}
	for i, o := range opts {
		if strings.Join(keyword.Words(o.Text), " ") == norm {
			return i
		}
	}
	for i, o := range opts {
		for _, a := range o.Aliases {
			if strings.Join(keyword.Words(a), " ") == norm {
				return i
			}
		}
	}
	if confirm && len(opts) >= 2 {
		switch yesNo(text) {
		case 1:
			return 0
		case -1:
			return 1
		}
	}
	return -1
}

func (e *Engine) applyOption(ctx context.Context, c *Compiled, sess *Session, step *Step, opt Option, text string, env Env) (*Answer, error) {
	e.applyWrites(ctx, opt.Writes, text, &sess.Vars)

	next := opt.Next
	switch opt.Action {
	case ActionFinish:
		reply := Render(opt.Message, sess.Vars.User())
		if err := sess.Complete("finished", env.now()); err != nil {
			return nil, err
		}
		return &Answer{Verdict: VerdictComplete, Reply: reply}, nil
	case ActionMessage:
		return &Answer{Verdict: VerdictReply, Reply: Render(opt.Message, sess.Vars.User())}, nil
	case ActionSelectNucleus:
		sess.Vars.SetTarget(resolveNames(Target{NucleusID: opt.NucleusID}, env))
		if next == "" {
			next = step.Next
		}
	case ActionSelectDepartment:
		sess.Vars.SetTarget(resolveNames(Target{NucleusID: opt.NucleusID, DepartmentID: opt.DepartmentID}, env))
		if next == "" {
			next = step.Next
		}
	case ActionContinueLast:
		last, _ := sess.Vars.LastTicket()
		sess.Vars.SetTarget(resolveNames(Target{DepartmentID: last.DepartmentID, DepartmentName: last.DepartmentName}, env))
		next = c.Script.TransferStepID()
	case ActionHuman:
		sess.Vars.SetTarget(resolveNames(Target{NucleusID: opt.NucleusID}, env))
		next = c.Script.TransferStepID()
	case ActionTransfer:
		if opt.NucleusID != "" || opt.DepartmentID != "" {
			sess.Vars.SetTarget(resolveNames(Target{NucleusID: opt.NucleusID, DepartmentID: opt.DepartmentID}, env))
		}
		if next == "" {
			next = c.Script.TransferStepID()
		}
	}

	switch opt.Action {
	case ActionContinueLast, ActionHuman, ActionTransfer:
		if next == "" {
			return nil, fmt.Errorf("%w: script %q has no transfer step", ErrInvalidTransfer, c.Script.ID)
		}
	}

	if len(opt.Branches) > 0 {
		vars := sess.Vars.User()
		vars["answer"] = text
		for _, b := range opt.Branches {
			if c.Expr(ctx, b.If, vars) {
				next = b.Then
				break
			}
		}
	}

	if next == "" {
		next = e.route(ctx, c, step, sess)
	}
	if next == "" {
		next = step.Next
	}
	return advance(sess, next)
}

// applyWrites stores option writes: nil deletes, "{{answer}}" stores the
// answer and "{{vars.x}}" copies x.
func (e *Engine) applyWrites(ctx context.Context, writes map[string]any, answer string, vars *Vars) {
	keys := make([]string, 0, len(writes))
	for k := range writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := writes[k]
		var err error
		switch {
		case v == nil:
			err = vars.Delete(k)
		case v == "{{answer}}":
			err = vars.Set(k, answer)
		default:
			if s, ok := v.(string); ok && strings.HasPrefix(s, "{{vars.") && strings.HasSuffix(s, "}}") {
				src := strings.TrimSpace(s[len("{{vars.") : len(s)-2])
				val, _ := vars.Get(src)
				err = vars.Set(k, val)
			} else {
				err = vars.Set(k, v)
			}
		}
		if err != nil {
			e.logger.Warn(ctx, "option write skipped", "key", k, "error", err)
		}
	}
}

func (e *Engine) route(ctx context.Context, c *Compiled, step *Step, sess *Session) string {
	if len(step.Routes) == 0 {
		return ""
	}
	vars := sess.Vars.User()
	for _, r := range step.Routes {
		if c.Structured(ctx, r.Variable, r.Operator, r.Value, vars) {
			return r.Next
		}
	}
	return ""
}

func advance(sess *Session, next string) (*Answer, error) {
	if next == "" {
		if err := sess.Complete("completed", sess.UpdatedAt); err != nil {
			return nil, err
		}
		return &Answer{Verdict: VerdictComplete}, nil
	}
	if err := sess.Advance(next); err != nil {
		return nil, err
	}
	return &Answer{Verdict: VerdictAdvance}, nil
}

//  Collection

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	spaces       = regexp.MustCompile(`\s+`)
)

// Collect validates a collected answer and returns its normalized form.
// The validation pattern, if any, is compiled on each call; scripts being
// executed go through Compiled.Collect instead.
func Collect(v *Validation, answer string) (string, bool) {
	return collect(v, answer, compilePattern)
}

func compilePattern(src string) *regexp.Regexp {
	re, err := regexp.Compile(src)
	if err != nil {
		return nil
	}
	return re
}

func collect(v *Validation, answer string, pattern func(string) *regexp.Regexp) (string, bool) {
	s := strings.TrimSpace(answer)
	if s == "" {
		return "", false
	}
	if v == nil {
		return s, true
	}

	switch v.Type {
	case "email":
		s = strings.ToLower(s)
		if !emailPattern.MatchString(s) {
			return "", false
		}
	case "name":
		s = spaces.ReplaceAllString(s, " ")
		for _, r := range s {
			if !unicode.IsLetter(r) && r != ' ' && r != '\'' && r != '-' && r != '.' {
				return "", false
			}
		}
		if utf8.RuneCountInString(s) < 2 {
			return "", false
		}
	case "phone":
		var b strings.Builder
		for _, r := range s {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		s = b.String()
		if len(s) < 10 || len(s) > 13 {
			return "", false
		}
	}

	n := utf8.RuneCountInString(s)
	if v.Min > 0 && n < v.Min {
		return "", false
	}
	if v.Max > 0 && n > v.Max {
		return "", false
	}
	if v.Pattern != "" {
		if re := pattern(v.Pattern); re != nil && !re.MatchString(s) {
			return "", false
		}
	}
	return s, true
}

func validationMessage(v *Validation) string {
	if v != nil && v.Message != "" {
		return v.Message
	}
	if v == nil {
		return "Por favor, envie uma resposta."
	}
	switch v.Type {
	case "email":
		return "Por favor, informe um e-mail válido."
	case "name":
		return "Por favor, informe seu nome."
	case "phone":
		return "Por favor, informe um telefone válido com DDD."
	}
	return "Resposta inválida. Por favor, tente novamente."
}
