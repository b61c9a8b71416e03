package dialog

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/linnemanlabs/concierge/internal/condition"
)

// Severity ranks a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Validation phases.
const (
	PhaseStructure    = "structure"
	PhaseReferences   = "references"
	PhaseConditions   = "conditions"
	PhaseReachability = "reachability"
	PhaseCycles       = "cycles"
)

// Issue is one problem found in a script.
type Issue struct {
	Phase    string   `json:"phase"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s [%s]: %s", i.Severity, i.Path, i.Phase, i.Message)
}

// HasErrors reports whether any issue blocks publishing.
func HasErrors(issues []Issue) bool {
	return slices.ContainsFunc(issues, func(i Issue) bool { return i.Severity == SeverityError })
}

// ValidationError carries the issues that blocked an operation.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	var errs []string
	for _, i := range e.Issues {
		if i.Severity == SeverityError {
			errs = append(errs, i.Path+": "+i.Message)
		}
	}
	return "script invalid: " + strings.Join(errs, "; ")
}

// Unwrap lets errors.Is match ErrScriptInvalid.
func (e *ValidationError) Unwrap() error { return ErrScriptInvalid }

// DetectCycles walks every successor edge depth first from the initial step
// and returns each distinct cycle as the path that closes it, e.g.
// [a b c a]. Cycles through the same set of steps are reported once.
func DetectCycles(sc *Script) [][]string {
	if _, ok := sc.Step(sc.InitialStep); !ok {
		return nil
	}

	var (
		cycles  [][]string
		seen    = make(map[string]bool) // cycle signatures
		visited = make(map[string]bool) // step + path signature
		path    []string
		onPath  = make(map[string]int)
	)

	var visit func(id string)
	visit = func(id string) {
		if at, ok := onPath[id]; ok {
			cyc := slices.Clone(path[at:])
			sig := signature(cyc)
			if !seen[sig] {
				seen[sig] = true
				cycles = append(cycles, append(cyc, id))
			}
			return
		}
		step, ok := sc.Step(id)
		if !ok {
			return
		}
		key := id + "|" + signature(path)
		if visited[key] {
			return
		}
		visited[key] = true

		onPath[id] = len(path)
		path = append(path, id)
		for _, next := range step.Successors() {
			visit(next)
		}
		path = path[:len(path)-1]
		delete(onPath, id)
	}
	visit(sc.InitialStep)
	return cycles
}

func signature(ids []string) string {
	s := slices.Clone(ids)
	sort.Strings(s)
	return strings.Join(s, ",")
}

// Validate reports structural problems with sc. Errors block publishing;
// warnings do not.
func Validate(sc *Script, eval *condition.Evaluator) []Issue {
	if eval == nil {
		eval = condition.New(nil)
	}
	var issues []Issue
	add := func(phase, path string, sev Severity, format string, args ...any) {
		issues = append(issues, Issue{
			Phase:    phase,
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: sev,
		})
	}

	if len(sc.Steps) == 0 {
		add(PhaseStructure, "steps", SeverityError, "script has no steps")
		return issues
	}
	if sc.InitialStep == "" {
		add(PhaseStructure, "initial_step", SeverityError, "initial step is not set")
	} else if _, ok := sc.Step(sc.InitialStep); !ok {
		add(PhaseStructure, "initial_step", SeverityError, "initial step %q does not exist", sc.InitialStep)
	}
	if sc.TransferStep != "" {
		if st, ok := sc.Step(sc.TransferStep); !ok {
			add(PhaseReferences, "transfer_step", SeverityError, "transfer step %q does not exist", sc.TransferStep)
		} else if st.Kind != KindTransfer {
			add(PhaseStructure, "transfer_step", SeverityError, "transfer step %q is a %s step", sc.TransferStep, st.Kind)
		}
	}

	ids := make([]string, 0, len(sc.Steps))
	for id := range sc.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ref := func(path, target string) {
		if target == "" {
			return
		}
		if _, ok := sc.Step(target); !ok {
			add(PhaseReferences, path, SeverityError, "references missing step %q", target)
		}
	}

	needsTransfer := false
	for _, id := range ids {
		st := sc.Steps[id]
		base := "steps." + id
		if st == nil {
			add(PhaseStructure, base, SeverityError, "step is empty")
			continue
		}
		if st.ID != "" && st.ID != id {
			add(PhaseStructure, base+".id", SeverityWarning, "id %q differs from key", st.ID)
		}

		ref(base+".next", st.Next)
		ref(base+".decline", st.Decline)
		for k, target := range st.Keywords {
			ref(base+".keywords."+k, target)
		}
		for i, r := range st.Routes {
			p := fmt.Sprintf("%s.routes[%d]", base, i)
			ref(p+".next", r.Next)
			if r.Variable == "" {
				add(PhaseConditions, p, SeverityError, "route has no variable")
			}
			if _, ok := condition.ParseOperator(r.Operator); !ok {
				add(PhaseConditions, p+".operator", SeverityWarning, "unknown operator %q is treated as equal", r.Operator)
			}
		}
		for i, o := range st.Options {
			p := fmt.Sprintf("%s.options[%d]", base, i)
			if strings.TrimSpace(o.Text) == "" {
				add(PhaseStructure, p+".text", SeverityError, "option has no text")
			}
			ref(p+".next", o.Next)
			for j, b := range o.Branches {
				bp := fmt.Sprintf("%s.branches[%d]", p, j)
				ref(bp+".then", b.Then)
				if _, err := eval.Compile(b.If); err != nil {
					add(PhaseConditions, bp+".if", SeverityError, "%v", err)
				}
			}
			switch o.Action {
			case ActionContinueLast, ActionHuman:
				needsTransfer = true
			case ActionTransfer:
				if o.Next == "" {
					needsTransfer = true
				}
			}
		}
		if st.Source == SourceNuclei {
			needsTransfer = true
		}

		switch st.Kind {
		case KindConditional:
			issues = append(issues, validateCondition(st, base, eval)...)
			if st.Condition != nil {
				ref(base+".condition.if_true", st.Condition.IfTrue)
				ref(base+".condition.if_false", st.Condition.IfFalse)
			}
		case KindMenu:
			if len(st.Options) == 0 && st.Source == "" {
				add(PhaseStructure, base+".options", SeverityWarning, "menu step has no options")
			}
		case KindCollect:
			if st.Variable == "" {
				add(PhaseStructure, base+".variable", SeverityWarning, "collect step stores no variable")
			}
		case KindTransfer:
			if st.Next != "" {
				add(PhaseStructure, base+".next", SeverityWarning, "transfer steps never advance; next is ignored")
			}
		case "":
			add(PhaseStructure, base+".kind", SeverityWarning, "step has no kind, treated as a message")
		}

		if st.Variable != "" && IsReserved(st.Variable) {
			add(PhaseStructure, base+".variable", SeverityError, "variable %q uses the reserved prefix", st.Variable)
		}
		if st.Validation != nil && st.Validation.Pattern != "" {
			if _, err := regexp.Compile(st.Validation.Pattern); err != nil {
				add(PhaseStructure, base+".validation.pattern", SeverityError, "%v", err)
			}
		}
	}

	if needsTransfer && sc.TransferStepID() == "" {
		add(PhaseStructure, "transfer_step", SeverityError, "script routes to a transfer but has no transfer step")
	}

	issues = append(issues, unreachable(sc, ids)...)

	for _, cyc := range DetectCycles(sc) {
		add(PhaseCycles, strings.Join(cyc, " -> "), SeverityError, "cycle between steps %s", strings.Join(cyc[:len(cyc)-1], ", "))
	}
	return issues
}

func validateCondition(st *Step, base string, eval *condition.Evaluator) []Issue {
	issue := func(path, msg string) Issue {
		return Issue{Phase: PhaseConditions, Path: path, Message: msg, Severity: SeverityError}
	}
	c := st.Condition
	if c == nil {
		return []Issue{issue(base+".condition", "conditional step has no condition")}
	}
	var out []Issue
	if c.Expression != "" {
		if _, err := eval.Compile(c.Expression); err != nil {
			out = append(out, issue(base+".condition.expression", err.Error()))
		}
	} else if c.Variable == "" {
		out = append(out, issue(base+".condition.variable", "condition has no variable or expression"))
	}
	if c.IfTrue == "" {
		out = append(out, issue(base+".condition.if_true", "condition has no true successor"))
	}
	if c.IfFalse == "" {
		out = append(out, issue(base+".condition.if_false", "condition has no false successor"))
	}
	return out
}

func unreachable(sc *Script, ids []string) []Issue {
	if _, ok := sc.Step(sc.InitialStep); !ok {
		return nil
	}
	reached := map[string]bool{sc.InitialStep: true}
	queue := []string{sc.InitialStep}
	if id := sc.TransferStepID(); id != "" {
		reached[id] = true
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		st, ok := sc.Step(id)
		if !ok {
			continue
		}
		for _, next := range st.Successors() {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	var out []Issue
	for _, id := range ids {
		if !reached[id] {
			out = append(out, Issue{
				Phase:    PhaseReachability,
				Path:     "steps." + id,
				Message:  "step is unreachable from the initial step",
				Severity: SeverityWarning,
			})
		}
	}
	return out
}
