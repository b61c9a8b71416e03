package condition

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/linnemanlabs/go-core/log"
)

// ErrMalformed is returned by Compile for expressions outside the grammar.
var ErrMalformed = errors.New("malformed expression")

// Comparator is one of the four supported comparison operators.
type Comparator string

const (
	StrictEq    Comparator = "==="
	StrictNotEq Comparator = "!=="
	LooseEq     Comparator = "=="
	LooseNotEq  Comparator = "!="
)

// detection order matters: "===" contains "==" and "!==" contains "!="
var comparators = []Comparator{StrictEq, StrictNotEq, LooseEq, LooseNotEq}

// variable prefixes accepted in front of names and stripped at parse time
var varPrefixes = []string{"vars.", "contexto.", "context."}

// Atom is a single comparison between a variable and a literal.
type Atom struct {
	Variable string
	Op       Comparator
	Literal  any
}

// Expression is a compiled OR-of-AND-groups expression.
type Expression struct {
	Source string
	Groups [][]Atom

	keys    []string
	lits    []any
	program *vm.Program
	err     error
	logger  log.Logger
}

// Err returns the compile error, if any.
func (x *Expression) Err() error { return x.err }

// Eval runs the expression against vars. Broken expressions and runtime
// failures are logged and evaluate to false.
func (x *Expression) Eval(ctx context.Context, vars map[string]any) bool {
	L := x.logger
	if L == nil {
		L = log.Nop()
	}
	if x.err != nil {
		L.Warn(ctx, "skipping malformed expression", "expression", x.Source, "error", x.err)
		return false
	}
	out, err := expr.Run(x.program, x.env(vars))
	if err != nil {
		L.Error(ctx, err, "expression evaluation failed", "expression", x.Source)
		return false
	}
	b, ok := out.(bool)
	if !ok {
		L.Warn(ctx, "expression did not return bool", "expression", x.Source)
		return false
	}
	return b
}

// undefined stands for a variable that is not set at all. It is loosely
// equal to null only, and strictly equal to nothing.
type undefined struct{}

func (x *Expression) env(vars map[string]any) map[string]any {
	vals := make([]any, len(x.keys))
	for i, k := range x.keys {
		v, ok := vars[k]
		if !ok {
			vals[i] = undefined{}
			continue
		}
		vals[i] = v
	}
	return map[string]any{
		"val": vals,
		"lit": x.lits,
	}
}

func strictEq(a, b any) bool {
	if _, missing := a.(undefined); missing {
		return false
	}
	return StrictEqual(a, b)
}

func looseEq(a, b any) bool {
	if _, missing := a.(undefined); missing {
		return b == nil
	}
	return LooseEqual(a, b)
}

func compile(src string) (*Expression, error) {
	x := &Expression{Source: src}

	groups, err := parse(src)
	if err != nil {
		x.err = err
		return x, err
	}
	x.Groups = groups

	// literals and variable names are passed through the environment by
	// index, so the generated program never has to quote user text
	var b strings.Builder
	if len(groups) == 0 {
		b.WriteString("false")
	}
	for gi, g := range groups {
		if gi > 0 {
			b.WriteString(" || ")
		}
		b.WriteByte('(')
		for ai, a := range g {
			if ai > 0 {
				b.WriteString(" && ")
			}
			i := len(x.keys)
			x.keys = append(x.keys, a.Variable)
			x.lits = append(x.lits, a.Literal)
			fmt.Fprintf(&b, "%s(val[%d], lit[%d])", funcName(a.Op), i, i)
		}
		b.WriteByte(')')
	}

	program, err := expr.Compile(b.String(),
		expr.Env(x.env(nil)),
		expr.AsBool(),
		expr.Function("strictEq", func(params ...any) (any, error) {
			return strictEq(params[0], params[1]), nil
		}, new(func(any, any) bool)),
		expr.Function("looseEq", func(params ...any) (any, error) {
			return looseEq(params[0], params[1]), nil
		}, new(func(any, any) bool)),
	)
	if err != nil {
		x.err = fmt.Errorf("compile %q: %w", src, err)
		return x, x.err
	}
	x.program = program
	return x, nil
}

func funcName(op Comparator) string {
	switch op {
	case StrictEq:
		return "strictEq"
	case StrictNotEq:
		return "!strictEq"
	case LooseNotEq:
		return "!looseEq"
	default:
		return "looseEq"
	}
}

func parse(src string) ([][]Atom, error) {
	var groups [][]Atom
	for _, g := range splitTrim(src, "||") {
		var atoms []Atom
		for _, part := range splitTrim(g, "&&") {
			a, err := parseAtom(part)
			if err != nil {
				return nil, err
			}
			atoms = append(atoms, a)
		}
		if len(atoms) > 0 {
			groups = append(groups, atoms)
		}
	}
	return groups, nil
}

func parseAtom(s string) (Atom, error) {
	for _, p := range varPrefixes {
		s = strings.ReplaceAll(s, p, "")
	}

	var op Comparator
	for _, c := range comparators {
		if strings.Contains(s, string(c)) {
			op = c
			break
		}
	}
	if op == "" {
		return Atom{}, fmt.Errorf("%w: no comparison operator in %q", ErrMalformed, s)
	}

	parts := strings.Split(s, string(op))
	if len(parts) != 2 {
		return Atom{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	name := strings.TrimSpace(parts[0])
	raw := strings.TrimSpace(parts[1])
	if name == "" || raw == "" {
		return Atom{}, fmt.Errorf("%w: missing operand in %q", ErrMalformed, s)
	}

	return Atom{Variable: name, Op: op, Literal: literal(raw)}, nil
}

// literal coerces the right-hand side of a comparison.
func literal(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if len(raw) >= 2 {
		first, last := raw[0], raw[len(raw)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return raw[1 : len(raw)-1]
		}
	}
	return raw
}

func splitTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
