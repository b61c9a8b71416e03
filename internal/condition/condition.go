// Package condition evaluates dialog conditions against session variables.
//
// Two forms exist. Structured conditions name a variable, an operator and a
// comparison value and drive conditional steps. Free-form expressions such
// as `plan == 'gold' && paid === true || vip != null` drive per-option branch
// rules; they are compiled once with Compile and evaluated many times.
package condition

import (
	"context"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

// Operator is a normalized structured-condition operator.
type Operator string

const (
	OpEqual     Operator = "equal"
	OpNotEqual  Operator = "not_equal"
	OpGreater   Operator = "greater"
	OpLess      Operator = "less"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

var operatorAliases = map[string]Operator{
	"equal":      OpEqual,
	"eq":         OpEqual,
	"igual":      OpEqual,
	"==":         OpEqual,
	"===":        OpEqual,
	"not_equal":  OpNotEqual,
	"ne":         OpNotEqual,
	"diferente":  OpNotEqual,
	"!=":         OpNotEqual,
	"!==":        OpNotEqual,
	"greater":    OpGreater,
	"gt":         OpGreater,
	"maior":      OpGreater,
	">":          OpGreater,
	"less":       OpLess,
	"lt":         OpLess,
	"menor":      OpLess,
	"<":          OpLess,
	"exists":     OpExists,
	"existe":     OpExists,
	"not_exists": OpNotExists,
	"nao_existe": OpNotExists,
}

// ParseOperator maps an operator spelling to its normalized form.
func ParseOperator(s string) (Operator, bool) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	return op, ok
}

// Structured is a variable/operator/value test.
type Structured struct {
	Variable string
	Operator string
	Value    any
}

// Evaluator evaluates conditions. It is stateless apart from its logger and
// safe for concurrent use.
type Evaluator struct {
	logger log.Logger
}

// New creates an Evaluator. A nil logger discards warnings.
func New(logger log.Logger) *Evaluator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate tests c against vars. Equality is strict. An unknown operator is
// logged and treated as equality.
func (e *Evaluator) Evaluate(ctx context.Context, c Structured, vars map[string]any) bool {
	got := vars[c.Variable]

	op, ok := ParseOperator(c.Operator)
	if !ok {
		e.logger.Warn(ctx, "unknown condition operator, treating as equal",
			"operator", c.Operator,
			"variable", c.Variable,
		)
		op = OpEqual
	}

	switch op {
	case OpNotEqual:
		return !StrictEqual(got, c.Value)
	case OpGreater:
		return Greater(got, c.Value)
	case OpLess:
		return Less(got, c.Value)
	case OpExists:
		return Present(got)
	case OpNotExists:
		return !Present(got)
	default:
		return StrictEqual(got, c.Value)
	}
}

// Compile parses and compiles a free-form expression. The returned
// Expression is never nil: when err is non-nil it evaluates to false.
func (e *Evaluator) Compile(src string) (*Expression, error) {
	x, err := compile(src)
	x.logger = e.logger
	return x, err
}

// EvalString compiles and evaluates src in one go.
func (e *Evaluator) EvalString(ctx context.Context, src string, vars map[string]any) bool {
	x, _ := e.Compile(src)
	return x.Eval(ctx, vars)
}
