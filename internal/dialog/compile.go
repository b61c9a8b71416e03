package dialog

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/linnemanlabs/concierge/internal/condition"
)

// Compiled is a script with every free-form expression compiled once.
// It is immutable and safe for concurrent use.
type Compiled struct {
	Script *Script

	eval     *condition.Evaluator
	exprs    map[string]*condition.Expression
	patterns map[string]*regexp.Regexp
}

// Compile prepares sc for execution. Malformed expressions and validation
// patterns are reported in the returned error but the Compiled script is
// still usable: such expressions evaluate to false and such patterns are
// not enforced.
func Compile(sc *Script, eval *condition.Evaluator) (*Compiled, error) {
	if eval == nil {
		eval = condition.New(nil)
	}
	c := &Compiled{
		Script:   sc,
		eval:     eval,
		exprs:    make(map[string]*condition.Expression),
		patterns: make(map[string]*regexp.Regexp),
	}

	var errs []error
	add := func(stepID, src string) {
		if src == "" {
			return
		}
		if _, ok := c.exprs[src]; ok {
			return
		}
		x, err := eval.Compile(src)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %q: %w", stepID, err))
		}
		c.exprs[src] = x
	}

	for id, st := range sc.Steps {
		if st == nil {
			continue
		}
		if st.Condition != nil {
			add(id, st.Condition.Expression)
		}
		for _, o := range st.Options {
			for _, b := range o.Branches {
				add(id, b.If)
			}
		}
		if v := st.Validation; v != nil && v.Pattern != "" {
			if _, ok := c.patterns[v.Pattern]; ok {
				continue
			}
			re, err := regexp.Compile(v.Pattern)
			if err != nil {
				errs = append(errs, fmt.Errorf("step %q: pattern: %w", id, err))
			}
			c.patterns[v.Pattern] = re
		}
	}
	return c, errors.Join(errs...)
}

// Evaluator returns the condition evaluator the script was compiled with.
func (c *Compiled) Evaluator() *condition.Evaluator { return c.eval }

// Expr evaluates a free-form expression. Expressions unknown at compile time
// are compiled on the fly.
func (c *Compiled) Expr(ctx context.Context, src string, vars map[string]any) bool {
	if x, ok := c.exprs[src]; ok {
		return x.Eval(ctx, vars)
	}
	return c.eval.EvalString(ctx, src, vars)
}

// Collect validates a collected answer against v using the patterns
// compiled with the script.
func (c *Compiled) Collect(v *Validation, answer string) (string, bool) {
	return collect(v, answer, c.pattern)
}

// pattern returns the compiled pattern, nil when it failed to compile.
func (c *Compiled) pattern(src string) *regexp.Regexp {
	if re, ok := c.patterns[src]; ok {
		return re
	}
	return compilePattern(src)
}

// Structured evaluates a structured condition.
func (c *Compiled) Structured(ctx context.Context, variable, operator string, value any, vars map[string]any) bool {
	return c.eval.Evaluate(ctx, condition.Structured{
		Variable: variable,
		Operator: operator,
		Value:    value,
	}, vars)
}
