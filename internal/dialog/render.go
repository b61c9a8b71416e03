package dialog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// matches {{name}}, {{ vars.name }} and {name}
var placeholder = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}|\{([\w.]+)\}`)

// Render substitutes placeholders in tmpl from vars. Reserved keys, unknown
// keys and nil values are left untouched.
func Render(tmpl string, vars map[string]any) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		key := sub[1]
		if key == "" {
			key = sub[2]
		}
		key = strings.TrimPrefix(key, "vars.")
		if IsReserved(key) {
			return m
		}
		val, ok := vars[key]
		if !ok || val == nil {
			return m
		}
		return FormatValue(val)
	})
}

// FormatValue renders a JSON-shaped value as message text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}

// FormatOptions renders options as a numbered list.
func FormatOptions(opts []Option) string {
	labels := OptionLabels(opts)
	var b strings.Builder
	for i, o := range opts {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s - %s", labels[i], o.Text)
	}
	return b.String()
}

// OptionLabels numbers options from 1. The "continue" option keeps its own
// value, usually "0", and does not consume a number.
func OptionLabels(opts []Option) []string {
	out := make([]string, len(opts))
	n := 0
	for i, o := range opts {
		if o.Action == ActionContinueLast && o.Value != "" {
			out[i] = o.Value
			continue
		}
		n++
		out[i] = strconv.Itoa(n)
	}
	return out
}
