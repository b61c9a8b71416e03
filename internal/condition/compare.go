package condition

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// StrictEqual reports whether a and b have the same kind and value.
// All numeric kinds compare as float64. Missing and null values are both nil.
func StrictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

// LooseEqual compares a and b after coercion: strings and booleans are
// converted to numbers when compared against a number or a boolean.
func LooseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if StrictEqual(a, b) {
		return true
	}

	// booleans turn into 0/1 and the comparison is retried
	if x, ok := a.(bool); ok {
		return LooseEqual(boolNumber(x), b)
	}
	if y, ok := b.(bool); ok {
		return LooseEqual(a, boolNumber(y))
	}

	_, aNum := number(a)
	_, bNum := number(b)
	if aNum == bNum {
		return false
	}
	x, ok := toNumber(a)
	if !ok {
		return false
	}
	y, ok := toNumber(b)
	if !ok {
		return false
	}
	return x == y
}

// Greater reports a > b, numerically when both sides coerce to numbers and
// lexically when both are strings.
func Greater(a, b any) bool {
	return order(a, b) > 0
}

// Less reports a < b with the same coercion rules as Greater.
func Less(a, b any) bool {
	return order(a, b) < 0
}

// Present reports whether v is set to something other than nil or "".
func Present(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// order returns -1, 0 or 1. Incomparable pairs return 0 so both Greater and
// Less come out false.
func order(a, b any) int {
	if a == nil || b == nil {
		return 0
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	x, ok := toNumber(a)
	if !ok {
		return 0
	}
	y, ok := toNumber(b)
	if !ok {
		return 0
	}
	switch {
	case x > y:
		return 1
	case x < y:
		return -1
	}
	return 0
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// number returns v as float64 when v already has a numeric type.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toNumber coerces strings and booleans as well. The empty string is zero.
func toNumber(v any) (float64, bool) {
	if f, ok := number(v); ok {
		return f, true
	}
	switch x := v.(type) {
	case bool:
		return boolNumber(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
