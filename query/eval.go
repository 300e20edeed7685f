package query

import (
	"fmt"
	"strings"
)

// Row is a tuple flowing through the dataflow pipeline: a field name maps
// to its value. A joined row is flat: it holds the left row's fields and
// then the right row's, with no alias prefix, so a field present on both
// sides takes the right side's value.
type Row map[string]any

// Eval evaluates expr against row, returning the scalar result. Aggregate
// nodes (Agg) cannot be evaluated row-by-row and return an error; they are
// only valid in the Select or Having of a grouped query, where the compiler
// first replaces each one with a Prop naming its reduced accumulator and
// then calls Eval on the result.
func Eval(expr Expr, row Row) (any, error) {
	switch e := expr.(type) {
	case Prop:
		return lookupPath(row, e.Path), nil
	case Lit:
		return e.Value, nil
	case Call:
		return evalCall(e, row)
	case Agg:
		return nil, fmt.Errorf("query: aggregate %s cannot be evaluated outside a reduced group", e.Name)
	default:
		return nil, fmt.Errorf("query: unknown expression node %T", expr)
	}
}

func lookupPath(row Row, path string) any {
	segs := strings.Split(path, ".")
	var cur any = row
	for _, s := range segs {
		m, ok := cur.(Row)
		if !ok {
			if asMap, ok2 := cur.(map[string]any); ok2 {
				m = asMap
			} else {
				return nil
			}
		}
		cur = m[s]
	}
	return cur
}

func evalCall(c Call, row Row) (any, error) {
	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := Eval(a, row)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch c.Name {
	case "eq":
		return compareEq(args[0], args[1]), nil
	case "gt":
		r, ok := compareOrdered(args[0], args[1])
		return ok && r > 0, nil
	case "gte":
		r, ok := compareOrdered(args[0], args[1])
		return ok && r >= 0, nil
	case "lt":
		r, ok := compareOrdered(args[0], args[1])
		return ok && r < 0, nil
	case "lte":
		r, ok := compareOrdered(args[0], args[1])
		return ok && r <= 0, nil
	case "and":
		for _, a := range args {
			if b, ok := a.(bool); !ok || !b {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, a := range args {
			if b, ok := a.(bool); ok && b {
				return true, nil
			}
		}
		return false, nil
	case "not":
		b, _ := args[0].(bool)
		return !b, nil
	case "like":
		return matchLike(toString(args[0]), toString(args[1]), false), nil
	case "ilike":
		return matchLike(toString(args[0]), toString(args[1]), true), nil
	case "upper":
		return strings.ToUpper(toString(args[0])), nil
	case "lower":
		return strings.ToLower(toString(args[0])), nil
	case "length":
		return float64(len([]rune(toString(args[0])))), nil
	case "concat":
		var b strings.Builder
		for _, a := range args {
			b.WriteString(toString(a))
		}
		return b.String(), nil
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	case "add":
		return toFloat(args[0]) + toFloat(args[1]), nil
	case "in":
		needle := args[0]
		for _, candidate := range args[1:] {
			if compareEq(needle, candidate) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("query: unknown function %q", c.Name)
	}
}

func compareEq(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareOrdered returns (-1|0|1, true) if a and b are order-comparable
// (both numeric, or both strings), otherwise (0, false).
func compareOrdered(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

func toFloat(v any) float64 {
	f, _ := asFloat(v)
	return f
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// matchLike implements SQL LIKE with % and _ wildcards via a straight
// translation to a glob-style matcher (no regexp compilation cost per row).
func matchLike(s, pattern string, caseInsensitive bool) bool {
	if caseInsensitive {
		s = strings.ToLower(s)
		pattern = strings.ToLower(pattern)
	}
	return likeMatch([]rune(s), []rune(pattern))
}

func likeMatch(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		if likeMatch(s, p[1:]) {
			return true
		}
		for i := range s {
			if likeMatch(s[i+1:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatch(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatch(s[1:], p[1:])
	}
}
