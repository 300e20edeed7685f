package query

import "strings"

// BasicExpression is a WHERE subclause that touches exactly one source
// alias and is built entirely from index-supported comparisons, so the
// compiler can hand it to that source's subscription instead of evaluating
// it inside the dataflow pipeline (spec §4.4 step 2). The alias -> expression
// mapping this produces is what collection subscriptions take as their
// where filter (spec §4.6); they evaluate it row by row, not through an
// index.
type BasicExpression struct {
	Alias string
	Expr  Expr
}

// splitConjunction flattens nested And() calls into their top-level
// conjuncts; a non-And root is returned as the sole conjunct.
func splitConjunction(e Expr) []Expr {
	call, ok := e.(Call)
	if !ok || call.Name != "and" {
		return []Expr{e}
	}
	var out []Expr
	for _, a := range call.Args {
		out = append(out, splitConjunction(a)...)
	}
	return out
}

// splitAlias resolves a possibly-qualified property path ("orders.id") to
// its source alias and bare field name. An unqualified path ("id") is
// attributed to defaultAlias, the convention for single-source queries and
// for props within their own FROM/JOIN source.
func splitAlias(defaultAlias, path string) (alias, field string) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return defaultAlias, path
}

// aliasesOf collects every source alias e references.
func aliasesOf(e Expr, defaultAlias string) map[string]bool {
	seen := map[string]bool{}
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case Prop:
			alias, _ := splitAlias(defaultAlias, n.Path)
			seen[alias] = true
		case Call:
			for _, a := range n.Args {
				walk(a)
			}
		case Agg:
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	walk(e)
	return seen
}

// isPushdownSupported reports whether e's root operator is eq/gt/gte/lt/lte
// /in, or a conjunction/disjunction of such, each comparing a single Prop
// against Lit values — the shape an index lookup (package index) can serve
// directly.
func isPushdownSupported(e Expr) bool {
	call, ok := e.(Call)
	if !ok {
		return false
	}
	switch call.Name {
	case "and", "or":
		for _, a := range call.Args {
			if !isPushdownSupported(a) {
				return false
			}
		}
		return true
	case "eq", "gt", "gte", "lt", "lte":
		return isPropLitPair(call.Args)
	case "in":
		if len(call.Args) < 2 {
			return false
		}
		if _, ok := call.Args[0].(Prop); !ok {
			return false
		}
		for _, a := range call.Args[1:] {
			if _, ok := a.(Lit); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func isPropLitPair(args []Expr) bool {
	if len(args) != 2 {
		return false
	}
	_, p0 := args[0].(Prop)
	_, l1 := args[1].(Lit)
	return p0 && l1
}

// ExtractPushdown splits where into the part the compiler must keep in the
// dataflow (remaining, nil if nothing is left) and the part it can push
// down per source alias (pushdown, keyed by alias, AND'ed together when a
// source has more than one pushable subclause).
func ExtractPushdown(where Expr, defaultAlias string) (remaining Expr, pushdown map[string]Expr) {
	if where == nil {
		return nil, nil
	}
	pushdown = make(map[string]Expr)
	var keep []Expr

	for _, sub := range splitConjunction(where) {
		aliases := aliasesOf(sub, defaultAlias)
		if len(aliases) == 1 && isPushdownSupported(sub) {
			var alias string
			for a := range aliases {
				alias = a
			}
			if existing, ok := pushdown[alias]; ok {
				pushdown[alias] = And(existing, sub)
			} else {
				pushdown[alias] = sub
			}
			continue
		}
		keep = append(keep, sub)
	}

	if len(pushdown) == 0 {
		pushdown = nil
	}
	if len(keep) == 0 {
		return nil, pushdown
	}
	remaining = keep[0]
	for _, k := range keep[1:] {
		remaining = And(remaining, k)
	}
	return remaining, pushdown
}
