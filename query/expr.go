// Package query implements the typed query IR, chainable builder, and
// incremental compiler described for live queries: a query is built up as
// an immutable tree of IR nodes, then lowered by Compile into a dataflow
// pipeline of the operators in package dataflow.
package query

import (
	"fmt"
	"strings"
)

// Expr is a node in a query expression tree. The design notes call for
// "ref proxies" (dynamic property-access interception) to be re-architected
// as tagged-variant constructors — Prop/Lit/Call/Agg below — rather than
// reflected over at runtime.
type Expr interface {
	isExpr()
	String() string
}

// Prop references a field on the row under evaluation, e.g. "age" or
// "address.city" for a nested path.
type Prop struct{ Path string }

// Lit is a literal value.
type Lit struct{ Value any }

// Call is a scalar function application: eq, gt, and, or, not, like, ilike,
// upper, lower, length, concat, coalesce, add, in.
type Call struct {
	Name string
	Args []Expr
}

// Agg is an aggregate function application, valid only within the Select
// projection or the Having clause of a grouped query: count, avg, sum, min,
// max.
type Agg struct {
	Name string
	Args []Expr
}

func (Prop) isExpr() {}
func (Lit) isExpr()  {}
func (Call) isExpr() {}
func (Agg) isExpr()  {}

func (p Prop) String() string { return p.Path }
func (l Lit) String() string  { return fmt.Sprintf("%v", l.Value) }
func (c Call) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(parts, ", "))
}
func (a Agg) String() string {
	parts := make([]string, len(a.Args))
	for i, arg := range a.Args {
		parts[i] = arg.String()
	}
	return fmt.Sprintf("%s(%s)", a.Name, strings.Join(parts, ", "))
}

// Constructors. Each returns an Expr node; builder methods and fn.* helpers
// are thin wrappers over these.

func P(path string) Prop   { return Prop{Path: path} }
func V(value any) Lit      { return Lit{Value: value} }
func Eq(a, b Expr) Call    { return Call{Name: "eq", Args: []Expr{a, b}} }
func Gt(a, b Expr) Call    { return Call{Name: "gt", Args: []Expr{a, b}} }
func Gte(a, b Expr) Call   { return Call{Name: "gte", Args: []Expr{a, b}} }
func Lt(a, b Expr) Call    { return Call{Name: "lt", Args: []Expr{a, b}} }
func Lte(a, b Expr) Call   { return Call{Name: "lte", Args: []Expr{a, b}} }
func And(args ...Expr) Call  { return Call{Name: "and", Args: args} }
func Or(args ...Expr) Call   { return Call{Name: "or", Args: args} }
func Not(a Expr) Call         { return Call{Name: "not", Args: []Expr{a}} }
func Like(a, pattern Expr) Call  { return Call{Name: "like", Args: []Expr{a, pattern}} }
func ILike(a, pattern Expr) Call { return Call{Name: "ilike", Args: []Expr{a, pattern}} }
func Upper(a Expr) Call       { return Call{Name: "upper", Args: []Expr{a}} }
func Lower(a Expr) Call       { return Call{Name: "lower", Args: []Expr{a}} }
func Length(a Expr) Call      { return Call{Name: "length", Args: []Expr{a}} }
func Concat(args ...Expr) Call { return Call{Name: "concat", Args: args} }
func Coalesce(args ...Expr) Call { return Call{Name: "coalesce", Args: args} }
func Add(a, b Expr) Call     { return Call{Name: "add", Args: []Expr{a, b}} }
func In(a Expr, values ...Expr) Call { return Call{Name: "in", Args: append([]Expr{a}, values...)} }

func Count(args ...Expr) Agg { return Agg{Name: "count", Args: args} }
func Sum(a Expr) Agg         { return Agg{Name: "sum", Args: []Expr{a}} }
func Avg(a Expr) Agg         { return Agg{Name: "avg", Args: []Expr{a}} }
func Min(a Expr) Agg         { return Agg{Name: "min", Args: []Expr{a}} }
func Max(a Expr) Agg         { return Agg{Name: "max", Args: []Expr{a}} }
