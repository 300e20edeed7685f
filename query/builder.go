package query

// Builder is a chainable, immutable query builder: every method returns a
// new Builder wrapping a cloned IR, so an earlier Builder value remains a
// valid, independently reusable query (spec §4.4: "a chainable, immutable
// builder that produces IR nodes").
type Builder struct {
	ir *IR
}

// From starts a query rooted at the named collection, bound to alias.
func From(alias, collectionName string) Builder {
	return Builder{ir: &IR{FromAlias: alias, FromName: collectionName}}
}

// FromSub starts a query rooted at a compiled subquery.
func FromSub(alias string, sub Builder) Builder {
	return Builder{ir: &IR{FromAlias: alias, FromSubIR: sub.ir}}
}

// IR exposes the accumulated tree for Compile; builder methods are the
// only supported way to construct one.
func (b Builder) IR() *IR { return b.ir }

func (b Builder) join(kind JoinKind, alias, collectionName string, on Expr) Builder {
	next := b.ir.clone()
	next.Joins = append(next.Joins, JoinClause{Kind: kind, Alias: alias, Source: collectionName, On: on})
	return Builder{ir: next}
}

func (b Builder) Join(alias, collectionName string, on Expr) Builder {
	return b.join(InnerJoin, alias, collectionName, on)
}
func (b Builder) InnerJoin(alias, collectionName string, on Expr) Builder {
	return b.join(InnerJoin, alias, collectionName, on)
}
func (b Builder) LeftJoin(alias, collectionName string, on Expr) Builder {
	return b.join(LeftJoin, alias, collectionName, on)
}
func (b Builder) RightJoin(alias, collectionName string, on Expr) Builder {
	return b.join(RightJoin, alias, collectionName, on)
}
func (b Builder) FullJoin(alias, collectionName string, on Expr) Builder {
	return b.join(FullJoin, alias, collectionName, on)
}
func (b Builder) CrossJoin(alias, collectionName string) Builder {
	return b.join(CrossJoin, alias, collectionName, nil)
}

// Where ANDs pred onto any existing filter.
func (b Builder) Where(pred Expr) Builder {
	next := b.ir.clone()
	if next.Where == nil {
		next.Where = pred
	} else {
		next.Where = And(next.Where, pred)
	}
	return Builder{ir: next}
}

func (b Builder) GroupBy(keys ...Expr) Builder {
	next := b.ir.clone()
	next.GroupBy = append(next.GroupBy, keys...)
	return Builder{ir: next}
}

func (b Builder) Having(pred Expr) Builder {
	next := b.ir.clone()
	if next.Having == nil {
		next.Having = pred
	} else {
		next.Having = And(next.Having, pred)
	}
	return Builder{ir: next}
}

func (b Builder) OrderBy(expr Expr, desc bool) Builder {
	next := b.ir.clone()
	next.OrderBy = append(next.OrderBy, OrderTerm{Expr: expr, Desc: desc})
	return Builder{ir: next}
}

func (b Builder) Limit(n int) Builder {
	next := b.ir.clone()
	next.Limit = n
	return Builder{ir: next}
}

func (b Builder) Offset(n int) Builder {
	next := b.ir.clone()
	next.Offset = n
	return Builder{ir: next}
}

// Select sets a structural projection: output field name -> expression.
func (b Builder) Select(fields map[string]Expr) Builder {
	next := b.ir.clone()
	next.Select = fields
	next.FnSelect = nil
	return Builder{ir: next}
}

// FnSelect sets a function-style projection, which supersedes any
// structural Select (spec §4.4: "fn.select replaces any prior Select").
func (b Builder) FnSelect(fn func(Row) Row) Builder {
	next := b.ir.clone()
	next.Select = nil
	next.FnSelect = fn
	return Builder{ir: next}
}

func (b Builder) Distinct() Builder {
	next := b.ir.clone()
	next.Distinct = true
	return Builder{ir: next}
}
