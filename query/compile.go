package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"reactivestore/dataflow"
)

// Source is everything the compiler needs from an input collection: its
// current contents as a batch of inserts, and a subscription that delivers
// further changes, both optionally filtered by a pushed-down BasicExpression
// (spec §4.6's subscribeChanges whereExpression). Snapshot takes the same
// pushdown so the initial seed honours it too, not just live changes.
// collection.Collection satisfies this interface structurally; query does
// not import collection, avoiding a dependency cycle between the two
// packages.
type Source interface {
	ID() string
	Snapshot(pushdown *BasicExpression) dataflow.Batch[string, Row]
	SubscribeChanges(pushdown *BasicExpression, onBatch func(dataflow.Batch[string, Row])) (unsubscribe func())
}

// Compiled is a query lowered to a runnable dataflow pipeline.
type Compiled struct {
	// Pushdown maps source alias to the expression the compiler extracted
	// for that alias, so a caller (the live-query glue, spec §4.7) can pass
	// it into that source's SubscribeChanges.
	Pushdown map[string]Expr

	aliasOrder []string
	sources    map[string]string // alias -> collection name
	joins      []JoinClause
	remaining  Expr
	groupBy    []Expr
	having     Expr
	orderBy    []OrderTerm
	limit      int
	offset     int
	sel        map[string]Expr
	fnSel      func(Row) Row
	distinct   bool
}

// Compile lowers ir into a Compiled pipeline, performing WHERE push-down
// (spec §4.4 step 2) without yet binding it to live sources; Run binds
// sources and starts the graph.
func Compile(ir *IR) (*Compiled, error) {
	if ir == nil || ir.FromAlias == "" {
		return nil, fmt.Errorf("query: compile: IR has no FROM source")
	}
	if ir.FromSubIR != nil {
		return nil, fmt.Errorf("query: compile: subquery sources are not yet supported")
	}

	remaining, pushdown := ExtractPushdown(ir.Where, ir.FromAlias)

	c := &Compiled{
		Pushdown:  map[string]Expr{},
		sources:   map[string]string{ir.FromAlias: ir.FromName},
		joins:     ir.Joins,
		remaining: remaining,
		groupBy:   ir.GroupBy,
		having:    ir.Having,
		orderBy:   ir.OrderBy,
		limit:     ir.Limit,
		offset:    ir.Offset,
		sel:       ir.Select,
		fnSel:     ir.FnSelect,
		distinct:  ir.Distinct,
	}
	c.aliasOrder = append(c.aliasOrder, ir.FromAlias)
	for alias, expr := range pushdown {
		c.Pushdown[alias] = expr
	}
	for _, j := range ir.Joins {
		if j.SubIR != nil {
			return nil, fmt.Errorf("query: compile: subquery join sources are not yet supported")
		}
		c.sources[j.Alias] = j.Source
		c.aliasOrder = append(c.aliasOrder, j.Alias)
	}
	return c, nil
}

// Run binds sources (keyed by alias) and starts the pipeline: it seeds the
// pipeline with each source's snapshot, subscribes to further changes, and
// invokes sink with every resulting output delta. The returned stop func
// tears down every source subscription.
func (c *Compiled) Run(ctx context.Context, sources map[string]Source, sink func(context.Context, dataflow.Batch[string, Row]) error) (stop func(), err error) {
	for _, alias := range c.aliasOrder {
		if _, ok := sources[alias]; !ok {
			return nil, fmt.Errorf("query: compile: no source bound for alias %q", alias)
		}
	}

	joined := newJoinStage(c.aliasOrder, c.joins)

	filterStage := func(b dataflow.Batch[string, Row]) dataflow.Batch[string, Row] {
		if c.remaining == nil {
			return b
		}
		return dataflow.Filter(b, func(r Row) bool {
			ok, err := Eval(c.remaining, r)
			if err != nil {
				return false
			}
			b, _ := ok.(bool)
			return b
		})
	}

	groupStage, sel, err := newGroupStage(c.groupBy, c.having, c.sel)
	if err != nil {
		return nil, err
	}

	topK := newOrderStage(c.orderBy, c.offset, c.limit)

	selectStage := func(b dataflow.Batch[string, Row]) dataflow.Batch[string, Row] {
		return dataflow.Map(b, func(r Row) Row { return applySelect(r, sel, c.fnSel) })
	}

	var distinctStage *dataflow.Distinct[string, string]
	if c.distinct {
		distinctStage = dataflow.NewDistinct[string, string]()
	}

	var unsubs []func()
	emit := func(alias string, b dataflow.Batch[string, Row]) {
		out := joined.process(alias, b)
		out = filterStage(out)
		out = groupStage(out)
		topKOut := topK(rowsToOrderable(out))
		out = orderableToRows(topKOut)
		out = selectStage(out)
		if distinctStage != nil {
			out = applyDistinct(distinctStage, out)
		}
		if len(out) == 0 {
			return
		}
		if sendErr := sink(ctx, out); sendErr != nil {
			// A sink error is dropped here: it is not returned to Run's
			// caller and the batch is not retried.
			_ = sendErr
		}
	}

	for _, alias := range c.aliasOrder {
		src := sources[alias]
		emit(alias, src.Snapshot(pushdownFor(c.Pushdown, alias)))
		a := alias
		unsub := src.SubscribeChanges(pushdownFor(c.Pushdown, alias), func(b dataflow.Batch[string, Row]) {
			emit(a, b)
		})
		unsubs = append(unsubs, unsub)
	}

	return func() {
		for _, u := range unsubs {
			if u != nil {
				u()
			}
		}
	}, nil
}

func pushdownFor(m map[string]Expr, alias string) *BasicExpression {
	e, ok := m[alias]
	if !ok {
		return nil
	}
	return &BasicExpression{Alias: alias, Expr: e}
}

// joinStage wires one dataflow.Join per join clause. The FROM alias (the
// first entry of order) is the left side of every clause and the clause's
// own alias is its right side; clauses are not chained into one another,
// so each one joins the FROM rows against a single alias. Joined rows are
// keyed by their join-key value. A batch from an alias bound to no clause
// passes through unchanged, keeping its original keys.
type joinStage struct {
	order   []string
	clauses []JoinClause
	engines map[string]*dataflow.Join[string, Row, Row, Row]
}

func newJoinStage(order []string, clauses []JoinClause) *joinStage {
	js := &joinStage{order: order, clauses: clauses, engines: map[string]*dataflow.Join[string, Row, Row, Row]{}}
	for _, jc := range clauses {
		js.engines[jc.Alias] = dataflow.NewJoin[string, Row, Row, Row](mergeRows)
	}
	return js
}

// process folds a batch arriving from alias through any join clause bound
// to it; with no joins declared this is the identity.
func (js *joinStage) process(alias string, b dataflow.Batch[string, Row]) dataflow.Batch[string, Row] {
	if len(js.clauses) == 0 {
		return b
	}
	var out dataflow.Batch[string, Row]
	for _, jc := range js.clauses {
		eng := js.engines[jc.Alias]
		if alias == js.order[0] {
			rekeyed := rekeyOn(b, jc.On, true)
			matched := eng.ProcessLeft(rekeyed)
			out = dataflow.Concat(out, matched)
			if jc.Kind == LeftJoin || jc.Kind == FullJoin {
				unmatched := dataflow.Antijoin(rekeyed, eng.HasRight)
				out = dataflow.Concat(out, dataflow.Map(unmatched, func(r Row) Row { return r }))
			}
		} else if jc.Alias == alias {
			rekeyed := rekeyOn(b, jc.On, false)
			matched := eng.ProcessRight(rekeyed)
			out = dataflow.Concat(out, matched)
		}
	}
	if out == nil {
		return b
	}
	return out
}

func mergeRows(l, r Row) Row {
	out := make(Row, len(l)+len(r))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range r {
		out[k] = v
	}
	return out
}

// rekeyOn re-keys a batch by the join key extracted from On, so dataflow.Join
// can match left and right deltas that share the same equi-join value. When
// On is nil (a cross join) every row shares a single key, producing the
// cross product.
func rekeyOn(b dataflow.Batch[string, Row], on Expr, left bool) dataflow.Batch[string, Row] {
	out := make(dataflow.Batch[string, Row], len(b))
	for i, d := range b {
		key := joinKey(on, d.Value, left)
		out[i] = dataflow.Delta[string, Row]{Key: key, Value: d.Value, Mult: d.Mult}
	}
	return out
}

// joinKey evaluates the On expression's left or right side against row. By
// convention a JoinClause's On is Eq(leftFieldExpr, rightFieldExpr), where
// leftFieldExpr is evaluated against the left source's own (unqualified)
// row shape and rightFieldExpr against the right source's — not against the
// post-join merged row, since the two sides never coexist before the join
// absorbs them.
func joinKey(on Expr, row Row, left bool) string {
	if on == nil {
		return "*"
	}
	call, ok := on.(Call)
	if !ok || call.Name != "eq" || len(call.Args) != 2 {
		return "*"
	}
	expr := call.Args[0]
	if !left {
		expr = call.Args[1]
	}
	v, err := Eval(expr, row)
	if err != nil {
		return "*"
	}
	return fmt.Sprint(v)
}

// aggKey synthesizes a stable Row field name for agg, so a reduced group's
// accumulated aggregate values can travel through the same Row shape the
// rest of the pipeline already passes around.
func aggKey(a Agg) string { return "__agg:" + a.String() }

// collectAggs walks exprs (a Having clause plus every Select expression)
// and returns every distinct Agg node found, keyed by aggKey. Select/Having
// reference aggregates only at the top of a Call tree (e.g. Gt(Count(),
// V(2))), never nested inside another Agg, so recursing through Call nodes
// without descending into an Agg's own arguments finds them all.
func collectAggs(exprs ...Expr) map[string]Agg {
	found := map[string]Agg{}
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case Agg:
			found[aggKey(n)] = n
		case Call:
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	for _, e := range exprs {
		if e != nil {
			walk(e)
		}
	}
	return found
}

// substituteAggs replaces every Agg node in e with a Prop referencing its
// aggKey, so the ordinary scalar Eval path — which rejects Agg nodes
// (eval.go) — can evaluate a Having/Select expression against an
// already-reduced group row carrying the precomputed aggregate values.
func substituteAggs(e Expr) Expr {
	switch n := e.(type) {
	case Agg:
		return Prop{Path: aggKey(n)}
	case Call:
		args := make([]Expr, len(n.Args))
		for i, a := range n.Args {
			args[i] = substituteAggs(a)
		}
		return Call{Name: n.Name, Args: args}
	default:
		return e
	}
}

func substituteAggsInSelect(sel map[string]Expr) map[string]Expr {
	if sel == nil {
		return nil
	}
	out := make(map[string]Expr, len(sel))
	for name, e := range sel {
		out[name] = substituteAggs(e)
	}
	return out
}

func selectExprs(sel map[string]Expr) []Expr {
	out := make([]Expr, 0, len(sel))
	for _, e := range sel {
		out = append(out, e)
	}
	return out
}

// evalAggregate computes one Agg's value over a group's net row multiset
// (encoded row -> net count), wiring dataflow's Sum/Avg/Min/Max reducers
// (count is summed directly; sum/avg/min/max decode each row once to
// extract the aggregated field as a float64).
func evalAggregate(a Agg, rows map[string]int) any {
	var arg Expr
	if len(a.Args) > 0 {
		arg = a.Args[0]
	}
	extract := func(encoded string) float64 {
		if arg == nil {
			return 0
		}
		v, _ := Eval(arg, decodeRow(encoded))
		return toFloat(v)
	}

	switch a.Name {
	case "count":
		if arg == nil {
			return float64(dataflow.Count(rows))
		}
		total := 0
		for encoded, n := range rows {
			if n <= 0 {
				continue
			}
			if v, _ := Eval(arg, decodeRow(encoded)); v != nil {
				total += n
			}
		}
		return float64(total)
	case "sum":
		return dataflow.Sum[string](extract)(rows)
	case "avg":
		return dataflow.Avg[string](extract)(rows)
	case "min":
		return dataflow.Min[string](extract)(rows)
	case "max":
		return dataflow.Max[string](extract)(rows)
	default:
		return nil
	}
}

// newGroupStage builds the GroupBy/Having stage (spec §4.4 step 4). It
// returns the batch-processing func plus sel rewritten so any Agg node in
// a Select expression resolves against the reduced group row instead of
// Eval's normal per-row path (Having is rewritten and applied internally).
func newGroupStage(groupBy []Expr, having Expr, sel map[string]Expr) (func(dataflow.Batch[string, Row]) dataflow.Batch[string, Row], map[string]Expr, error) {
	if len(groupBy) == 0 {
		return func(b dataflow.Batch[string, Row]) dataflow.Batch[string, Row] { return b }, sel, nil
	}

	aggs := collectAggs(append([]Expr{having}, selectExprs(sel)...)...)

	reducer := dataflow.NewReduce[string, string, Row](func(rows map[string]int) Row {
		var anyRow Row
		for encoded, n := range rows {
			if n > 0 {
				anyRow = decodeRow(encoded)
				break
			}
		}
		agg := Row{"count": float64(0)}
		for k, v := range anyRow {
			agg[k] = v
		}
		total := 0
		for _, n := range rows {
			if n > 0 {
				total += n
			}
		}
		agg["count"] = float64(total)
		for key, a := range aggs {
			agg[key] = evalAggregate(a, rows)
		}
		return agg
	})

	var substitutedHaving Expr
	if having != nil {
		substitutedHaving = substituteAggs(having)
	}
	substitutedSel := substituteAggsInSelect(sel)

	encode := func(r Row) string {
		parts := make([]string, len(groupBy))
		for i, g := range groupBy {
			v, _ := Eval(g, r)
			parts[i] = fmt.Sprint(v)
		}
		return strings.Join(parts, "\x1f")
	}

	return func(b dataflow.Batch[string, Row]) dataflow.Batch[string, Row] {
		rekeyed := make(dataflow.Batch[string, string], len(b))
		for i, d := range b {
			rekeyed[i] = dataflow.Delta[string, string]{Key: encode(d.Value), Value: encodeRow(d.Value), Mult: d.Mult}
		}
		result := reducer.Process(rekeyed)
		if substitutedHaving != nil {
			result = dataflow.Filter(result, func(r Row) bool {
				ok, err := Eval(substitutedHaving, r)
				if err != nil {
					return false
				}
				b, _ := ok.(bool)
				return b
			})
		}
		return result
	}, substitutedSel, nil
}

// encodeRow/decodeRow serialize a Row into dataflow.Reduce's and
// dataflow.TopK's comparable value type; grounded in changetracker's
// JSON-based diffing rather than inventing a second structural-equality
// code path. encoding/json sorts map keys, so the encoding is deterministic.
func encodeRow(r Row) string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%v", r)
	}
	return string(b)
}

func decodeRow(encoded string) Row {
	var out Row
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return Row{}
	}
	return out
}

// rankedPayload carries a row's own key alongside its JSON encoding so
// TopK — which must partition LIMIT/OFFSET across the *whole* result set,
// not per source row — can use a single constant group while still letting
// orderableToRows recover which row each ranked entry belongs to.
type rankedPayload struct {
	id  string
	row string
}

const topKGroup = "*"

// rowsToOrderable bridges a Row batch into dataflow.TopK's comparable value
// type, all rows sharing one partition so LIMIT/OFFSET windows the entire
// result rather than windowing within each row's own key.
func rowsToOrderable(b dataflow.Batch[string, Row]) dataflow.Batch[string, rankedPayload] {
	out := make(dataflow.Batch[string, rankedPayload], len(b))
	for i, d := range b {
		out[i] = dataflow.Delta[string, rankedPayload]{Key: topKGroup, Value: rankedPayload{id: d.Key, row: encodeRow(d.Value)}, Mult: d.Mult}
	}
	return out
}

func orderableToRows(b dataflow.Batch[string, dataflow.Ranked[rankedPayload]]) dataflow.Batch[string, Row] {
	out := make(dataflow.Batch[string, Row], len(b))
	for i, d := range b {
		r := decodeRow(d.Value.Value.row)
		r["_orderByIndex"] = d.Value.OrderKey
		out[i] = dataflow.Delta[string, Row]{Key: d.Value.Value.id, Value: r, Mult: d.Mult}
	}
	return out
}

func newOrderStage(orderBy []OrderTerm, offset, limit int) func(dataflow.Batch[string, rankedPayload]) dataflow.Batch[string, dataflow.Ranked[rankedPayload]] {
	if len(orderBy) == 0 && limit <= 0 && offset == 0 {
		return func(b dataflow.Batch[string, rankedPayload]) dataflow.Batch[string, dataflow.Ranked[rankedPayload]] {
			out := make(dataflow.Batch[string, dataflow.Ranked[rankedPayload]], len(b))
			for i, d := range b {
				out[i] = dataflow.Delta[string, dataflow.Ranked[rankedPayload]]{Key: d.Key, Value: dataflow.Ranked[rankedPayload]{Value: d.Value}, Mult: d.Mult}
			}
			return out
		}
	}
	less := func(a, b rankedPayload) bool {
		ra, rb := decodeRow(a.row), decodeRow(b.row)
		for _, term := range orderBy {
			av, _ := Eval(term.Expr, ra)
			bv, _ := Eval(term.Expr, rb)
			cmp, ok := compareOrdered(av, bv)
			if !ok {
				cmp = strings.Compare(fmt.Sprint(av), fmt.Sprint(bv))
			}
			if cmp == 0 {
				continue
			}
			if term.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return a.id < b.id
	}
	topK := dataflow.NewTopK[string, rankedPayload](less, offset, limit)
	return topK.Process
}

func applySelect(r Row, sel map[string]Expr, fnSel func(Row) Row) Row {
	if fnSel != nil {
		return fnSel(r)
	}
	if len(sel) == 0 {
		return r
	}
	out := make(Row, len(sel))
	for name, expr := range sel {
		v, _ := Eval(expr, r)
		out[name] = v
	}
	if idx, ok := r["_orderByIndex"]; ok {
		out["_orderByIndex"] = idx
	}
	return out
}

func applyDistinct(d *dataflow.Distinct[string, string], b dataflow.Batch[string, Row]) dataflow.Batch[string, Row] {
	rekeyed := make(dataflow.Batch[string, string], len(b))
	index := map[string]Row{}
	for i, delta := range b {
		enc := encodeRow(delta.Value)
		index[enc] = delta.Value
		rekeyed[i] = dataflow.Delta[string, string]{Key: delta.Key, Value: enc, Mult: delta.Mult}
	}
	out := d.Process(rekeyed)
	result := make(dataflow.Batch[string, Row], len(out))
	for i, delta := range out {
		row, ok := index[delta.Value]
		if !ok {
			row = decodeRow(delta.Value)
		}
		result[i] = dataflow.Delta[string, Row]{Key: delta.Key, Value: row, Mult: delta.Mult}
	}
	return result
}
