package collection

import (
	"reactivestore/dataflow"
	"reactivestore/query"
)

// basicExprEvaluator adapts a query.Expr to the minimal whereEvaluator
// contract SubscribeChanges/autoIndexLocked need, without collection
// importing query anywhere outside this adapter file.
type basicExprEvaluator struct {
	expr   query.Expr
	fields []string
}

func (b *basicExprEvaluator) EvalRow(row map[string]any) (bool, error) {
	v, err := query.Eval(b.expr, query.Row(row))
	if err != nil {
		return false, err
	}
	ok, _ := v.(bool)
	return ok, nil
}

func (b *basicExprEvaluator) Fields() []string { return b.fields }

func newBasicExprEvaluator(e *query.BasicExpression) *basicExprEvaluator {
	if e == nil {
		return nil
	}
	return &basicExprEvaluator{expr: e.Expr, fields: fieldsOf(e.Expr)}
}

func fieldsOf(e query.Expr) []string {
	seen := map[string]bool{}
	var walk func(query.Expr)
	walk = func(e query.Expr) {
		switch n := e.(type) {
		case query.Prop:
			seen[n.Path] = true
		case query.Call:
			for _, a := range n.Args {
				walk(a)
			}
		case query.Agg:
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	walk(e)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	return out
}

// querySource adapts a Collection to query.Source, letting the compiler
// (package query) read and subscribe to it without query importing
// collection (Compile accepts any query.Source; Collection produces one).
type querySource[T any] struct {
	c *Collection[T]
}

// QuerySource exposes c as a query.Source for the live-query compiler.
func (c *Collection[T]) QuerySource() query.Source { return &querySource[T]{c: c} }

func (qs *querySource[T]) ID() string { return qs.c.ID() }

// Snapshot filters the collection's current state through pushdown, the
// same BasicExpression SubscribeChanges would apply to live changes — a
// row the query's WHERE clause excludes must never appear in the initial
// seed either (spec §4.6/§4.7).
func (qs *querySource[T]) Snapshot(pushdown *query.BasicExpression) dataflow.Batch[string, query.Row] {
	ev := newBasicExprEvaluator(pushdown)
	state := qs.c.State()
	out := make(dataflow.Batch[string, query.Row], 0, len(state))
	for k, v := range state {
		row := query.Row(toRow(v))
		if ev != nil {
			ok, err := ev.EvalRow(row)
			if err != nil || !ok {
				continue
			}
		}
		out = append(out, dataflow.Delta[string, query.Row]{Key: k, Value: row, Mult: 1})
	}
	return out
}

func (qs *querySource[T]) SubscribeChanges(pushdown *query.BasicExpression, onBatch func(dataflow.Batch[string, query.Row])) func() {
	// A typed-nil *basicExprEvaluator assigned to the whereEvaluator
	// interface would be non-nil and panic on EvalRow, so only assign the
	// interface when pushdown actually produced an evaluator.
	var where whereEvaluator
	if ev := newBasicExprEvaluator(pushdown); ev != nil {
		where = ev
	}
	return qs.c.SubscribeChanges(func(ch Change[T]) {
		var batch dataflow.Batch[string, query.Row]
		switch ch.Type {
		case Delete:
			batch = dataflow.Batch[string, query.Row]{{Key: ch.Key, Value: query.Row(toRow(ch.Value)), Mult: -1}}
		case Update:
			if ch.PreviousValue != nil {
				batch = append(batch, dataflow.Delta[string, query.Row]{Key: ch.Key, Value: query.Row(toRow(*ch.PreviousValue)), Mult: -1})
			}
			batch = append(batch, dataflow.Delta[string, query.Row]{Key: ch.Key, Value: query.Row(toRow(ch.Value)), Mult: 1})
		default: // Insert
			batch = dataflow.Batch[string, query.Row]{{Key: ch.Key, Value: query.Row(toRow(ch.Value)), Mult: 1}}
		}
		onBatch(batch)
	}, SubscribeOptions{WhereExpression: where})
}
