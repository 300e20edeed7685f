package dataflow

import "sort"

// Ranked wraps a value with the fractional order key TopK assigned it,
// so a downstream collection can keep an array sorted without ever
// renumbering existing rows (spec §4.3, §4.7 "orderByIndex").
type Ranked[V any] struct {
	Value    V
	OrderKey string
}

// TopK implements ORDER BY + LIMIT/OFFSET as an incremental operator
// (spec §4.3, §4.4 step 5). It keeps the full per-group multiset of
// candidate rows so it can recompute the window from scratch on any
// change, but it only *emits* the incremental delta between the
// previous window and the new one: deletes for rows that fell out,
// inserts (with a freshly minted fractional index) for rows that
// entered, and nothing at all for rows that stayed — their order key
// never changes.
//
// Rows are deduplicated by value within a group; a row present with net
// multiplicity > 1 is still shown once, so otherwise-equal rows appear as
// separate entries only when some field tells them apart.
type TopK[G comparable, V comparable] struct {
	rows    map[G]map[V]int
	windows map[G][]rankedEntry[V]
	less    func(a, b V) bool
	offset  int
	limit   int // <= 0 means unlimited
}

type rankedEntry[V comparable] struct {
	value V
	frac  string
}

// NewTopK builds a TopK operator. less defines the ORDER BY comparator;
// offset/limit bound the window (limit <= 0 means no limit, i.e. a
// consolidating sort stage per spec §4.4 step 5).
func NewTopK[G comparable, V comparable](less func(a, b V) bool, offset, limit int) *TopK[G, V] {
	return &TopK[G, V]{
		rows:    make(map[G]map[V]int),
		windows: make(map[G][]rankedEntry[V]),
		less:    less,
		offset:  offset,
		limit:   limit,
	}
}

// Process folds in a batch and returns the incremental window changes
// for every group it touched.
func (t *TopK[G, V]) Process(in Batch[G, V]) Batch[G, Ranked[V]] {
	touched := make(map[G]struct{})
	for _, d := range in {
		bucket, ok := t.rows[d.Key]
		if !ok {
			bucket = make(map[V]int)
			t.rows[d.Key] = bucket
		}
		bucket[d.Value] += int(d.Mult)
		if bucket[d.Value] == 0 {
			delete(bucket, d.Value)
		}
		touched[d.Key] = struct{}{}
	}

	out := make(Batch[G, Ranked[V]], 0, len(touched)*2)
	for g := range touched {
		out = append(out, t.recompute(g)...)
	}
	return out
}

func (t *TopK[G, V]) recompute(g G) Batch[G, Ranked[V]] {
	bucket := t.rows[g]

	vals := make([]V, 0, len(bucket))
	for v, n := range bucket {
		if n > 0 {
			vals = append(vals, v)
		}
	}
	sort.Slice(vals, func(i, j int) bool { return t.less(vals[i], vals[j]) })

	lo := t.offset
	if lo > len(vals) {
		lo = len(vals)
	}
	hi := len(vals)
	if t.limit > 0 && lo+t.limit < hi {
		hi = lo + t.limit
	}
	window := vals[lo:hi]

	oldWindow := t.windows[g]
	oldFrac := make(map[V]string, len(oldWindow))
	for _, e := range oldWindow {
		oldFrac[e.value] = e.frac
	}
	inNewWindow := make(map[V]bool, len(window))
	for _, v := range window {
		inNewWindow[v] = true
	}

	var out Batch[G, Ranked[V]]
	for _, e := range oldWindow {
		if !inNewWindow[e.value] {
			out = append(out, Delta[G, Ranked[V]]{Key: g, Value: Ranked[V]{Value: e.value, OrderKey: e.frac}, Mult: -1})
		}
	}

	newWindow := make([]rankedEntry[V], 0, len(window))
	prevFrac := ""
	for i, v := range window {
		if frac, ok := oldFrac[v]; ok {
			newWindow = append(newWindow, rankedEntry[V]{value: v, frac: frac})
			prevFrac = frac
			continue
		}
		nextFrac := ""
		for j := i + 1; j < len(window); j++ {
			if frac, ok := oldFrac[window[j]]; ok {
				nextFrac = frac
				break
			}
		}
		frac := FracIndexBetween(prevFrac, nextFrac)
		newWindow = append(newWindow, rankedEntry[V]{value: v, frac: frac})
		out = append(out, Delta[G, Ranked[V]]{Key: g, Value: Ranked[V]{Value: v, OrderKey: frac}, Mult: 1})
		prevFrac = frac
	}

	if len(newWindow) == 0 {
		delete(t.windows, g)
	} else {
		t.windows[g] = newWindow
	}
	if len(bucket) == 0 {
		delete(t.rows, g)
	}
	return out
}
