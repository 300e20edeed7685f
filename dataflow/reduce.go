package dataflow

// Reduce implements GroupBy/aggregation (spec §4.4, step 4): it folds
// deltas keyed by group G into a per-group accumulator over the
// multiset of contributing rows, and emits the change to the aggregate
// "retract-forward" — a delete of the old aggregate value paired with
// an insert of the new one (spec §4.3: "Aggregations are
// retract-forward: any change to a group emits (-old, +new)").
type Reduce[G comparable, V comparable, A any] struct {
	rows      map[G]map[V]int
	current   map[G]A
	aggregate func(rows map[V]int) A
}

// NewReduce builds a Reduce operator. aggregate receives the current
// multiset of rows in a group (value -> net count) and computes the
// group's aggregate value; it is called once per touched group per
// Process call, not once per row, so it can be O(rows) itself (e.g. sum,
// avg, count, min, max).
func NewReduce[G comparable, V comparable, A any](aggregate func(rows map[V]int) A) *Reduce[G, V, A] {
	return &Reduce[G, V, A]{
		rows:      make(map[G]map[V]int),
		current:   make(map[G]A),
		aggregate: aggregate,
	}
}

// Process folds in deltas and returns the retract-forward changes to
// every group touched by this batch.
func (r *Reduce[G, V, A]) Process(in Batch[G, V]) Batch[G, A] {
	touched := make(map[G]struct{})
	for _, d := range in {
		bucket, ok := r.rows[d.Key]
		if !ok {
			bucket = make(map[V]int)
			r.rows[d.Key] = bucket
		}
		bucket[d.Value] += int(d.Mult)
		if bucket[d.Value] == 0 {
			delete(bucket, d.Value)
		}
		touched[d.Key] = struct{}{}
	}

	out := make(Batch[G, A], 0, len(touched)*2)
	for g := range touched {
		bucket := r.rows[g]
		hasNew := len(bucket) > 0

		if oldVal, hadOld := r.current[g]; hadOld {
			out = append(out, Delta[G, A]{Key: g, Value: oldVal, Mult: -1})
		}

		if hasNew {
			newVal := r.aggregate(bucket)
			out = append(out, Delta[G, A]{Key: g, Value: newVal, Mult: 1})
			r.current[g] = newVal
		} else {
			delete(r.current, g)
			delete(r.rows, g)
		}
	}
	return out
}

// Count is a ready-made aggregate function for Reduce: the number of
// rows currently in the group (sum of positive net counts).
func Count[V comparable](rows map[V]int) int {
	total := 0
	for _, n := range rows {
		if n > 0 {
			total += n
		}
	}
	return total
}

// Sum returns an aggregate function summing extract(v)*count over a
// group's rows.
func Sum[V comparable](extract func(V) float64) func(map[V]int) float64 {
	return func(rows map[V]int) float64 {
		var total float64
		for v, n := range rows {
			if n > 0 {
				total += extract(v) * float64(n)
			}
		}
		return total
	}
}

// Avg returns an aggregate function averaging extract(v) over a group's
// rows, weighted by net count.
func Avg[V comparable](extract func(V) float64) func(map[V]int) float64 {
	return func(rows map[V]int) float64 {
		var total float64
		var n int
		for v, c := range rows {
			if c > 0 {
				total += extract(v) * float64(c)
				n += c
			}
		}
		if n == 0 {
			return 0
		}
		return total / float64(n)
	}
}

// Min returns an aggregate function computing the minimum of extract(v)
// over a group's rows. Multiplicity only gates membership (a row present
// with net count <= 0 is excluded); it doesn't widen the range.
func Min[V comparable](extract func(V) float64) func(map[V]int) float64 {
	return func(rows map[V]int) float64 {
		var min float64
		first := true
		for v, c := range rows {
			if c <= 0 {
				continue
			}
			f := extract(v)
			if first || f < min {
				min = f
				first = false
			}
		}
		return min
	}
}

// Max returns an aggregate function computing the maximum of extract(v)
// over a group's rows.
func Max[V comparable](extract func(V) float64) func(map[V]int) float64 {
	return func(rows map[V]int) float64 {
		var max float64
		first := true
		for v, c := range rows {
			if c <= 0 {
				continue
			}
			f := extract(v)
			if first || f > max {
				max = f
				first = false
			}
		}
		return max
	}
}
