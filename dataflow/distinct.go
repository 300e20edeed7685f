package dataflow

// Distinct deduplicates values within each key, emitting exactly one
// instance of a (Key, Value) pair while it has positive net count, and
// retracting it the moment the count returns to zero. Per spec §4.4,
// "distinct deduplicates by structural equality on the selected tuple" —
// here, Go's == on V.
type Distinct[K comparable, V comparable] struct {
	counts map[K]map[V]int
}

// NewDistinct constructs an empty Distinct operator.
func NewDistinct[K comparable, V comparable]() *Distinct[K, V] {
	return &Distinct[K, V]{counts: make(map[K]map[V]int)}
}

// Process folds in a batch of deltas and returns the incremental change
// to the distinct output: at most one insert the first time a value's
// count goes from 0 to positive, and one delete when it returns to 0.
func (d *Distinct[K, V]) Process(in Batch[K, V]) Batch[K, V] {
	out := make(Batch[K, V], 0, len(in))
	for _, delta := range in {
		byVal, ok := d.counts[delta.Key]
		if !ok {
			byVal = make(map[V]int)
			d.counts[delta.Key] = byVal
		}
		before := byVal[delta.Value]
		after := before + int(delta.Mult)
		if after == 0 {
			delete(byVal, delta.Value)
			if len(byVal) == 0 {
				delete(d.counts, delta.Key)
			}
		} else {
			byVal[delta.Value] = after
		}

		switch {
		case before <= 0 && after > 0:
			out = append(out, Delta[K, V]{Key: delta.Key, Value: delta.Value, Mult: 1})
		case before > 0 && after <= 0:
			out = append(out, Delta[K, V]{Key: delta.Key, Value: delta.Value, Mult: -1})
		}
	}
	return out
}
