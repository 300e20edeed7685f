package dataflow

// Join is a hash-based incremental equi-join keyed by K, following the
// standard differential-dataflow formula: when a delta arrives on one
// side, it is joined against the *current* state of the other side
// before that state is updated, so that processing ΔL then ΔR for the
// same step yields the full bilinear delta
//
//	ΔL⋈R_old + L_old⋈ΔR + ΔL⋈ΔR
//
// without double-counting. Spec §4.3 calls out left/right/outer
// variants as "derivable via concat + negate + antijoin" — Antijoin
// below is the building block for that; Join itself only implements the
// inner-join primitive (spec §4.4 step 3).
type Join[K comparable, L comparable, R comparable, O any] struct {
	left    map[K]map[L]int
	right   map[K]map[R]int
	combine func(L, R) O
}

// NewJoin constructs an empty Join. combine builds the output row from
// a matching pair.
func NewJoin[K comparable, L comparable, R comparable, O any](combine func(L, R) O) *Join[K, L, R, O] {
	return &Join[K, L, R, O]{
		left:    make(map[K]map[L]int),
		right:   make(map[K]map[R]int),
		combine: combine,
	}
}

// ProcessLeft folds in deltas on the left input, emitting the matches
// against the right side's current state, then updates the left state.
func (j *Join[K, L, R, O]) ProcessLeft(in Batch[K, L]) Batch[K, O] {
	out := make(Batch[K, O], 0, len(in))
	for _, d := range in {
		if rightRows, ok := j.right[d.Key]; ok {
			for rv, rmult := range rightRows {
				out = append(out, Delta[K, O]{Key: d.Key, Value: j.combine(d.Value, rv), Mult: d.Mult * Mult(rmult)})
			}
		}
		bucket := j.left[d.Key]
		if bucket == nil {
			bucket = make(map[L]int)
			j.left[d.Key] = bucket
		}
		bucket[d.Value] += int(d.Mult)
		if bucket[d.Value] == 0 {
			delete(bucket, d.Value)
		}
		if len(bucket) == 0 {
			delete(j.left, d.Key)
		}
	}
	return out
}

// ProcessRight folds in deltas on the right input, emitting matches
// against the left side's current (already-updated-this-step) state,
// then updates the right state.
func (j *Join[K, L, R, O]) ProcessRight(in Batch[K, R]) Batch[K, O] {
	out := make(Batch[K, O], 0, len(in))
	for _, d := range in {
		if leftRows, ok := j.left[d.Key]; ok {
			for lv, lmult := range leftRows {
				out = append(out, Delta[K, O]{Key: d.Key, Value: j.combine(lv, d.Value), Mult: d.Mult * Mult(lmult)})
			}
		}
		bucket := j.right[d.Key]
		if bucket == nil {
			bucket = make(map[R]int)
			j.right[d.Key] = bucket
		}
		bucket[d.Value] += int(d.Mult)
		if bucket[d.Value] == 0 {
			delete(bucket, d.Value)
		}
		if len(bucket) == 0 {
			delete(j.right, d.Key)
		}
	}
	return out
}

// HasRight reports whether key k currently has any matching row on the
// right side — the membership oracle Antijoin needs to build a left
// outer join.
func (j *Join[K, L, R, O]) HasRight(k K) bool {
	rows, ok := j.right[k]
	return ok && len(rows) > 0
}

// HasLeft reports whether key k currently has any matching row on the
// left side.
func (j *Join[K, L, R, O]) HasLeft(k K) bool {
	rows, ok := j.left[k]
	return ok && len(rows) > 0
}

// Antijoin keeps only deltas whose key is absent from the other side,
// per the membership oracle present. Concat(innerJoinOutput,
// Map(Antijoin(left, join.HasRight), nullComplete)) builds a left outer
// join: every left row with no match still appears once, completed with
// nulls on the right.
func Antijoin[K comparable, V any](in Batch[K, V], present func(K) bool) Batch[K, V] {
	out := make(Batch[K, V], 0, len(in))
	for _, d := range in {
		if !present(d.Key) {
			out = append(out, d)
		}
	}
	return out
}
