// Package index implements the value-to-keys index described in spec §4.1:
// an ordered mapping from an indexed value to the set of collection keys
// carrying that value, plus a hash map for O(1) equality lookups.
//
// An Index is built over a single "ref expression" — a function that
// projects an item of type T down to the comparable value it is indexed
// on. It supports equality, range (gt/gte/lt/lte), and IN lookups, and
// tracks usage so a planner can decide whether maintaining it is worth
// the cost.
package index

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"reactivestore/core"

	"go.uber.org/zap"
)

// Op is a supported lookup operator.
type Op int

const (
	Eq Op = iota
	Gt
	Gte
	Lt
	Lte
	In
)

func (o Op) String() string {
	switch o {
	case Eq:
		return "eq"
	case Gt:
		return "gt"
	case Gte:
		return "gte"
	case Lt:
		return "lt"
	case Lte:
		return "lte"
	case In:
		return "in"
	default:
		return "unknown"
	}
}

// Ordered is the constraint on indexable values: anything with a natural
// total order, so range queries can binary search a sorted slice.
type Ordered interface {
	~string | ~int | ~int32 | ~int64 | ~float32 | ~float64
}

// bucket is one distinct indexed value and the keys currently carrying it.
// Keys preserve insertion order within a bucket so ties break predictably.
type bucket[V Ordered, K comparable] struct {
	value V
	keys  []K
}

// Index is a single-expression index over collection items of type T,
// keyed by K, with indexed values of type V.
//
// Each method takes the index's own lock, so single calls may come from
// several goroutines; Update is a Remove followed by an Add and is not
// atomic as a whole. The owning Collection serializes its calls under its
// own lock (spec §5).
type Index[T any, K comparable, V Ordered] struct {
	mu sync.RWMutex

	id   string
	name string

	eval func(T) (V, bool) // false = item has no value for this field, excluded from the index

	byHash   map[V]map[K]struct{}
	ordered  []*bucket[V, K]
	byKey    map[K]V // remembers the last-evaluated value per key, for remove/update
	lookups  int64
	updated  time.Time
	less     func(a, b V) bool
	fieldRef string
}

// Option configures an Index at construction time.
type Option[V Ordered] func(*options[V])

type options[V Ordered] struct {
	less func(a, b V) bool
}

// WithComparator overrides the ascending ordering used for the sorted
// bucket list. The default is the natural order of V.
func WithComparator[V Ordered](less func(a, b V) bool) Option[V] {
	return func(o *options[V]) { o.less = less }
}

// New builds an empty index. fieldRef names the expression the index was
// built over (e.g. "age" or "status"); it is surfaced via MatchesField so
// the query optimiser (spec §4.4) can pick this index for a WHERE
// subclause without re-deriving the projection.
func New[T any, K comparable, V Ordered](id, fieldRef string, eval func(T) (V, bool), opts ...Option[V]) *Index[T, K, V] {
	o := options[V]{less: func(a, b V) bool { return a < b }}
	for _, apply := range opts {
		apply(&o)
	}
	return &Index[T, K, V]{
		id:       id,
		name:     id,
		eval:     eval,
		byHash:   make(map[V]map[K]struct{}),
		byKey:    make(map[K]V),
		less:     o.less,
		fieldRef: fieldRef,
		updated:  time.Now(),
	}
}

// ID returns the index's identifier.
func (idx *Index[T, K, V]) ID() string { return idx.id }

// MatchesField reports whether this index was built over the given field
// reference, used by the planner to pick an index for a pushed-down
// WHERE subclause.
func (idx *Index[T, K, V]) MatchesField(path string) bool { return idx.fieldRef == path }

// Supports reports whether this index type can serve the given operator.
// Every index built by this package supports all six operators; the
// method exists so planners over heterogeneous index types can filter.
func (idx *Index[T, K, V]) Supports(op Op) bool { return true }

// Build (re)populates the index from an iterable of (key, item) pairs,
// discarding any prior contents.
func (idx *Index[T, K, V]) Build(items map[K]T) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.byHash = make(map[V]map[K]struct{})
	idx.ordered = nil
	idx.byKey = make(map[K]V)

	for k, item := range items {
		if err := idx.addLocked(k, item); err != nil {
			return fmt.Errorf("index %s: build: %w", idx.id, err)
		}
	}
	idx.updated = time.Now()
	return nil
}

// Add indexes a single (key, item) pair. Evaluation errors are fatal to
// the call per spec §4.1 — a failed Add leaves the index unmodified for
// that key.
func (idx *Index[T, K, V]) Add(k K, item T) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	err := idx.addLocked(k, item)
	idx.updated = time.Now()
	return err
}

func (idx *Index[T, K, V]) addLocked(k K, item T) error {
	v, ok := idx.eval(item)
	if !ok {
		return nil
	}
	idx.insertLocked(k, v)
	idx.byKey[k] = v
	return nil
}

func (idx *Index[T, K, V]) insertLocked(k K, v V) {
	if set, ok := idx.byHash[v]; ok {
		set[k] = struct{}{}
	} else {
		idx.byHash[v] = map[K]struct{}{k: {}}
	}

	pos := sort.Search(len(idx.ordered), func(i int) bool {
		return !idx.less(idx.ordered[i].value, v)
	})
	if pos < len(idx.ordered) && idx.ordered[pos].value == v {
		idx.ordered[pos].keys = append(idx.ordered[pos].keys, k)
		return
	}
	b := &bucket[V, K]{value: v, keys: []K{k}}
	idx.ordered = append(idx.ordered, nil)
	copy(idx.ordered[pos+1:], idx.ordered[pos:])
	idx.ordered[pos] = b
}

// Remove drops k from the index. Per spec §4.1, an evaluation error here
// is logged and skipped rather than propagated: a removal whose
// expression now throws cannot be allowed to invalidate the index.
func (idx *Index[T, K, V]) Remove(k K, item T) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	v, ok := idx.byKey[k]
	if !ok {
		// Fall back to re-evaluating the item; if that also fails, skip.
		ev, evOK := idx.safeEval(item)
		if !evOK {
			return
		}
		v, ok = ev, true
	}
	if !ok {
		return
	}
	idx.removeLocked(k, v)
	delete(idx.byKey, k)
	idx.updated = time.Now()
}

func (idx *Index[T, K, V]) safeEval(item T) (v V, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			core.Warn("index: remove evaluation panicked, skipping", zap.String("index", idx.id), zap.Any("recover", r))
			ok = false
		}
	}()
	return idx.eval(item)
}

func (idx *Index[T, K, V]) removeLocked(k K, v V) {
	if set, ok := idx.byHash[v]; ok {
		delete(set, k)
		if len(set) == 0 {
			delete(idx.byHash, v)
		}
	}
	pos := sort.Search(len(idx.ordered), func(i int) bool {
		return !idx.less(idx.ordered[i].value, v)
	})
	if pos >= len(idx.ordered) || idx.ordered[pos].value != v {
		return
	}
	b := idx.ordered[pos]
	for i, kk := range b.keys {
		if kk == k {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			break
		}
	}
	if len(b.keys) == 0 {
		idx.ordered = append(idx.ordered[:pos], idx.ordered[pos+1:]...)
	}
}

// Update moves k from oldItem's indexed value to newItem's.
func (idx *Index[T, K, V]) Update(k K, oldItem, newItem T) error {
	idx.Remove(k, oldItem)
	return idx.Add(k, newItem)
}

// Clear empties the index.
func (idx *Index[T, K, V]) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byHash = make(map[V]map[K]struct{})
	idx.ordered = nil
	idx.byKey = make(map[K]V)
	idx.updated = time.Now()
}

// Lookup evaluates op against value (or values, for In) and returns the
// matching keys as a set.
func (idx *Index[T, K, V]) Lookup(op Op, value V, values ...V) map[K]struct{} {
	idx.mu.Lock()
	idx.lookups++
	idx.mu.Unlock()

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	switch op {
	case Eq:
		return cloneSet(idx.byHash[value])
	case In:
		out := make(map[K]struct{})
		for _, v := range append([]V{value}, values...) {
			for k := range idx.byHash[v] {
				out[k] = struct{}{}
			}
		}
		return out
	case Gt, Gte, Lt, Lte:
		return idx.rangeLocked(op, value)
	default:
		return map[K]struct{}{}
	}
}

func (idx *Index[T, K, V]) rangeLocked(op Op, value V) map[K]struct{} {
	out := make(map[K]struct{})
	n := len(idx.ordered)

	start := sort.Search(n, func(i int) bool { return !idx.less(idx.ordered[i].value, value) })

	switch op {
	case Gte:
		for i := start; i < n; i++ {
			addAll(out, idx.ordered[i].keys)
		}
	case Gt:
		i := start
		if i < n && idx.ordered[i].value == value {
			i++
		}
		for ; i < n; i++ {
			addAll(out, idx.ordered[i].keys)
		}
	case Lte:
		end := start
		if end < n && idx.ordered[end].value == value {
			end++
		}
		for i := 0; i < end; i++ {
			addAll(out, idx.ordered[i].keys)
		}
	case Lt:
		for i := 0; i < start; i++ {
			addAll(out, idx.ordered[i].keys)
		}
	}
	return out
}

func addAll[K comparable](set map[K]struct{}, keys []K) {
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

func cloneSet[K comparable](src map[K]struct{}) map[K]struct{} {
	out := make(map[K]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

// Stats returns the lookup count and last-updated timestamp, matching
// the "tracks lookup count and last-updated timestamp" requirement of
// spec §4.1.
func (idx *Index[T, K, V]) Stats() (lookups int64, updated time.Time) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lookups, idx.updated
}

// Len returns the number of distinct indexed values currently tracked.
func (idx *Index[T, K, V]) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.ordered)
}
