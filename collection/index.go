package collection

import (
	"fmt"
	"strconv"
	"time"

	"reactivestore/index"
)

// collIndex type-erases index.Index[T, string, V] over its value type V so
// a single registry can hold indexes built over different fields of
// differing types.
type collIndex interface {
	ID() string
	MatchesField(path string) bool
	Add(key string, item any) error
	Remove(key string, item any)
	Update(key string, oldItem, newItem any) error
	Clear()
	Stats() (int64, time.Time)
	LookupAny(op index.Op, value any, values ...any) map[string]struct{}
}

type indexAdapter[T any, V index.Ordered] struct {
	inner *index.Index[T, string, V]
}

func (a *indexAdapter[T, V]) ID() string                   { return a.inner.ID() }
func (a *indexAdapter[T, V]) MatchesField(path string) bool { return a.inner.MatchesField(path) }
func (a *indexAdapter[T, V]) Clear()                       { a.inner.Clear() }
func (a *indexAdapter[T, V]) Stats() (int64, time.Time)    { return a.inner.Stats() }

func (a *indexAdapter[T, V]) Add(key string, item any) error {
	typed, ok := item.(T)
	if !ok {
		return fmt.Errorf("collection: index %q: item of unexpected type %T", a.inner.ID(), item)
	}
	return a.inner.Add(key, typed)
}

func (a *indexAdapter[T, V]) Remove(key string, item any) {
	if typed, ok := item.(T); ok {
		a.inner.Remove(key, typed)
	}
}

func (a *indexAdapter[T, V]) Update(key string, oldItem, newItem any) error {
	oldTyped, ok1 := oldItem.(T)
	newTyped, ok2 := newItem.(T)
	if !ok1 || !ok2 {
		return fmt.Errorf("collection: index %q: item of unexpected type", a.inner.ID())
	}
	return a.inner.Update(key, oldTyped, newTyped)
}

func (a *indexAdapter[T, V]) LookupAny(op index.Op, value any, values ...any) map[string]struct{} {
	v, ok := value.(V)
	if !ok {
		return nil
	}
	vs := make([]V, 0, len(values))
	for _, raw := range values {
		if typed, ok := raw.(V); ok {
			vs = append(vs, typed)
		}
	}
	return a.inner.Lookup(op, v, vs...)
}

// CreateIndex builds a new index over c keyed by fieldPath, using eval to
// extract the indexed value from each item, and registers it (spec §4.6
// "createIndex"). Package-level rather than a method because Go methods
// cannot introduce additional type parameters beyond the receiver's.
func CreateIndex[T any, V index.Ordered](c *Collection[T], name, fieldPath string, eval func(T) (V, bool), opts ...index.Option[V]) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := name
	if id == "" {
		c.nextIndex++
		id = strconv.Itoa(c.nextIndex)
	}
	idx := index.New[T, string, V](id, fieldPath, eval, opts...)
	if err := idx.Build(c.derivedState); err != nil {
		return "", err
	}
	c.indexes[id] = &indexAdapter[T, V]{inner: idx}
	return id, nil
}

// autoIndexLocked creates missing B+Tree indexes for fields a pushed where
// expression references, named auto_<field> (spec §4.6 "Auto-indexing").
// Field values are indexed by their JSON-rendered string form: a
// deliberate simplification documented in DESIGN.md, since T's field types
// are not known until runtime once the collection is only constrained by
// `any`.
func (c *Collection[T]) autoIndexLocked(where whereEvaluator) {
	fe, ok := where.(interface{ Fields() []string })
	if !ok {
		return
	}
	for _, field := range fe.Fields() {
		exists := false
		for _, idx := range c.indexes {
			if idx.MatchesField(field) {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		f := field
		eval := func(item T) (string, bool) {
			row := toRow(item)
			v, ok := row[f]
			if !ok {
				return "", false
			}
			return fmt.Sprint(v), true
		}
		idx := index.New[T, string, string]("auto_"+f, f, eval)
		if err := idx.Build(c.derivedState); err != nil {
			c.log().Error("auto-index build failed")
			continue
		}
		c.indexes[idx.ID()] = &indexAdapter[T, string]{inner: idx}
	}
}
