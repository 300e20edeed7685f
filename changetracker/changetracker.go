// Package changetracker replaces the proxy-based draft mutation of
// spec §4.2 with an explicit arena-free clone-and-diff API, per the
// "dynamic/reflective idioms to re-architect" note in spec §9: instead of
// a mutate-in-place proxy, callers get a typed Track/Apply pair and a
// structural Changeset value.
//
// Track deep-clones the original, lets the caller mutate the clone
// through an ordinary pointer, and returns the minimal structural delta
// between original and clone as a Changeset — a JSON merge patch (RFC
// 7396) represented as a generic map. A caller that mutates then reverts
// gets back an empty Changeset, matching the "net-zero edit" contract.
package changetracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/mitchellh/copystructure"
	"github.com/mitchellh/reflectwalk"
	"go.uber.org/zap"

	"reactivestore/core"
)

// Changeset is the structural delta produced by Track: a JSON merge
// patch describing only the fields that changed. An empty Changeset
// (len(cs) == 0) means the mutation net out to nothing, per spec §4.2's
// "net-zero edits... return an empty changeset" contract.
type Changeset map[string]any

// IsEmpty reports whether the changeset carries no changes.
func (c Changeset) IsEmpty() bool { return len(c) == 0 }

// Track clones original, applies mutate to the clone, and returns the
// structural difference as a Changeset. mutate receives a pointer to the
// clone so it can be edited as if it were a draft; the original is never
// touched.
//
// Supported value shapes follow encoding/json's own model: structs,
// maps, slices/arrays, and the scalar types — the same boundary spec
// §4.2 draws ("functions and prototype slots are not tracked").
func Track[T any](original T, mutate func(draft *T)) (Changeset, error) {
	clone, err := deepClone(original)
	if err != nil {
		return nil, fmt.Errorf("changetracker: clone original: %w", err)
	}
	mutate(&clone)
	return Diff(original, clone)
}

// Diff computes the structural Changeset between two values of the same
// type. It is the non-mutating half of Track, useful when the caller
// already has both the before and after value (e.g. a synced-adapter
// write that knows the prior and new document).
func Diff[T any](original, modified T) (Changeset, error) {
	origJSON, err := json.Marshal(original)
	if err != nil {
		return nil, fmt.Errorf("changetracker: marshal original: %w", err)
	}
	modJSON, err := json.Marshal(modified)
	if err != nil {
		return nil, fmt.Errorf("changetracker: marshal modified: %w", err)
	}

	if bytes.Equal(origJSON, modJSON) {
		return Changeset{}, nil
	}

	patch, err := jsonpatch.CreateMergePatch(origJSON, modJSON)
	if err != nil {
		return nil, fmt.Errorf("changetracker: create merge patch: %w", err)
	}

	var cs Changeset
	if err := json.Unmarshal(patch, &cs); err != nil {
		return nil, fmt.Errorf("changetracker: decode merge patch: %w", err)
	}
	if len(cs) == 0 {
		// CreateMergePatch can report "{}" for documents that are
		// byte-different but structurally identical once decoded
		// (key order, insignificant whitespace); treat that the same
		// as a net-zero edit.
		return Changeset{}, nil
	}
	core.With(zap.String("component", "changetracker")).Debug("changeset",
		zap.Strings("paths", FlattenPaths(cs)))
	return cs, nil
}

// Apply merges changes onto existing and decodes the result into a new
// T, the "patch(existing, delta) -> new" API spec §9 calls for in place
// of in-place mutation. It never modifies existing.
func Apply[T any](existing T, changes Changeset) (T, error) {
	var zero T
	existingJSON, err := json.Marshal(existing)
	if err != nil {
		return zero, fmt.Errorf("changetracker: marshal existing: %w", err)
	}
	if changes.IsEmpty() {
		var result T
		if err := json.Unmarshal(existingJSON, &result); err != nil {
			return zero, fmt.Errorf("changetracker: round-trip existing: %w", err)
		}
		return result, nil
	}

	changesJSON, err := json.Marshal(map[string]any(changes))
	if err != nil {
		return zero, fmt.Errorf("changetracker: marshal changes: %w", err)
	}

	merged, err := jsonpatch.MergePatch(existingJSON, changesJSON)
	if err != nil {
		return zero, fmt.Errorf("changetracker: merge patch: %w", err)
	}

	var result T
	if err := json.Unmarshal(merged, &result); err != nil {
		return zero, fmt.Errorf("changetracker: decode merged result: %w", err)
	}
	return result, nil
}

// deepClone returns a structurally independent copy of v, preserving
// map/slice/pointer semantics the way spec §4.2 requires of the draft
// mechanism ("Deep clone preserves Date/RegExp/Map/Set/TypedArray
// semantics").
func deepClone[T any](v T) (T, error) {
	var zero T
	copied, err := copystructure.Copy(v)
	if err != nil {
		return zero, err
	}
	typed, ok := copied.(T)
	if !ok {
		return zero, fmt.Errorf("changetracker: clone produced %T, want %T", copied, zero)
	}
	return typed, nil
}

// FlattenPaths walks a Changeset and returns the dotted field paths that
// changed (e.g. "profile.name"; a slice is a leaf and is reported by its
// own path, e.g. "tags"), in sorted order. Diff calls this
// on every non-empty Changeset it produces to log which fields a write
// touched, the way the teacher's storage layer logs mutated fields; it is
// also useful standalone wherever a caller wants the flat view over a
// Changeset's nested maps without hand-rolling the recursion.
func FlattenPaths(cs Changeset) []string {
	w := &pathWalker{}
	_ = reflectwalk.Walk(map[string]any(cs), w)
	sort.Strings(w.paths)
	return w.paths
}

// pathWalker implements reflectwalk's MapWalker to flatten a nested
// map[string]any into dotted leaf paths.
type pathWalker struct {
	root  reflect.Value // the map whose entries this walker records
	stack []string
	paths []string
}

func (w *pathWalker) Map(m reflect.Value) error {
	if !w.root.IsValid() {
		w.root = m
	}
	return nil
}

func (w *pathWalker) MapElem(m, k, v reflect.Value) error {
	// reflectwalk goes on to descend into every value itself; entries of
	// nested maps are recorded by the child walker below instead.
	if m.Pointer() != w.root.Pointer() {
		return nil
	}
	stack := append(append([]string(nil), w.stack...), fmt.Sprintf("%v", k.Interface()))

	val := v
	for val.Kind() == reflect.Interface {
		val = val.Elem()
	}
	if val.Kind() == reflect.Map {
		child := &pathWalker{stack: stack}
		_ = reflectwalk.Walk(val.Interface(), child)
		w.paths = append(w.paths, child.paths...)
		return nil
	}

	path := stack[0]
	for _, p := range stack[1:] {
		path += "." + p
	}
	w.paths = append(w.paths, path)
	return nil
}
