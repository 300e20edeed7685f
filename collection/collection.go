// Package collection implements the collection runtime (spec §4.6): the
// merged state machine that fuses synced data delivered over a
// begin/write/commit channel with a locally-applied optimistic overlay, and
// exposes index-aware change subscriptions.
package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"reactivestore/core"
	"reactivestore/schema"
)

// Status mirrors the collection status machine (spec §3 "status").
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusInitialCommit
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusInitialCommit:
		return "initialCommit"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Options configures a Collection at construction.
type Options[T any] struct {
	ID     string
	GetKey func(T) string
	Schema schema.Validator[T]
	// AutoIndex, when "eager", causes SubscribeChanges to create missing
	// B+Tree indexes for single-field supported WHERE subclauses before
	// subscribing (spec §4.6 "Auto-indexing").
	AutoIndex string
}

type optimisticEntry[T any] struct {
	mutationID string
	txID       string
	mutation   Mutation[T]
}

type subscription[T any] struct {
	id                 int
	cb                 func(Change[T])
	whereExpr          whereEvaluator
	includeInitialSent bool
}

// whereEvaluator is the minimal shape SubscribeChanges needs from a pushed
// filter expression; package query's Expr/Eval satisfy it without
// collection importing query, avoiding a dependency cycle the other way
// (query.Compile binds to collections through the Source interface it
// defines itself).
type whereEvaluator interface {
	EvalRow(row map[string]any) (bool, error)
}

// Collection is the generic collection runtime. T is the stored value type;
// keys are strings (spec §3 allows "primitive: string or number" — this
// implementation canonicalises both to their string form, documented in
// DESIGN.md).
type Collection[T any] struct {
	mu sync.RWMutex

	id        string
	getKey    func(T) string
	schema    schema.Validator[T]
	autoIndex string

	syncedData     map[string]T
	syncedMetadata map[string]any

	optimistic   map[string]*optimisticEntry[T] // mutationID -> entry
	derivedState map[string]T

	objectKeyMap map[string]string // json-encoded value -> key

	indexes   map[string]collIndex
	nextIndex int

	status                 Status
	hasReceivedFirstCommit bool

	pendingBegin   bool
	pendingBatch   []pendingWrite[T]

	nextSub       int
	subscriptions map[int]*subscription[T]

	firstCommitCbs []func()
}

type pendingWrite[T any] struct {
	typ      MutationType
	key      string
	value    T
	metadata any
}

// New constructs an empty Collection.
func New[T any](opts Options[T]) *Collection[T] {
	if opts.GetKey == nil {
		opts.GetKey = func(v T) string { return hashOf(v) }
	}
	return &Collection[T]{
		id:             opts.ID,
		getKey:         opts.GetKey,
		schema:         opts.Schema,
		autoIndex:      opts.AutoIndex,
		syncedData:     make(map[string]T),
		syncedMetadata: make(map[string]any),
		optimistic:     make(map[string]*optimisticEntry[T]),
		derivedState:   make(map[string]T),
		objectKeyMap:   make(map[string]string),
		indexes:        make(map[string]collIndex),
		subscriptions:  make(map[int]*subscription[T]),
		status:         StatusIdle,
	}
}

func (c *Collection[T]) ID() string { return c.id }

func (c *Collection[T]) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Collection[T]) HasReceivedFirstCommit() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasReceivedFirstCommit
}

// State returns a snapshot copy of derivedState (spec §3 "derivedState").
func (c *Collection[T]) State() map[string]T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]T, len(c.derivedState))
	for k, v := range c.derivedState {
		out[k] = v
	}
	return out
}

// ToArray returns derivedArray: derivedState's values, sorted by
// "_orderByIndex" when present (spec §3 "derivedArray"). T values produced
// by a live query carry that field via their JSON representation; plain
// synced collections have no such ordering and are returned sorted by key
// (plain string order) instead.
func (c *Collection[T]) ToArray() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.toArrayLocked()
}

func (c *Collection[T]) toArrayLocked() []T {
	keys := make([]string, 0, len(c.derivedState))
	for k := range c.derivedState {
		keys = append(keys, k)
	}
	orderKey := func(k string) (string, bool) {
		v := c.derivedState[k]
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		var m map[string]any
		if json.Unmarshal(b, &m) != nil {
			return "", false
		}
		idx, ok := m["_orderByIndex"].(string)
		return idx, ok
	}
	anyOrdered := false
	for _, k := range keys {
		if _, ok := orderKey(k); ok {
			anyOrdered = true
			break
		}
	}
	if anyOrdered {
		sort.Slice(keys, func(i, j int) bool {
			oi, _ := orderKey(keys[i])
			oj, _ := orderKey(keys[j])
			return oi < oj
		})
	} else {
		sort.Strings(keys)
	}
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = c.derivedState[k]
	}
	return out
}

// StateWhenReady blocks until the collection's status is ready or
// initialCommit (or ctx is done), then returns State().
func (c *Collection[T]) StateWhenReady(ctx context.Context) (map[string]T, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}
	return c.State(), nil
}

// ToArrayWhenReady is ToArray gated the same way as StateWhenReady.
func (c *Collection[T]) ToArrayWhenReady(ctx context.Context) ([]T, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}
	return c.ToArray(), nil
}

func (c *Collection[T]) waitReady(ctx context.Context) error {
	const pollInterval = 2 * time.Millisecond
	for {
		c.mu.RLock()
		status := c.status
		c.mu.RUnlock()
		if status == StatusReady || status == StatusInitialCommit {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// CurrentStateAsChanges materialises derivedState as a batch of insert
// Changes, useful for seeding a new subscriber's includeInitialState.
func (c *Collection[T]) CurrentStateAsChanges() []Change[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Change[T], 0, len(c.derivedState))
	for k, v := range c.derivedState {
		out = append(out, Change[T]{Type: Insert, Key: k, Value: v})
	}
	return out
}

// KeyFor resolves value back to its current key via the structural
// object-key map (spec §3 "objectKeyMap"), the registry-based stand-in for
// a weak object->key map (spec §9 design notes).
func (c *Collection[T]) KeyFor(value T) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.objectKeyMap[hashOf(value)]
	return k, ok
}

func hashOf(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// OnFirstCommit registers cb to fire once after the first committed sync
// batch (spec §4.6 "onFirstCommit").
func (c *Collection[T]) OnFirstCommit(cb func()) {
	c.mu.Lock()
	already := c.hasReceivedFirstCommit
	if !already {
		c.firstCommitCbs = append(c.firstCommitCbs, cb)
	}
	c.mu.Unlock()
	if already {
		cb()
	}
}

func (c *Collection[T]) log() *zap.Logger {
	return core.With(zap.String("collection", c.id))
}
