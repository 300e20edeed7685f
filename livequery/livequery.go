// Package livequery wires a compiled query pipeline (package query) into a
// materialized collection (package collection), per spec §4.7: every input
// collection's changes feed the pipeline, and the pipeline's output deltas
// are written into a new collection's synced channel.
package livequery

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"reactivestore/collection"
	"reactivestore/core"
	"reactivestore/dataflow"
	"reactivestore/query"
	"reactivestore/schema"
)

// SourceCollection is what a live query's FROM/JOIN source must provide: a
// query.Source view of its contents, and a first-commit readiness signal
// (spec §4.7 "Readiness"). *collection.Collection[T] satisfies this for
// any T.
type SourceCollection interface {
	QuerySource() query.Source
	OnFirstCommit(cb func())
}

// Options configures a live-query collection (spec §4.7
// "liveQueryCollectionOptions").
type Options[T any] struct {
	// ID names the produced collection.
	ID string
	// Query is the query this collection materializes.
	Query query.Builder
	// Collections maps every collection name the query's FROM/JOIN clauses
	// reference to the live collection backing it.
	Collections map[string]SourceCollection
	// Decode converts one output row into T.
	Decode func(query.Row) (T, error)
	// Schema, if set, is handed to the output collection (same
	// Standard-Schema contract as collection.Options). That collection
	// validates only optimistic Insert/Update calls against it; rows the
	// pipeline writes through the synced channel are not validated.
	Schema schema.Validator[T]
}

// LiveQuery materializes Query against Collections into Collection.
type LiveQuery[T any] struct {
	Collection *collection.Collection[T]

	compiled *query.Compiled
	sources  map[string]query.Source
	handles  map[string]SourceCollection
	decode   func(query.Row) (T, error)

	mu      sync.Mutex
	started bool
	stop    func()
}

// New compiles opts.Query eagerly, surfacing compile errors synchronously
// (spec §4.7: "The pipeline is eagerly compiled once on creation to
// surface compile errors synchronously").
func New[T any](opts Options[T]) (*LiveQuery[T], error) {
	if opts.Decode == nil {
		return nil, fmt.Errorf("livequery: Decode is required")
	}

	ir := opts.Query.IR()
	compiled, err := query.Compile(ir)
	if err != nil {
		return nil, err
	}

	sources, handles, err := resolveSources(ir, opts.Collections)
	if err != nil {
		return nil, err
	}

	target := collection.New[T](collection.Options[T]{ID: opts.ID, Schema: opts.Schema})

	return &LiveQuery[T]{
		Collection: target,
		compiled:   compiled,
		sources:    sources,
		handles:    handles,
		decode:     opts.Decode,
	}, nil
}

func resolveSources(ir *query.IR, byName map[string]SourceCollection) (map[string]query.Source, map[string]SourceCollection, error) {
	sources := make(map[string]query.Source, len(ir.Joins)+1)
	handles := make(map[string]SourceCollection, len(ir.Joins)+1)

	assign := func(alias, name string) error {
		h, ok := byName[name]
		if !ok {
			return fmt.Errorf("livequery: no source registered for collection %q (alias %q)", name, alias)
		}
		sources[alias] = h.QuerySource()
		handles[alias] = h
		return nil
	}

	if ir.FromSubIR != nil {
		return nil, nil, fmt.Errorf("livequery: subquery sources are not yet supported")
	}
	if err := assign(ir.FromAlias, ir.FromName); err != nil {
		return nil, nil, err
	}
	for _, j := range ir.Joins {
		if j.SubIR != nil {
			return nil, nil, fmt.Errorf("livequery: subquery join sources are not yet supported")
		}
		if err := assign(j.Alias, j.Source); err != nil {
			return nil, nil, err
		}
	}
	return sources, handles, nil
}

// Start blocks until every source collection has committed its first sync
// batch, then runs the compiled pipeline: it seeds the output collection
// from each source's current snapshot and keeps it live thereafter. If the
// initial run produces no rows at all, Start commits an empty batch itself
// so the output collection still reaches ready (spec §4.7: "the live-query
// collection becomes ready after the first such run, emitting an empty
// commit if the result set is empty").
func (lq *LiveQuery[T]) Start(ctx context.Context) error {
	lq.mu.Lock()
	if lq.started {
		lq.mu.Unlock()
		return nil
	}
	lq.started = true
	lq.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(lq.handles))
	for _, h := range lq.handles {
		h.OnFirstCommit(wg.Done)
	}
	wg.Wait()

	runCtx, cancel := context.WithCancel(ctx)
	stop, err := lq.compiled.Run(runCtx, lq.sources, lq.sink)
	if err != nil {
		cancel()
		return err
	}

	if !lq.Collection.HasReceivedFirstCommit() {
		if err := lq.Collection.Begin(); err != nil {
			stop()
			cancel()
			return err
		}
		if err := lq.Collection.Commit(); err != nil {
			stop()
			cancel()
			return err
		}
	}

	lq.mu.Lock()
	lq.stop = func() { stop(); cancel() }
	lq.mu.Unlock()
	return nil
}

// Stop tears down every source subscription. Safe to call more than once.
func (lq *LiveQuery[T]) Stop() {
	lq.mu.Lock()
	stop := lq.stop
	lq.stop = nil
	lq.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// sink translates one pipeline output batch into a begin/write*/commit
// sequence against Collection. A negative multiplicity retracts a key; any
// other multiplicity (re)inserts it — Collection.Commit treats Insert and
// Update identically (both simply overwrite syncedData[key]), so the
// distinction doesn't need to be reconstructed from the dataflow's
// insert/retract pairing.
func (lq *LiveQuery[T]) sink(ctx context.Context, batch dataflow.Batch[string, query.Row]) error {
	log := core.With(zap.String("component", "livequery"), zap.String("collection", lq.Collection.ID()))

	if err := lq.Collection.Begin(); err != nil {
		log.Error("begin failed", zap.Error(err))
		return err
	}

	for _, d := range batch {
		if d.Mult < 0 {
			var zero T
			if err := lq.Collection.Write(collection.Delete, d.Key, zero, nil); err != nil {
				log.Error("write delete failed", zap.String("key", d.Key), zap.Error(err))
			}
			continue
		}
		value, err := lq.decode(d.Value)
		if err != nil {
			log.Error("decode row failed", zap.String("key", d.Key), zap.Error(err))
			continue
		}
		if err := lq.Collection.Write(collection.Insert, d.Key, value, nil); err != nil {
			log.Error("write insert failed", zap.String("key", d.Key), zap.Error(err))
		}
	}

	if err := lq.Collection.Commit(); err != nil {
		log.Error("commit failed", zap.Error(err))
		return err
	}
	return nil
}
