package sync

import (
	"context"
	"fmt"

	"reactivestore/collection"
)

// LocalOptions configures a LocalAdapter (spec §6 "Local-only adapter
// contract").
type LocalOptions[T any] struct {
	// InitialData is emitted as one batch by every Subscribe call; when it
	// is nil, Subscribe still begins and commits an empty batch.
	InitialData map[string]T

	OnInsert func(ctx context.Context, mutation collection.Mutation[T]) (TxResult, error)
	OnUpdate func(ctx context.Context, mutation collection.Mutation[T]) (TxResult, error)
	OnDelete func(ctx context.Context, mutation collection.Mutation[T]) (TxResult, error)
}

// LocalAdapter is the local-only adapter: it seeds a collection from
// in-memory data and echoes successful persistence handler calls straight
// back into the synced channel, with no external backend at all (spec §6:
// "a collection with no remote source of truth still needs begin/write/
// commit so persisted mutations settle").
type LocalAdapter[T any] struct {
	target Target[T]
	opts   LocalOptions[T]
}

// NewLocalAdapter builds a LocalAdapter driving target.
func NewLocalAdapter[T any](target Target[T], opts LocalOptions[T]) *LocalAdapter[T] {
	return &LocalAdapter[T]{target: target, opts: opts}
}

// Subscribe emits InitialData as a single batch.
func (a *LocalAdapter[T]) Subscribe() error {
	if err := a.target.Begin(); err != nil {
		return err
	}
	for key, v := range a.opts.InitialData {
		if err := a.target.Write(collection.Insert, key, v, nil); err != nil {
			return err
		}
	}
	return a.target.Commit()
}

// HandleMutation invokes the handler matching mutation.Type and, once it
// succeeds, echoes the mutation straight back into the synced channel
// synchronously (spec §6: "Persistence handlers echo each mutation back
// into the synced channel synchronously after the user callback runs" —
// there being no remote round trip to wait on).
func (a *LocalAdapter[T]) HandleMutation(ctx context.Context, mutation collection.Mutation[T]) (TxResult, error) {
	var handler func(context.Context, collection.Mutation[T]) (TxResult, error)
	switch mutation.Type {
	case collection.Insert:
		handler = a.opts.OnInsert
	case collection.Update:
		handler = a.opts.OnUpdate
	case collection.Delete:
		handler = a.opts.OnDelete
	}
	if handler == nil {
		return TxResult{}, fmt.Errorf("sync: local adapter has no handler for %s", mutation.Type)
	}

	result, err := handler(ctx, mutation)
	if err != nil {
		return result, err
	}

	if err := a.target.Begin(); err != nil {
		return result, err
	}
	value := mutation.Modified
	if mutation.Type == collection.Delete {
		var zero T
		value = zero
	}
	if err := a.target.Write(mutation.Type, mutation.Key, value, mutation.SyncMetadata); err != nil {
		return result, err
	}
	if err := a.target.Commit(); err != nil {
		return result, err
	}
	return result, nil
}
