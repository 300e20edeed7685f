package sync

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"reactivestore/collection"
	"reactivestore/core"
)

// PullConfig configures a PullAdapter (spec §6 "Pull-query adapter
// contract").
type PullConfig[T any] struct {
	// Fetch retrieves the full current result set.
	Fetch func(ctx context.Context) ([]T, error)
	// GetKey extracts a row's collection key.
	GetKey func(row T) string
	// RefetchInterval, if positive, makes Run poll on that cadence; Run
	// always fetches once immediately regardless.
	RefetchInterval time.Duration
}

// PullAdapter re-fetches a full result set on a cadence and diffs it
// against the last committed map by key, emitting insert/update/delete for
// whatever changed (spec §6 "Pull-query adapter contract"). A row present
// in both maps counts as changed when reflect.DeepEqual reports the old and
// new values unequal.
type PullAdapter[T any] struct {
	target Target[T]
	cfg    PullConfig[T]

	mu   sync.Mutex
	last map[string]T
}

// NewPullAdapter builds a PullAdapter driving target.
func NewPullAdapter[T any](target Target[T], cfg PullConfig[T]) *PullAdapter[T] {
	return &PullAdapter[T]{target: target, cfg: cfg, last: map[string]T{}}
}

// Poll runs one fetch-diff-commit cycle.
func (a *PullAdapter[T]) Poll(ctx context.Context) error {
	rows, err := a.cfg.Fetch(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[string]T, len(rows))
	for _, row := range rows {
		next[a.cfg.GetKey(row)] = row
	}

	if err := a.target.Begin(); err != nil {
		return err
	}
	for key, row := range next {
		old, existed := a.last[key]
		switch {
		case !existed:
			if err := a.target.Write(collection.Insert, key, row, nil); err != nil {
				return err
			}
		case !reflect.DeepEqual(old, row):
			if err := a.target.Write(collection.Update, key, row, nil); err != nil {
				return err
			}
		}
	}
	var zero T
	for key := range a.last {
		if _, ok := next[key]; !ok {
			if err := a.target.Write(collection.Delete, key, zero, nil); err != nil {
				return err
			}
		}
	}
	if err := a.target.Commit(); err != nil {
		return err
	}
	a.last = next
	return nil
}

// Run polls immediately, then on cfg.RefetchInterval until ctx is done.
// Fetch/diff/commit errors during the refetch loop are logged, not
// returned, so one failed cycle doesn't kill the poller.
func (a *PullAdapter[T]) Run(ctx context.Context) error {
	if err := a.Poll(ctx); err != nil {
		return err
	}
	if a.cfg.RefetchInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(a.cfg.RefetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Poll(ctx); err != nil {
				core.With(zap.String("component", "sync.pull")).Error("poll failed", zap.Error(err))
			}
		}
	}
}
