package collection

import (
	"fmt"

	"go.uber.org/zap"
)

// Begin starts a sync batch (spec §6 "Sync channel"): every adapter call
// sequence is begin(), zero or more write(), commit(); calls outside that
// order are an AdapterProtocol error.
func (c *Collection[T]) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingBegin {
		return fmt.Errorf("%w: begin called while a batch is already open", ErrAdapterProtocol)
	}
	c.pendingBegin = true
	c.pendingBatch = c.pendingBatch[:0]
	if c.status == StatusIdle {
		c.status = StatusLoading
	}
	return nil
}

// Write queues one change within the open batch.
func (c *Collection[T]) Write(typ MutationType, key string, value T, metadata any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pendingBegin {
		return fmt.Errorf("%w: write called with no open batch", ErrAdapterProtocol)
	}
	c.pendingBatch = append(c.pendingBatch, pendingWrite[T]{typ: typ, key: key, value: value, metadata: metadata})
	return nil
}

// Commit applies the batch's writes to syncedData/syncedMetadata, recomputes
// derivedState for every touched key, and notifies subscribers.
func (c *Collection[T]) Commit() error {
	c.mu.Lock()
	if !c.pendingBegin {
		c.mu.Unlock()
		return fmt.Errorf("%w: commit called with no open batch", ErrAdapterProtocol)
	}
	batch := c.pendingBatch
	c.pendingBatch = nil
	c.pendingBegin = false

	touched := make(map[string]struct{}, len(batch))
	for _, w := range batch {
		switch w.typ {
		case Insert, Update:
			c.syncedData[w.key] = w.value
			if w.metadata != nil {
				c.syncedMetadata[w.key] = w.metadata
			}
		case Delete:
			delete(c.syncedData, w.key)
			delete(c.syncedMetadata, w.key)
		}
		touched[w.key] = struct{}{}
	}

	changes := c.recomputeLocked(touched)

	first := !c.hasReceivedFirstCommit
	if first {
		c.hasReceivedFirstCommit = true
		if c.status == StatusLoading {
			c.status = StatusInitialCommit
		}
	}
	if c.status == StatusInitialCommit {
		c.status = StatusReady
	}
	cbs := c.firstCommitCbs
	if first {
		c.firstCommitCbs = nil
	} else {
		cbs = nil
	}
	c.mu.Unlock()

	c.notify(changes)
	if first {
		for _, cb := range cbs {
			cb()
		}
	}
	return nil
}

// recomputeLocked recomputes derivedState for the touched keys (synced data
// overlaid by any active optimistic entry for that key) and returns the
// Change events to emit. Callers must hold c.mu.
func (c *Collection[T]) recomputeLocked(touched map[string]struct{}) []Change[T] {
	var changes []Change[T]
	for key := range touched {
		newValue, present := c.resolveKeyLocked(key)
		oldValue, hadOld := c.derivedState[key]

		switch {
		case present && hadOld:
			delete(c.objectKeyMap, hashOf(oldValue))
			c.derivedState[key] = newValue
			c.objectKeyMap[hashOf(newValue)] = key
			c.updateIndexesLocked(key, &oldValue, &newValue)
			old := oldValue
			changes = append(changes, Change[T]{Type: Update, Key: key, Value: newValue, PreviousValue: &old})
		case present && !hadOld:
			c.derivedState[key] = newValue
			c.objectKeyMap[hashOf(newValue)] = key
			c.updateIndexesLocked(key, nil, &newValue)
			changes = append(changes, Change[T]{Type: Insert, Key: key, Value: newValue})
		case !present && hadOld:
			delete(c.derivedState, key)
			delete(c.objectKeyMap, hashOf(oldValue))
			c.updateIndexesLocked(key, &oldValue, nil)
			changes = append(changes, Change[T]{Type: Delete, Key: key, Value: oldValue})
		}
	}
	return changes
}

// resolveKeyLocked applies the active-optimistic-overlay-over-synced-data
// rule (spec invariant: "derivedState = apply(syncedData, activeOptimistic)").
// The most recently recorded active optimistic entry for key wins.
func (c *Collection[T]) resolveKeyLocked(key string) (T, bool) {
	var latest *optimisticEntry[T]
	for _, e := range c.optimistic {
		if e.mutation.Key != key {
			continue
		}
		if latest == nil || e.mutation.UpdatedAt.After(latest.mutation.UpdatedAt) {
			latest = e
		}
	}
	if latest != nil {
		if latest.mutation.Type == Delete {
			var zero T
			return zero, false
		}
		return latest.mutation.Modified, true
	}
	v, ok := c.syncedData[key]
	return v, ok
}

func (c *Collection[T]) updateIndexesLocked(key string, oldValue, newValue *T) {
	for _, idx := range c.indexes {
		if oldValue != nil && newValue != nil {
			if err := idx.Update(key, *oldValue, *newValue); err != nil {
				c.log().Error("index update failed", zap.String("index", idx.ID()), zap.Error(err))
			}
		} else if newValue != nil {
			if err := idx.Add(key, *newValue); err != nil {
				c.log().Error("index add failed", zap.String("index", idx.ID()), zap.Error(err))
			}
		} else if oldValue != nil {
			idx.Remove(key, *oldValue)
		}
	}
}
