package collection

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reactivestore/changetracker"
	"reactivestore/schema"
)

// TxRecorder is the plug the transaction manager (package txn) implements
// to receive mutations from Collection.Insert/Update/Delete. Collection
// depends only on this interface, not on package txn, so txn can import
// collection without a cycle (spec §9 design notes: "global
// transaction-manager registry becomes an explicit per-collection field").
// Record returns the effective mutation to apply to the collection's
// optimistic overlay after within-transaction coalescing (spec §4.5); if
// dropped is true the net effect of this key within the transaction is now
// a no-op and any existing overlay entry for (txID, key) must be removed.
type TxRecorder interface {
	ID() string
	Record(collectionID, key string, mutation any) (effective any, dropped bool, err error)
}

var (
	activeTxMu sync.Mutex
	activeTx   TxRecorder
)

// SetActiveTransaction binds tx as the active transaction for subsequent
// Insert/Update/Delete calls, reflecting the single-threaded cooperative
// scheduling model (spec §5): there is never more than one transaction
// actively accepting mutation calls at a time.
func SetActiveTransaction(tx TxRecorder) {
	activeTxMu.Lock()
	activeTx = tx
	activeTxMu.Unlock()
}

// ClearActiveTransaction unbinds the active transaction.
func ClearActiveTransaction() {
	activeTxMu.Lock()
	activeTx = nil
	activeTxMu.Unlock()
}

// ActiveTransaction returns the currently bound transaction, if any.
func ActiveTransaction() (TxRecorder, bool) {
	activeTxMu.Lock()
	defer activeTxMu.Unlock()
	return activeTx, activeTx != nil
}

// InsertOptions configures Insert.
type InsertOptions struct {
	Key      string
	Metadata any
}

// Insert records an insert mutation into the active transaction and
// applies it optimistically (spec §4.6 "insert").
func (c *Collection[T]) Insert(item T, opts InsertOptions) (string, error) {
	tx, ok := ActiveTransaction()
	if !ok {
		return "", ErrNoActiveTransaction
	}
	if err := schema.Validate(c.schema, schema.Insert, item); err != nil {
		return "", err
	}

	key := opts.Key
	if key == "" {
		key = c.getKey(item)
	}

	now := time.Now()
	mutation := Mutation[T]{
		ID:        uuid.NewString(),
		Type:      Insert,
		Key:       key,
		Modified:  item,
		Metadata:  opts.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	return key, c.record(tx, key, mutation)
}

// UpdateOptions configures Update.
type UpdateOptions struct {
	Metadata any
}

// Update resolves target to its current value, runs mutator through the
// change tracker, schema-validates the merged result, and records an
// update mutation (spec §4.6 "update"). target may be a key or a value
// previously returned from this collection.
func (c *Collection[T]) Update(target any, opts UpdateOptions, mutator func(*T)) error {
	tx, ok := ActiveTransaction()
	if !ok {
		return ErrNoActiveTransaction
	}
	key, original, ok := c.resolveTarget(target)
	if key == "" {
		return fmt.Errorf("%w: %v", ErrInvalidMutationTarget, target)
	}
	if !ok {
		return ErrNotFound
	}

	changes, err := changetracker.Track(original, mutator)
	if err != nil {
		return err
	}
	if changes.IsEmpty() {
		return ErrNoChange
	}
	modified, err := changetracker.Apply(original, changes)
	if err != nil {
		return err
	}
	if err := schema.Validate(c.schema, schema.Update, modified); err != nil {
		return err
	}

	now := time.Now()
	mutation := Mutation[T]{
		ID:          uuid.NewString(),
		Type:        Update,
		Key:         key,
		Original:    original,
		HasOriginal: true,
		Modified:    modified,
		Changes:     changes,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return c.record(tx, key, mutation)
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	Metadata any
}

// Delete marks target as deleted (spec §4.6 "delete"). String keys are
// accepted even if absent from derivedState.
func (c *Collection[T]) Delete(target any, opts DeleteOptions) error {
	tx, ok := ActiveTransaction()
	if !ok {
		return ErrNoActiveTransaction
	}
	key, original, hadOriginal := c.resolveTarget(target)
	if key == "" {
		return fmt.Errorf("%w: %v", ErrInvalidMutationTarget, target)
	}

	now := time.Now()
	mutation := Mutation[T]{
		ID:          uuid.NewString(),
		Type:        Delete,
		Key:         key,
		Original:    original,
		HasOriginal: hadOriginal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return c.record(tx, key, mutation)
}

func (c *Collection[T]) record(tx TxRecorder, key string, mutation Mutation[T]) error {
	effective, dropped, err := tx.Record(c.id, key, mutation)
	if err != nil {
		return err
	}
	if dropped {
		c.removeOptimisticEntry(tx.ID(), key)
		return nil
	}
	eff, ok := effective.(Mutation[T])
	if !ok {
		return fmt.Errorf("collection: transaction returned mutation of unexpected type %T", effective)
	}
	c.applyOptimistic(tx.ID(), eff)
	return nil
}

// resolveTarget accepts either a string key or a value previously surfaced
// by this collection (matched via the structural object-key map) and
// returns the key and its current value.
func (c *Collection[T]) resolveTarget(target any) (key string, value T, ok bool) {
	if k, isStr := target.(string); isStr {
		c.mu.RLock()
		v, present := c.derivedState[k]
		c.mu.RUnlock()
		return k, v, present
	}
	if v, isT := target.(T); isT {
		if k, found := c.KeyFor(v); found {
			c.mu.RLock()
			cur := c.derivedState[k]
			c.mu.RUnlock()
			return k, cur, true
		}
	}
	return "", value, false
}

// applyOptimistic installs mutation as the active optimistic entry for
// (txID, key), replacing any prior entry for that pair (coalescing already
// resolved it to a single effective mutation), and recomputes derivedState.
func (c *Collection[T]) applyOptimistic(txID string, mutation Mutation[T]) {
	c.mu.Lock()
	c.optimistic[txID+"\x1f"+mutation.Key] = &optimisticEntry[T]{mutationID: mutation.ID, txID: txID, mutation: mutation}
	changes := c.recomputeLocked(map[string]struct{}{mutation.Key: {}})
	c.mu.Unlock()
	c.notify(changes)
}

func (c *Collection[T]) removeOptimisticEntry(txID, key string) {
	c.mu.Lock()
	entryKey := txID + "\x1f" + key
	if _, ok := c.optimistic[entryKey]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.optimistic, entryKey)
	changes := c.recomputeLocked(map[string]struct{}{key: {}})
	c.mu.Unlock()
	c.notify(changes)
}

// ConfirmTransaction drops every optimistic entry belonging to txID: the
// source adapter has echoed matching synced writes, so derivedState should
// now be driven by syncedData alone for those keys (spec §4.5 "the
// optimistic overlay fades as synced data matches it").
func (c *Collection[T]) ConfirmTransaction(txID string) {
	c.settleTransaction(txID)
}

// RevertTransaction drops every optimistic entry belonging to txID without
// waiting for synced confirmation — used when a caller explicitly rolls
// back a failed transaction (spec §7: "Persistence errors leave the
// optimistic overlay in place unless the caller rolls it back").
func (c *Collection[T]) RevertTransaction(txID string) {
	c.settleTransaction(txID)
}

// DropMutation removes the optimistic entry for (txID, key). The
// transaction manager calls this when cross-transaction coalescing
// determines a key's net effect within txID is now a no-op (spec §4.5
// "Coalescing").
func (c *Collection[T]) DropMutation(txID, key string) {
	c.removeOptimisticEntry(txID, key)
}

// RetagTransaction reassigns every optimistic entry owned by oldTxID to
// newTxID. The transaction manager calls this when it coalesces a new
// pending transaction into an existing one that already touches an
// overlapping key (spec §4.5 "Coalescing"); derivedState is unaffected
// since resolution does not depend on which transaction owns an entry.
func (c *Collection[T]) RetagTransaction(oldTxID, newTxID string) {
	c.mu.Lock()
	for entryKey, e := range c.optimistic {
		if e.txID != oldTxID {
			continue
		}
		delete(c.optimistic, entryKey)
		e.txID = newTxID
		c.optimistic[newTxID+"\x1f"+e.mutation.Key] = e
	}
	c.mu.Unlock()
}

func (c *Collection[T]) settleTransaction(txID string) {
	c.mu.Lock()
	touched := map[string]struct{}{}
	for entryKey, e := range c.optimistic {
		if e.txID != txID {
			continue
		}
		delete(c.optimistic, entryKey)
		touched[e.mutation.Key] = struct{}{}
	}
	changes := c.recomputeLocked(touched)
	c.mu.Unlock()
	c.notify(changes)
}
