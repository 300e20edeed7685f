// Package txn implements the transaction manager (spec §4.5): the
// pending/persisting/completed/failed lifecycle around a batch of optimistic
// mutations, cross-transaction coalescing by key, and the
// optimistic/synced handoff that queues incoming synced batches while any
// transaction is persisting.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reactivestore/collection"
)

// Status mirrors the transaction lifecycle (spec §4.5 "pending ->
// persisting -> {completed | failed}").
type Status int

const (
	Pending Status = iota
	Persisting
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Persisting:
		return "persisting"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// mutationRecord is the minimal shape a recorded mutation must expose for
// coalescing, satisfied by collection.Mutation[T] without this package
// needing T.
type mutationRecord interface {
	MutationKind() collection.MutationType
	MutationKeyValue() string
	NetNoopAgainst(first any) bool
}

type keyRecord struct {
	collectionID string
	key          string
	first        mutationRecord
	latest       any
}

// MutationFunc is the user-supplied persistence callback invoked with a
// live Tx reference once the transaction moves to Persisting (spec §4.5
// "the user mutationFn({transaction, collection}) is invoked").
type MutationFunc func(ctx context.Context, tx *Tx) error

// Tx is one transaction: a coalesced batch of pending mutations plus its
// persistence lifecycle state.
type Tx struct {
	mu sync.Mutex

	id         string
	status     Status
	mutationFn MutationFunc
	mgr        *Manager

	mutations map[string]*keyRecord
	order     []string

	createdAt   time.Time
	completedAt time.Time
	err         error
	done        chan struct{}
}

// ID satisfies collection.TxRecorder.
func (tx *Tx) ID() string { return tx.id }

// Status returns the current lifecycle state.
func (tx *Tx) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// Err returns the persistence error once Status is Failed.
func (tx *Tx) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// IsPersisted reports whether the transaction completed successfully.
func (tx *Tx) IsPersisted() bool { return tx.Status() == Completed }

// Wait blocks until the transaction reaches Completed or Failed.
func (tx *Tx) Wait(ctx context.Context) error {
	select {
	case <-tx.done:
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record implements collection.TxRecorder: it applies the within-transaction
// coalescing rule (spec §4.5 "for each new mutation, replace the existing
// one with the same key ... if the resulting modified equals original, drop
// the mutation").
func (tx *Tx) Record(collectionID, key string, mutation any) (effective any, dropped bool, err error) {
	mr, ok := mutation.(mutationRecord)
	if !ok {
		return nil, false, fmt.Errorf("%w: %T", ErrMutationRecordType, mutation)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	fullKey := collectionID + "\x1f" + key
	rec, existed := tx.mutations[fullKey]
	if !existed {
		tx.mutations[fullKey] = &keyRecord{collectionID: collectionID, key: key, first: mr, latest: mutation}
		tx.order = append(tx.order, fullKey)
		return mutation, false, nil
	}

	rec.latest = mutation
	if mr.NetNoopAgainst(rec.first) {
		delete(tx.mutations, fullKey)
		tx.removeFromOrderLocked(fullKey)
		return nil, true, nil
	}
	return mutation, false, nil
}

func (tx *Tx) removeFromOrderLocked(fullKey string) {
	for i, k := range tx.order {
		if k == fullKey {
			tx.order = append(tx.order[:i], tx.order[i+1:]...)
			return
		}
	}
}

// CollectionIDs returns the distinct collection ids this transaction has
// recorded a mutation against.
func (tx *Tx) CollectionIDs() []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, k := range tx.order {
		id := tx.mutations[k].collectionID
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Mutate runs fn with tx bound as the active transaction (spec §4.5
// "calls to collection.insert/update/delete record mutations into the
// active Tx"), then coalesces the resulting batch against any other
// pending transaction sharing a key. It returns the transaction the
// mutations actually ended up recorded against, which may not be tx
// itself.
func (tx *Tx) Mutate(fn func() error) (*Tx, error) {
	collection.SetActiveTransaction(tx)
	err := fn()
	collection.ClearActiveTransaction()
	if err != nil {
		return tx, err
	}
	return tx.mgr.coalesce(tx), nil
}

// Persist transitions tx to Persisting and invokes its mutationFn (spec
// §4.5 "Lifecycle"). A value recovered from a mutationFn panic that is not
// already an error is wrapped, preserving its formatted form as the
// message (spec §4.5 "Non-Error thrown values are wrapped in an Error
// preserving String(value) as the message").
func (tx *Tx) Persist(ctx context.Context) error {
	if err := tx.mgr.beginPersist(tx); err != nil {
		return err
	}

	err := tx.runMutationFn(ctx)

	tx.mu.Lock()
	if err != nil {
		tx.status = Failed
		tx.err = err
	} else {
		tx.status = Completed
	}
	tx.completedAt = time.Now()
	tx.mu.Unlock()

	close(tx.done)
	tx.mgr.onPersistEnd()
	return err
}

func (tx *Tx) runMutationFn(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("txn: %v", r)
		}
	}()
	if tx.mutationFn == nil {
		return nil
	}
	return tx.mutationFn(ctx, tx)
}

// Revert drops this transaction's optimistic overlay entries from every
// collection it touched (spec §4.5 "Persistence errors leave the
// optimistic overlay in place unless the caller rolls it back").
func (tx *Tx) Revert() {
	for _, id := range tx.CollectionIDs() {
		if h, ok := tx.mgr.lookupCollection(id); ok {
			h.RevertTransaction(tx.id)
		}
	}
}

func newTx(mgr *Manager, fn MutationFunc) *Tx {
	return &Tx{
		id:         uuid.NewString(),
		status:     Pending,
		mutationFn: fn,
		mgr:        mgr,
		mutations:  make(map[string]*keyRecord),
		createdAt:  time.Now(),
		done:       make(chan struct{}),
	}
}
