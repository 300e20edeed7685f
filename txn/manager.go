package txn

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"reactivestore/core"
)

// collectionHandle is the subset of *collection.Collection[T] the manager
// needs to finish a coalesce (retagging ownership, dropping a now-noop
// key) or a rollback, without depending on T.
type collectionHandle interface {
	ID() string
	ConfirmTransaction(txID string)
	RevertTransaction(txID string)
	RetagTransaction(oldTxID, newTxID string)
	DropMutation(txID, key string)
}

// Manager owns the set of in-flight transactions across collections,
// applying the cross-transaction coalescing rule and the optimistic/synced
// handoff (spec §4.5, §5 "Synced batches that arrive while any Tx is
// persisting queue and drain in FIFO order").
type Manager struct {
	mu sync.Mutex

	all     map[string]*Tx
	pending []*Tx

	collections map[string]collectionHandle

	persistingCount int
	syncQueue       []func() error
}

// NewManager constructs an empty transaction manager.
func NewManager() *Manager {
	return &Manager{
		all:         make(map[string]*Tx),
		collections: make(map[string]collectionHandle),
	}
}

// RegisterCollection makes h reachable by id for coalescing's retag/drop
// side effects and for Tx.Revert.
func (mgr *Manager) RegisterCollection(h collectionHandle) {
	mgr.mu.Lock()
	mgr.collections[h.ID()] = h
	mgr.mu.Unlock()
}

func (mgr *Manager) lookupCollection(id string) (collectionHandle, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	h, ok := mgr.collections[id]
	return h, ok
}

// CreateTransaction creates a new, empty pending transaction (spec §4.5
// "createTransaction({mutationFn}) -> Tx").
func (mgr *Manager) CreateTransaction(fn MutationFunc) *Tx {
	tx := newTx(mgr, fn)
	mgr.mu.Lock()
	mgr.all[tx.id] = tx
	mgr.pending = append(mgr.pending, tx)
	mgr.mu.Unlock()
	return tx
}

// coalesce implements spec §4.5 "Coalescing": if an existing pending
// transaction's mutation set intersects tx's by key, tx's mutations are
// merged into it (the earlier transaction keeps its identity) and tx is
// discarded; otherwise tx remains its own pending transaction.
func (mgr *Manager) coalesce(tx *Tx) *Tx {
	mgr.mu.Lock()
	var target *Tx
	for _, existing := range mgr.pending {
		if existing == tx {
			continue
		}
		if existing.Status() != Pending {
			continue
		}
		if keysIntersect(existing, tx) {
			target = existing
			break
		}
	}
	if target == nil {
		mgr.mu.Unlock()
		return tx
	}
	mgr.removePendingLocked(tx)
	delete(mgr.all, tx.id)
	collectionIDs := tx.CollectionIDs()
	handles := make(map[string]collectionHandle, len(collectionIDs))
	for _, id := range collectionIDs {
		if h, ok := mgr.collections[id]; ok {
			handles[id] = h
		}
	}
	mgr.mu.Unlock()

	dropped := target.mergeFrom(tx)
	for _, h := range handles {
		h.RetagTransaction(tx.id, target.id)
	}
	for _, d := range dropped {
		if h, ok := handles[d.collectionID]; ok {
			h.DropMutation(target.id, d.key)
		}
	}
	return target
}

func (mgr *Manager) removePendingLocked(tx *Tx) {
	for i, p := range mgr.pending {
		if p == tx {
			mgr.pending = append(mgr.pending[:i], mgr.pending[i+1:]...)
			return
		}
	}
}

func keysIntersect(a, b *Tx) bool {
	a.mu.Lock()
	aKeys := make(map[string]bool, len(a.mutations))
	for k := range a.mutations {
		aKeys[k] = true
	}
	a.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.mutations {
		if aKeys[k] {
			return true
		}
	}
	return false
}

type keyRef struct {
	collectionID string
	key          string
}

// mergeFrom folds draft's recorded mutations into tx, replacing tx's
// existing record for any shared key and dropping keys whose net effect
// becomes a no-op relative to tx's own original baseline for that key. It
// returns the keys dropped this way, for the caller to also clear from the
// owning collection's optimistic overlay.
func (tx *Tx) mergeFrom(draft *Tx) []keyRef {
	draft.mu.Lock()
	order := append([]string(nil), draft.order...)
	recs := make(map[string]*keyRecord, len(draft.mutations))
	for k, r := range draft.mutations {
		recs[k] = r
	}
	draft.mu.Unlock()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	var dropped []keyRef
	for _, fullKey := range order {
		drec := recs[fullKey]
		existing, ok := tx.mutations[fullKey]
		if !ok {
			tx.mutations[fullKey] = drec
			tx.order = append(tx.order, fullKey)
			continue
		}
		existing.latest = drec.latest
		if latestMR, ok := drec.latest.(mutationRecord); ok && latestMR.NetNoopAgainst(existing.first) {
			delete(tx.mutations, fullKey)
			tx.removeFromOrderLocked(fullKey)
			dropped = append(dropped, keyRef{collectionID: existing.collectionID, key: existing.key})
		}
	}
	return dropped
}

// beginPersist transitions tx from Pending to Persisting and records that a
// transaction is now persisting, as one atomic step. Lock order is always
// Manager then Tx to avoid the inverse-order deadlock RunSyncBatch/coalesce
// would otherwise risk.
func (mgr *Manager) beginPersist(tx *Tx) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != Pending {
		return ErrNotPending
	}
	tx.status = Persisting
	mgr.persistingCount++
	mgr.removePendingLocked(tx)
	return nil
}

// RunSyncBatch executes fn immediately if no transaction is currently
// persisting, otherwise queues it in syncQueue to flush
// once the last persister resolves (spec §4.5 "Optimistic/synced
// handoff"). Adapters should route their begin/write/commit sequence
// through this instead of calling the collection directly.
func (mgr *Manager) RunSyncBatch(fn func() error) error {
	mgr.mu.Lock()
	if mgr.persistingCount > 0 {
		mgr.syncQueue = append(mgr.syncQueue, fn)
		mgr.mu.Unlock()
		return nil
	}
	mgr.mu.Unlock()
	return fn()
}

func (mgr *Manager) onPersistEnd() {
	mgr.mu.Lock()
	mgr.persistingCount--
	var queue []func() error
	if mgr.persistingCount == 0 && len(mgr.syncQueue) > 0 {
		queue = mgr.syncQueue
		mgr.syncQueue = nil
	}
	mgr.mu.Unlock()

	for _, fn := range queue {
		if err := fn(); err != nil {
			core.With(zap.String("component", "txn")).Error("queued sync batch failed", zap.Error(err))
		}
	}
}

// GC prunes terminal (Completed or Failed) transactions that finished more
// than gcTime ago, relative to now (spec §5 "Resource policy": "terminal
// transactions may be pruned after gcTime ... of inactivity").
func (mgr *Manager) GC(now time.Time, gcTime time.Duration) int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	pruned := 0
	for id, tx := range mgr.all {
		tx.mu.Lock()
		terminal := tx.status == Completed || tx.status == Failed
		completedAt := tx.completedAt
		tx.mu.Unlock()
		if terminal && now.Sub(completedAt) >= gcTime {
			delete(mgr.all, id)
			pruned++
		}
	}
	return pruned
}
