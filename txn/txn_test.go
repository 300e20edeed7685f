package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reactivestore/collection"
)

type widget struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newWidgets(t *testing.T) *collection.Collection[widget] {
	t.Helper()
	return collection.New[widget](collection.Options[widget]{ID: "widgets"})
}

func TestManager_CreateTransactionPersistsAndCompletes(t *testing.T) {
	mgr := NewManager()
	widgets := newWidgets(t)
	mgr.RegisterCollection(widgets)

	persisted := false
	tx := mgr.CreateTransaction(func(ctx context.Context, tx *Tx) error {
		persisted = true
		return nil
	})

	final, err := tx.Mutate(func() error {
		_, err := widgets.Insert(widget{ID: "1", Name: "gear", Count: 1}, collection.InsertOptions{Key: "1"})
		return err
	})
	require.NoError(t, err)
	assert.Same(t, tx, final)
	assert.Equal(t, Pending, tx.Status())

	require.NoError(t, tx.Persist(context.Background()))
	assert.True(t, persisted)
	assert.Equal(t, Completed, tx.Status())
	assert.True(t, tx.IsPersisted())

	assert.Equal(t, "gear", widgets.State()["1"].Name)
}

func TestTx_PersistWithoutMutationFnCompletesImmediately(t *testing.T) {
	mgr := NewManager()
	tx := mgr.CreateTransaction(nil)
	require.NoError(t, tx.Persist(context.Background()))
	assert.Equal(t, Completed, tx.Status())
}

func TestTx_PersistTwiceFails(t *testing.T) {
	mgr := NewManager()
	tx := mgr.CreateTransaction(nil)
	require.NoError(t, tx.Persist(context.Background()))
	assert.ErrorIs(t, tx.Persist(context.Background()), ErrNotPending)
}

func TestTx_PersistFailureLeavesOverlayUntilRevert(t *testing.T) {
	mgr := NewManager()
	widgets := newWidgets(t)
	mgr.RegisterCollection(widgets)

	boom := errors.New("backend unreachable")
	tx := mgr.CreateTransaction(func(ctx context.Context, tx *Tx) error {
		return boom
	})
	_, err := tx.Mutate(func() error {
		_, err := widgets.Insert(widget{ID: "1", Name: "gear"}, collection.InsertOptions{Key: "1"})
		return err
	})
	require.NoError(t, err)

	err = tx.Persist(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, tx.Status())

	// Overlay still present: persistence errors don't auto-revert.
	assert.Contains(t, widgets.State(), "1")

	tx.Revert()
	assert.NotContains(t, widgets.State(), "1")
}

func TestTx_PersistWrapsNonErrorPanic(t *testing.T) {
	mgr := NewManager()
	tx := mgr.CreateTransaction(func(ctx context.Context, tx *Tx) error {
		panic("disk full")
	})
	err := tx.Persist(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, Failed, tx.Status())
}

func TestManager_CoalescesPendingTransactionsByKey(t *testing.T) {
	mgr := NewManager()
	widgets := newWidgets(t)
	mgr.RegisterCollection(widgets)

	tx1 := mgr.CreateTransaction(nil)
	final1, err := tx1.Mutate(func() error {
		_, err := widgets.Insert(widget{ID: "1", Name: "gear", Count: 1}, collection.InsertOptions{Key: "1"})
		return err
	})
	require.NoError(t, err)
	assert.Same(t, tx1, final1)

	tx2 := mgr.CreateTransaction(nil)
	final2, err := tx2.Mutate(func() error {
		return widgets.Update("1", collection.UpdateOptions{}, func(w *widget) { w.Count = 2 })
	})
	require.NoError(t, err)

	// tx2's mutation on the same key coalesces into tx1.
	assert.Same(t, tx1, final2)
	assert.Equal(t, Pending, tx1.Status())

	assert.Equal(t, 2, widgets.State()["1"].Count)

	require.NoError(t, tx1.Persist(context.Background()))
	assert.Equal(t, Completed, tx1.Status())
}

func TestManager_CoalescingDropsNetNoopMutation(t *testing.T) {
	mgr := NewManager()
	widgets := newWidgets(t)
	mgr.RegisterCollection(widgets)

	require.NoError(t, widgets.Begin())
	require.NoError(t, widgets.Write(collection.Insert, "1", widget{ID: "1", Name: "gear", Count: 1}, nil))
	require.NoError(t, widgets.Commit())

	tx1 := mgr.CreateTransaction(nil)
	_, err := tx1.Mutate(func() error {
		return widgets.Update("1", collection.UpdateOptions{}, func(w *widget) { w.Count = 9 })
	})
	require.NoError(t, err)
	assert.Equal(t, 9, widgets.State()["1"].Count)

	tx2 := mgr.CreateTransaction(nil)
	_, err = tx2.Mutate(func() error {
		return widgets.Update("1", collection.UpdateOptions{}, func(w *widget) { w.Count = 1 })
	})
	require.NoError(t, err)

	// Net effect of tx1+tx2 on key "1" is now a no-op against the synced
	// baseline, so the optimistic overlay falls back to synced data.
	assert.Equal(t, 1, widgets.State()["1"].Count)
}

func TestManager_RunSyncBatchQueuesWhilePersisting(t *testing.T) {
	mgr := NewManager()
	release := make(chan struct{})
	tx := mgr.CreateTransaction(func(ctx context.Context, tx *Tx) error {
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- tx.Persist(context.Background()) }()

	// Give Persist a moment to flip to Persisting before queuing.
	for tx.Status() != Persisting {
		time.Sleep(time.Millisecond)
	}

	ran := false
	require.NoError(t, mgr.RunSyncBatch(func() error { ran = true; return nil }))
	assert.False(t, ran, "sync batch must not run while a transaction is persisting")

	close(release)
	require.NoError(t, <-done)

	// onPersistEnd flushes the queue synchronously.
	assert.True(t, ran)
}

func TestSeenTxIDStore_MarkBeforeAwaitReturnsImmediately(t *testing.T) {
	s := NewSeenTxIDStore()
	s.Mark("tx-1")
	require.NoError(t, s.AwaitTxID(context.Background(), "tx-1", time.Second))
}

func TestSeenTxIDStore_AwaitTimesOut(t *testing.T) {
	s := NewSeenTxIDStore()
	err := s.AwaitTxID(context.Background(), "never", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrAwaitTimeout)
}

func TestSeenTxIDStore_AwaitUnblocksOnMark(t *testing.T) {
	s := NewSeenTxIDStore()
	done := make(chan error, 1)
	go func() { done <- s.AwaitTxID(context.Background(), "tx-2", time.Second) }()

	time.Sleep(5 * time.Millisecond)
	s.Mark("tx-2")
	require.NoError(t, <-done)
}

func TestManager_GCPrunesOldTerminalTransactions(t *testing.T) {
	mgr := NewManager()
	tx := mgr.CreateTransaction(nil)
	require.NoError(t, tx.Persist(context.Background()))

	pruned := mgr.GC(time.Now().Add(10*time.Second), 5*time.Second)
	assert.Equal(t, 1, pruned)
}
