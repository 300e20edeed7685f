package collection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reactivestore/index"
)

type person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Age  int    `json:"age"`
}

// stubTx is a minimal TxRecorder for collection-level tests: it never
// coalesces, just hands each mutation straight through.
type stubTx struct{ id string }

func (s *stubTx) ID() string { return s.id }
func (s *stubTx) Record(_, _ string, m any) (any, bool, error) { return m, false, nil }

func withTx(t *testing.T, id string, fn func()) {
	t.Helper()
	SetActiveTransaction(&stubTx{id: id})
	defer ClearActiveTransaction()
	fn()
}

func TestCollection_SyncBeginWriteCommit(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})

	require.NoError(t, c.Begin())
	require.NoError(t, c.Write(Insert, "1", person{ID: "1", Name: "Ada", Age: 30}, nil))
	require.NoError(t, c.Commit())

	state := c.State()
	require.Contains(t, state, "1")
	assert.Equal(t, "Ada", state["1"].Name)
	assert.True(t, c.HasReceivedFirstCommit())
	assert.Equal(t, StatusReady, c.Status())
}

func TestCollection_WriteWithoutBeginIsProtocolError(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	err := c.Write(Insert, "1", person{}, nil)
	assert.ErrorIs(t, err, ErrAdapterProtocol)
}

func TestCollection_DoubleCommitIsProtocolError(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	require.NoError(t, c.Begin())
	require.NoError(t, c.Commit())
	assert.ErrorIs(t, c.Commit(), ErrAdapterProtocol)
}

func TestCollection_InsertRequiresActiveTransaction(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	_, err := c.Insert(person{ID: "1"}, InsertOptions{})
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
}

func TestCollection_InsertAppliesOptimisticOverlay(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	withTx(t, "tx1", func() {
		key, err := c.Insert(person{ID: "1", Name: "Ada", Age: 30}, InsertOptions{Key: "1"})
		require.NoError(t, err)
		assert.Equal(t, "1", key)
	})

	state := c.State()
	require.Contains(t, state, "1")
	assert.Equal(t, "Ada", state["1"].Name)
}

func TestCollection_UpdateTracksMinimalDiff(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	withTx(t, "tx1", func() {
		_, err := c.Insert(person{ID: "1", Name: "Ada", Age: 30}, InsertOptions{Key: "1"})
		require.NoError(t, err)
	})

	withTx(t, "tx2", func() {
		err := c.Update("1", UpdateOptions{}, func(p *person) { p.Age = 31 })
		require.NoError(t, err)
	})

	state := c.State()
	assert.Equal(t, 31, state["1"].Age)
	assert.Equal(t, "Ada", state["1"].Name)
}

func TestCollection_UpdateNoopReturnsErrNoChange(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	withTx(t, "tx1", func() {
		_, err := c.Insert(person{ID: "1", Name: "Ada", Age: 30}, InsertOptions{Key: "1"})
		require.NoError(t, err)
	})
	withTx(t, "tx2", func() {
		err := c.Update("1", UpdateOptions{}, func(p *person) {})
		assert.ErrorIs(t, err, ErrNoChange)
	})
}

func TestCollection_DeleteRemovesFromDerivedState(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	withTx(t, "tx1", func() {
		_, err := c.Insert(person{ID: "1", Name: "Ada", Age: 30}, InsertOptions{Key: "1"})
		require.NoError(t, err)
	})
	withTx(t, "tx2", func() {
		require.NoError(t, c.Delete("1", DeleteOptions{}))
	})

	state := c.State()
	assert.NotContains(t, state, "1")
}

func TestCollection_SyncedConfirmationSettlesOverlay(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	withTx(t, "tx1", func() {
		_, err := c.Insert(person{ID: "1", Name: "Ada", Age: 30}, InsertOptions{Key: "1"})
		require.NoError(t, err)
	})

	// Optimistic value visible before sync confirms.
	assert.Equal(t, "Ada", c.State()["1"].Name)

	require.NoError(t, c.Begin())
	require.NoError(t, c.Write(Insert, "1", person{ID: "1", Name: "Ada", Age: 30}, nil))
	require.NoError(t, c.Commit())
	c.ConfirmTransaction("tx1")

	assert.Equal(t, "Ada", c.State()["1"].Name)
}

func TestCollection_SubscribeChangesEmitsInitialAndSubsequent(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	withTx(t, "tx1", func() {
		_, err := c.Insert(person{ID: "1", Name: "Ada", Age: 30}, InsertOptions{Key: "1"})
		require.NoError(t, err)
	})

	var got []Change[person]
	unsub := c.SubscribeChanges(func(ch Change[person]) { got = append(got, ch) }, SubscribeOptions{IncludeInitialState: true})
	defer unsub()

	require.Len(t, got, 1)
	assert.Equal(t, Insert, got[0].Type)

	withTx(t, "tx2", func() {
		_, err := c.Insert(person{ID: "2", Name: "Bo", Age: 40}, InsertOptions{Key: "2"})
		require.NoError(t, err)
	})
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[1].Key)
}

func TestCollection_CreateIndexAndRangeLookup(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	withTx(t, "tx1", func() {
		for i, age := range []int{25, 30, 35} {
			_, err := c.Insert(person{ID: string(rune('1' + i)), Age: age}, InsertOptions{Key: string(rune('1' + i))})
			require.NoError(t, err)
		}
	})

	id, err := CreateIndex[person, int](c, "byAge", "age", func(p person) (int, bool) { return p.Age, true })
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	idx := c.indexes[id]
	keys := idx.LookupAny(index.Gte, 30)
	assert.Len(t, keys, 2)
}

func TestCollection_ToArrayWhenReady(t *testing.T) {
	c := New[person](Options[person]{ID: "people"})
	require.NoError(t, c.Begin())
	require.NoError(t, c.Write(Insert, "1", person{ID: "1", Name: "Ada"}, nil))
	require.NoError(t, c.Commit())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	arr, err := c.ToArrayWhenReady(ctx)
	require.NoError(t, err)
	require.Len(t, arr, 1)
}
