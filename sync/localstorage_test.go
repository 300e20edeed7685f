package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reactivestore/collection"
)

func TestLocalStorageAdapter_PutThenDiffEmitsInsert(t *testing.T) {
	store := NewMemoryStore()
	target := &fakeTarget{}
	adapter := NewLocalStorageAdapter[item](target, store, "items")

	require.NoError(t, adapter.Put("1", item{ID: "1", Name: "alpha"}))
	require.Len(t, target.batches, 1)
	assert.Equal(t, collection.Insert, target.last()[0].typ)
}

func TestLocalStorageAdapter_SameContentReplacementStillDiffsAsChange(t *testing.T) {
	store := NewMemoryStore()
	target := &fakeTarget{}
	adapter := NewLocalStorageAdapter[item](target, store, "items")

	require.NoError(t, adapter.Put("1", item{ID: "1", Name: "alpha"}))
	require.NoError(t, adapter.Put("1", item{ID: "1", Name: "alpha"}))

	require.Len(t, target.batches, 2, "identical-content replacement must still re-diff via versionKey")
	assert.Equal(t, collection.Update, target.last()[0].typ)
}

func TestLocalStorageAdapter_AnotherTabWriteIsPickedUpByDiff(t *testing.T) {
	store := NewMemoryStore()
	writerTarget := &fakeTarget{}
	writer := NewLocalStorageAdapter[item](writerTarget, store, "items")
	require.NoError(t, writer.Put("1", item{ID: "1", Name: "alpha"}))

	readerTarget := &fakeTarget{}
	reader := NewLocalStorageAdapter[item](readerTarget, store, "items")
	require.NoError(t, reader.Diff())

	require.Len(t, readerTarget.batches, 1)
	assert.Equal(t, "1", readerTarget.last()[0].key)
}

func TestLocalStorageAdapter_DeleteEmitsDelete(t *testing.T) {
	store := NewMemoryStore()
	target := &fakeTarget{}
	adapter := NewLocalStorageAdapter[item](target, store, "items")
	require.NoError(t, adapter.Put("1", item{ID: "1", Name: "alpha"}))

	require.NoError(t, adapter.Delete("1"))
	assert.Equal(t, collection.Delete, target.last()[0].typ)
}
