package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reactivestore/collection"
)

func TestPullAdapter_PollEmitsInsertsOnFirstFetch(t *testing.T) {
	target := &fakeTarget{}
	adapter := NewPullAdapter[item](target, PullConfig[item]{
		Fetch:  func(ctx context.Context) ([]item, error) { return []item{{ID: "1", Name: "alpha"}}, nil },
		GetKey: func(row item) string { return row.ID },
	})

	require.NoError(t, adapter.Poll(context.Background()))
	require.Len(t, target.last(), 1)
	assert.Equal(t, collection.Insert, target.last()[0].typ)
}

func TestPullAdapter_PollDiffsAgainstLastCommittedMap(t *testing.T) {
	target := &fakeTarget{}
	rows := []item{{ID: "1", Name: "alpha"}, {ID: "2", Name: "beta"}}
	adapter := NewPullAdapter[item](target, PullConfig[item]{
		Fetch:  func(ctx context.Context) ([]item, error) { return rows, nil },
		GetKey: func(row item) string { return row.ID },
	})
	require.NoError(t, adapter.Poll(context.Background()))

	// Second fetch: "1" unchanged, "2" modified, "3" new, "1" stays.
	rows = []item{{ID: "1", Name: "alpha"}, {ID: "2", Name: "beta-v2"}, {ID: "3", Name: "gamma"}}
	require.NoError(t, adapter.Poll(context.Background()))

	batch := target.last()
	byKey := map[string]recordedWrite{}
	for _, w := range batch {
		byKey[w.key] = w
	}
	assert.NotContains(t, byKey, "1", "unchanged row must not be re-emitted")
	require.Contains(t, byKey, "2")
	assert.Equal(t, collection.Update, byKey["2"].typ)
	require.Contains(t, byKey, "3")
	assert.Equal(t, collection.Insert, byKey["3"].typ)
}

func TestPullAdapter_PollEmitsDeleteForDroppedRow(t *testing.T) {
	target := &fakeTarget{}
	rows := []item{{ID: "1", Name: "alpha"}}
	adapter := NewPullAdapter[item](target, PullConfig[item]{
		Fetch:  func(ctx context.Context) ([]item, error) { return rows, nil },
		GetKey: func(row item) string { return row.ID },
	})
	require.NoError(t, adapter.Poll(context.Background()))

	rows = nil
	require.NoError(t, adapter.Poll(context.Background()))

	batch := target.last()
	require.Len(t, batch, 1)
	assert.Equal(t, collection.Delete, batch[0].typ)
	assert.Equal(t, "1", batch[0].key)
}

func TestPullAdapter_RunWithoutRefetchIntervalPollsOnce(t *testing.T) {
	target := &fakeTarget{}
	calls := 0
	adapter := NewPullAdapter[item](target, PullConfig[item]{
		Fetch:  func(ctx context.Context) ([]item, error) { calls++; return nil, nil },
		GetKey: func(row item) string { return row.ID },
	})
	require.NoError(t, adapter.Run(context.Background()))
	assert.Equal(t, 1, calls)
}
