package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reactivestore/collection"
	"reactivestore/txn"
)

type fakeSource struct {
	ch chan StreamMessage
}

func newFakeSource() *fakeSource { return &fakeSource{ch: make(chan StreamMessage, 16)} }

func (s *fakeSource) Messages() <-chan StreamMessage { return s.ch }
func (s *fakeSource) Close() error                   { close(s.ch); return nil }

func decodeItem(v any) (item, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return item{}, err
	}
	var it item
	err = json.Unmarshal(b, &it)
	return it, err
}

func TestStreamAdapter_BuffersUntilUpToDateThenCommits(t *testing.T) {
	target := &fakeTarget{}
	adapter := NewStreamAdapter[item](target, decodeItem, nil)
	src := newFakeSource()

	src.ch <- StreamMessage{Key: "1", Value: item{ID: "1", Name: "alpha"}, Headers: StreamHeaders{Operation: "insert"}}
	src.ch <- StreamMessage{Key: "2", Value: item{ID: "2", Name: "beta"}, Headers: StreamHeaders{Operation: "insert"}}
	assert.Empty(t, target.batches, "no commit until up-to-date")

	src.ch <- StreamMessage{Headers: StreamHeaders{Control: "up-to-date"}}
	src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, adapter.Run(ctx, src))

	require.Len(t, target.batches, 1)
	assert.Len(t, target.last(), 2)
}

func TestStreamAdapter_MustRefetchDiscardsBufferedBatch(t *testing.T) {
	target := &fakeTarget{}
	adapter := NewStreamAdapter[item](target, decodeItem, nil)
	src := newFakeSource()

	src.ch <- StreamMessage{Key: "1", Value: item{ID: "1"}, Headers: StreamHeaders{Operation: "insert"}}
	src.ch <- StreamMessage{Headers: StreamHeaders{Control: "must-refetch"}}
	src.ch <- StreamMessage{Headers: StreamHeaders{Control: "up-to-date"}}
	src.Close()

	require.NoError(t, adapter.Run(context.Background(), src))
	assert.Empty(t, target.batches, "must-refetch must drop the buffered batch before the later up-to-date")
}

func TestStreamAdapter_UpToDateMarksTxIDsSeen(t *testing.T) {
	target := &fakeTarget{}
	seen := txn.NewSeenTxIDStore()
	adapter := NewStreamAdapter[item](target, decodeItem, seen)
	src := newFakeSource()

	src.ch <- StreamMessage{Key: "1", Value: item{ID: "1"}, Headers: StreamHeaders{Operation: "insert"}}
	src.ch <- StreamMessage{Headers: StreamHeaders{Control: "up-to-date", TxIDs: []string{"42"}}}
	src.Close()

	require.NoError(t, adapter.Run(context.Background(), src))
	assert.True(t, seen.Seen("42"))
}

func TestStreamAdapter_NonNumericTxIDIsNotMarkedSeen(t *testing.T) {
	target := &fakeTarget{}
	seen := txn.NewSeenTxIDStore()
	adapter := NewStreamAdapter[item](target, decodeItem, seen)
	src := newFakeSource()

	src.ch <- StreamMessage{Headers: StreamHeaders{Control: "up-to-date", TxIDs: []string{"not-a-number"}}}
	src.Close()

	require.NoError(t, adapter.Run(context.Background(), src))
	assert.False(t, seen.Seen("not-a-number"))
}

func TestStreamAdapter_DeleteMessageSkipsDecode(t *testing.T) {
	target := &fakeTarget{}
	adapter := NewStreamAdapter[item](target, decodeItem, nil)
	src := newFakeSource()

	src.ch <- StreamMessage{Key: "1", Headers: StreamHeaders{Operation: "delete"}}
	src.ch <- StreamMessage{Headers: StreamHeaders{Control: "up-to-date"}}
	src.Close()

	require.NoError(t, adapter.Run(context.Background(), src))
	require.Len(t, target.last(), 1)
	assert.Equal(t, collection.Delete, target.last()[0].typ)
}
