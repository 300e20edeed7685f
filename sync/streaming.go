package sync

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"reactivestore/collection"
	"reactivestore/core"
	"reactivestore/txn"
)

// StreamHeaders carries a streamed message's out-of-band control fields
// (spec §6 "Streaming-change adapter contract").
type StreamHeaders struct {
	// Operation is "insert", "update", or "delete"; ignored for control
	// messages.
	Operation string
	// TxIDs lists transaction ids this control message confirms, appended
	// to the seen-ids store once the batch they close out commits.
	TxIDs []string
	// Control is "up-to-date", "must-refetch", or "" for an ordinary
	// per-row message.
	Control string
}

// StreamMessage is one message off a MessageSource: either a buffered
// per-row change, or a control message with no Key/Value.
type StreamMessage struct {
	Key     string
	Value   any
	Headers StreamHeaders
}

// MessageSource produces a stream of StreamMessage from whatever transport
// backs it — a MongoDB change stream (package sync/streamingmongo), a
// websocket connection (package sync/storage), or a fake in tests.
type MessageSource interface {
	Messages() <-chan StreamMessage
	Close() error
}

// StreamAdapter buffers per-row messages within a logical batch and commits
// them once a control "up-to-date" message arrives; a "must-refetch"
// control message discards whatever is buffered instead (spec §6
// "Streaming-change adapter contract": "messages are buffered per
// transaction; a control up-to-date commits the current batch ... a
// control must-refetch discards the buffered batch").
type StreamAdapter[T any] struct {
	target Target[T]
	decode func(any) (T, error)
	seen   *txn.SeenTxIDStore

	buf []StreamMessage
}

// NewStreamAdapter builds a StreamAdapter driving target. seen may be nil
// if the caller doesn't need awaitTxId semantics.
func NewStreamAdapter[T any](target Target[T], decode func(any) (T, error), seen *txn.SeenTxIDStore) *StreamAdapter[T] {
	return &StreamAdapter[T]{target: target, decode: decode, seen: seen}
}

// Run drains src until ctx is cancelled or src closes its channel.
func (a *StreamAdapter[T]) Run(ctx context.Context, src MessageSource) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-src.Messages():
			if !ok {
				return nil
			}
			if err := a.handle(msg); err != nil {
				return err
			}
		}
	}
}

func (a *StreamAdapter[T]) handle(msg StreamMessage) error {
	switch msg.Headers.Control {
	case "must-refetch":
		a.buf = nil
		return nil
	case "up-to-date":
		if err := a.commit(); err != nil {
			return err
		}
		for _, id := range msg.Headers.TxIDs {
			a.markSeen(id)
		}
		return nil
	default:
		a.buf = append(a.buf, msg)
		return nil
	}
}

// markSeen records id in the seen-ids store. Ids are strings of
// numeric-only characters (spec §6); anything else is logged and
// skipped rather than marked, since it cannot be a real transaction id.
func (a *StreamAdapter[T]) markSeen(id string) {
	if a.seen == nil {
		return
	}
	if id == "" || strings.ContainsFunc(id, func(r rune) bool { return r < '0' || r > '9' }) {
		core.With(zap.String("component", "sync.stream"), zap.String("txid", id)).Error("ignoring non-numeric txid in up-to-date header")
		return
	}
	a.seen.Mark(id)
}

func (a *StreamAdapter[T]) commit() error {
	if len(a.buf) == 0 {
		return nil
	}
	if err := a.target.Begin(); err != nil {
		return err
	}
	for _, msg := range a.buf {
		typ, err := parseOperation(msg.Headers.Operation)
		if err != nil {
			return err
		}
		var value T
		if typ != collection.Delete {
			v, err := a.decode(msg.Value)
			if err != nil {
				return fmt.Errorf("sync: decode value for key %q: %w", msg.Key, err)
			}
			value = v
		}
		if err := a.target.Write(typ, msg.Key, value, nil); err != nil {
			return err
		}
	}
	a.buf = nil
	return a.target.Commit()
}

func parseOperation(op string) (collection.MutationType, error) {
	switch op {
	case "insert":
		return collection.Insert, nil
	case "update":
		return collection.Update, nil
	case "delete":
		return collection.Delete, nil
	default:
		return 0, fmt.Errorf("sync: unknown stream operation %q", op)
	}
}
