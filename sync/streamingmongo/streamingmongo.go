// Package streamingmongo drives sync.StreamAdapter off a MongoDB change
// stream, grounded on eventsync.StorageAdapter's watch idiom: a
// $match-filtered mongo.Pipeline over insert/update/replace/delete with
// options.ChangeStream().SetFullDocument(options.UpdateLookup), forwarding
// decoded events into a buffered channel from a background goroutine, torn
// down via context.CancelFunc plus sync.WaitGroup.
package streamingmongo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"reactivestore/core"
	syncpkg "reactivestore/sync"
)

// DefaultFlushInterval is how often Source synthesizes an "up-to-date"
// control message between real change events, closing out whatever
// StreamAdapter has buffered so far.
const DefaultFlushInterval = 250 * time.Millisecond

// Source watches a MongoDB collection's change stream and translates it
// into sync.StreamMessage values, satisfying sync.MessageSource.
type Source struct {
	coll          *mongo.Collection
	flushInterval time.Duration

	ch     chan syncpkg.StreamMessage
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSource builds a Source over coll. flushInterval <= 0 uses
// DefaultFlushInterval.
func NewSource(coll *mongo.Collection, flushInterval time.Duration) *Source {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Source{
		coll:          coll,
		flushInterval: flushInterval,
		ch:            make(chan syncpkg.StreamMessage, 100),
	}
}

// Watch starts the change stream and the forwarding goroutine.
func (s *Source) Watch(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{
			{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}},
		}}}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := s.coll.Watch(subCtx, pipeline, opts)
	if err != nil {
		cancel()
		return fmt.Errorf("streamingmongo: watch %s: %w", s.coll.Name(), err)
	}

	s.wg.Add(1)
	go s.run(subCtx, stream)
	return nil
}

func (s *Source) run(ctx context.Context, stream *mongo.ChangeStream) {
	defer s.wg.Done()
	defer stream.Close(context.Background())
	defer close(s.ch)

	log := core.With(zap.String("component", "streamingmongo"), zap.String("collection", s.coll.Name()))
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.send(ctx, syncpkg.StreamMessage{Headers: syncpkg.StreamHeaders{Control: "up-to-date"}}) {
				return
			}
			continue
		default:
		}

		if !stream.TryNext(ctx) {
			if err := stream.Err(); err != nil {
				log.Error("change stream error", zap.Error(err))
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		var raw bson.M
		if err := stream.Decode(&raw); err != nil {
			log.Error("decode change event failed", zap.Error(err))
			continue
		}
		msg, ok := toMessage(raw)
		if !ok {
			continue
		}
		if !s.send(ctx, msg) {
			return
		}
	}
}

func (s *Source) send(ctx context.Context, msg syncpkg.StreamMessage) bool {
	select {
	case s.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func toMessage(raw bson.M) (syncpkg.StreamMessage, bool) {
	opType, _ := raw["operationType"].(string)

	var key string
	if docKey, ok := raw["documentKey"].(bson.M); ok {
		if id, ok := docKey["_id"]; ok {
			key = fmt.Sprintf("%v", id)
		}
	}

	switch opType {
	case "insert":
		return syncpkg.StreamMessage{Key: key, Value: raw["fullDocument"], Headers: syncpkg.StreamHeaders{Operation: "insert"}}, true
	case "update", "replace":
		return syncpkg.StreamMessage{Key: key, Value: raw["fullDocument"], Headers: syncpkg.StreamHeaders{Operation: "update"}}, true
	case "delete":
		return syncpkg.StreamMessage{Key: key, Headers: syncpkg.StreamHeaders{Operation: "delete"}}, true
	default:
		return syncpkg.StreamMessage{}, false
	}
}

// Messages satisfies sync.MessageSource.
func (s *Source) Messages() <-chan syncpkg.StreamMessage { return s.ch }

// Close cancels the watch and waits for the forwarding goroutine to exit.
func (s *Source) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// DecodeBSON round-trips v (typically a bson.M from a change event's
// fullDocument) through BSON marshal/unmarshal into T, for use as a
// sync.StreamAdapter decode function.
func DecodeBSON[T any](v any) (T, error) {
	var out T
	b, err := bson.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("streamingmongo: marshal: %w", err)
	}
	if err := bson.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("streamingmongo: unmarshal: %w", err)
	}
	return out, nil
}
