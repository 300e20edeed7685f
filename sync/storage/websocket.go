// Package storage implements a websocket-based push transport for the
// streaming-change adapter contract (spec §6) and for cross-tab
// notification of the local-storage adapter, grounded on
// eventsync.WebSocketClient/WebSocketHandler: a receive-loop goroutine per
// connection, a mutex-guarded idempotent Close, a small JSON message
// envelope, and a websocket.Upgrader-based HTTP handler.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"reactivestore/core"
	syncpkg "reactivestore/sync"
)

// WireMessage is the JSON envelope exchanged over the bridge's websocket
// connection: either a single buffered change ("change") or a control
// message ("control") closing out a batch.
type WireMessage struct {
	Type      string          `json:"type"`
	Key       string          `json:"key,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Control   string          `json:"control,omitempty"`
	TxIDs     []string        `json:"txIds,omitempty"`
}

func toStreamMessage(wm WireMessage) (syncpkg.StreamMessage, bool) {
	switch wm.Type {
	case "change":
		return syncpkg.StreamMessage{Key: wm.Key, Value: wm.Value, Headers: syncpkg.StreamHeaders{Operation: wm.Operation}}, true
	case "control":
		return syncpkg.StreamMessage{Headers: syncpkg.StreamHeaders{Control: wm.Control, TxIDs: wm.TxIDs}}, true
	default:
		return syncpkg.StreamMessage{}, false
	}
}

// WebSocketBridge is the client-side half: it holds an open connection to
// a sync server and exposes it as a sync.MessageSource.
type WebSocketBridge struct {
	conn *websocket.Conn
	ch   chan syncpkg.StreamMessage

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// DialWebSocketBridge connects to url and starts the receive loop.
func DialWebSocketBridge(ctx context.Context, url string) (*WebSocketBridge, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: dial %s: %w", url, err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	b := &WebSocketBridge{conn: conn, ch: make(chan syncpkg.StreamMessage, 100), cancel: cancel}
	go b.receiveLoop(subCtx)
	return b, nil
}

func (b *WebSocketBridge) receiveLoop(ctx context.Context) {
	defer b.Close()
	defer close(b.ch)

	log := core.With(zap.String("component", "storage.bridge"))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var wm WireMessage
		if err := json.Unmarshal(raw, &wm); err != nil {
			log.Warn("failed to parse bridge message", zap.Error(err))
			continue
		}
		msg, ok := toStreamMessage(wm)
		if !ok {
			continue
		}
		select {
		case b.ch <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Messages satisfies sync.MessageSource.
func (b *WebSocketBridge) Messages() <-chan syncpkg.StreamMessage { return b.ch }

// Close closes the underlying connection; safe to call more than once.
func (b *WebSocketBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	return b.conn.Close()
}

// DecodeJSON decodes a StreamMessage.Value produced by this package (a
// json.RawMessage) into T, for use as a sync.StreamAdapter decode function.
func DecodeJSON[T any](v any) (T, error) {
	var out T
	var raw []byte
	switch vv := v.(type) {
	case json.RawMessage:
		raw = vv
	case []byte:
		raw = vv
	case nil:
		return out, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return out, err
		}
		raw = b
	}
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

// client is one connected websocket peer managed by a Hub.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is the server-side half: it upgrades incoming HTTP connections and
// broadcasts WireMessage values to every connected client, the push
// transport for streaming changes and for cross-tab notification of the
// local-storage adapter (spec §6).
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub constructs an empty Hub, accepting connections from any origin.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and starts its read/write loops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		core.With(zap.String("component", "storage.hub")).Error("upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 32)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop's only job is to notice the peer disconnecting; this hub is a
// one-way push channel and does not interpret client messages.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for b := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast pushes wm to every connected client. A client whose send
// buffer is full is skipped rather than blocking the broadcast.
func (h *Hub) Broadcast(wm WireMessage) error {
	b, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			core.With(zap.String("component", "storage.hub")).Warn("dropping slow client")
		}
	}
	return nil
}
