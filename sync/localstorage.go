package sync

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"reactivestore/collection"
)

// KeyValueStore is the minimal storage backend a LocalStorageAdapter needs.
// MemoryStore satisfies it for tests and single-process use; a browser
// build backs it with window.localStorage, firing Diff on the storage
// event (spec §6 "Local-storage adapter contract").
type KeyValueStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// MemoryStore is an in-process KeyValueStore.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// storedEntry is the per-key envelope persisted under the adapter's
// storage key: {versionKey, data}, so a same-content replacement is still
// detected as a change (spec §6: "each value stored as {versionKey, data}
// so replacement is detected even with identical content").
type storedEntry struct {
	VersionKey string          `json:"versionKey"`
	Data       json.RawMessage `json:"data"`
}

// LocalStorageAdapter syncs a collection against a single KeyValueStore
// entry shared across tabs/processes, diffing by versionKey rather than by
// content (spec §6 "Local-storage adapter contract").
type LocalStorageAdapter[T any] struct {
	target     Target[T]
	store      KeyValueStore
	storageKey string

	mu   sync.Mutex
	last map[string]string // key -> last-seen versionKey
}

// NewLocalStorageAdapter builds a LocalStorageAdapter driving target,
// persisting under storageKey in store.
func NewLocalStorageAdapter[T any](target Target[T], store KeyValueStore, storageKey string) *LocalStorageAdapter[T] {
	return &LocalStorageAdapter[T]{target: target, store: store, storageKey: storageKey, last: make(map[string]string)}
}

func (a *LocalStorageAdapter[T]) readAll() (map[string]storedEntry, error) {
	raw, ok := a.store.Get(a.storageKey)
	if !ok || raw == "" {
		return map[string]storedEntry{}, nil
	}
	var m map[string]storedEntry
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("sync: decode storage key %q: %w", a.storageKey, err)
	}
	return m, nil
}

func (a *LocalStorageAdapter[T]) writeAll(m map[string]storedEntry) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return a.store.Set(a.storageKey, string(b))
}

// Diff re-reads the stored map and commits insert/update/delete for every
// key whose versionKey changed since the last diff. Call it both from a
// cross-tab storage-change notification and right after this adapter's own
// writes, since storage events don't fire in the tab that wrote them (spec
// §6: "Writes from the same tab must also trigger a manual diff because
// storage events do not fire locally").
func (a *LocalStorageAdapter[T]) Diff() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.readAll()
	if err != nil {
		return err
	}

	if err := a.target.Begin(); err != nil {
		return err
	}
	for key, entry := range current {
		if a.last[key] == entry.VersionKey {
			continue
		}
		var value T
		if err := json.Unmarshal(entry.Data, &value); err != nil {
			return fmt.Errorf("sync: decode value for key %q: %w", key, err)
		}
		typ := collection.Update
		if _, existed := a.last[key]; !existed {
			typ = collection.Insert
		}
		if err := a.target.Write(typ, key, value, nil); err != nil {
			return err
		}
	}
	var zero T
	for key := range a.last {
		if _, ok := current[key]; !ok {
			if err := a.target.Write(collection.Delete, key, zero, nil); err != nil {
				return err
			}
		}
	}
	if err := a.target.Commit(); err != nil {
		return err
	}

	next := make(map[string]string, len(current))
	for key, entry := range current {
		next[key] = entry.VersionKey
	}
	a.last = next
	return nil
}

// Put serialises value, assigns it a fresh versionKey (spec §6: "On every
// insert/update the adapter regenerates versionKey (UUID)"), writes it into
// the backing store, and re-diffs so this tab observes its own write
// immediately.
func (a *LocalStorageAdapter[T]) Put(key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sync: value for key %q is not JSON-encodable: %w", key, err)
	}

	a.mu.Lock()
	current, err := a.readAll()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	current[key] = storedEntry{VersionKey: uuid.NewString(), Data: data}
	err = a.writeAll(current)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return a.Diff()
}

// Delete removes key from the backing store and re-diffs.
func (a *LocalStorageAdapter[T]) Delete(key string) error {
	a.mu.Lock()
	current, err := a.readAll()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	delete(current, key)
	err = a.writeAll(current)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return a.Diff()
}
