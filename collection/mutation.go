package collection

import (
	"reflect"
	"time"
)

// MutationType names the kind of change a Mutation or Change represents.
type MutationType int

const (
	Insert MutationType = iota
	Update
	Delete
)

func (t MutationType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is PendingMutation from the data model (§3): the record a
// transaction accumulates for one insert/update/delete call. Changes holds
// the minimal delta (from package changetracker); Modified is Original with
// Changes applied.
type Mutation[T any] struct {
	ID           string
	Type         MutationType
	Key          string
	Original     T
	HasOriginal  bool
	Modified     T
	Changes      map[string]any
	Metadata     any
	SyncMetadata any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MutationKind and MutationKeyValue satisfy the transaction manager's
// mutationRecord contract (package txn) without that package needing to
// know T.
func (m Mutation[T]) MutationKind() MutationType { return m.Type }
func (m Mutation[T]) MutationKeyValue() string    { return m.Key }

// NetNoopAgainst reports whether m, replacing first within the same
// transaction, now has a net effect of "no change" relative to the value
// that existed before the transaction began (spec §4.5 "Coalescing": "If
// the resulting modified equals original (net no-op), drop the mutation").
func (m Mutation[T]) NetNoopAgainst(first any) bool {
	b, ok := first.(Mutation[T])
	if !ok || !b.HasOriginal || m.Type == Delete {
		return false
	}
	return reflect.DeepEqual(b.Original, m.Modified)
}

// Change is one entry of derivedChanges, delivered to subscribeChanges
// callbacks (spec §3 "derivedChanges").
type Change[T any] struct {
	Type          MutationType
	Key           string
	Value         T
	PreviousValue *T
}
