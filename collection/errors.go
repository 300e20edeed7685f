package collection

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveTransaction is returned when insert/update/delete is
	// called with no active transaction bound (spec §4.5: "getActiveTransaction()
	// outside mutate is undefined; mutation calls throw").
	ErrNoActiveTransaction = errors.New("collection: no active transaction")

	// ErrKeyCountMismatch reports more explicit keys than items. Insert
	// takes exactly one item and at most one key, so no function in this
	// package returns it.
	ErrKeyCountMismatch = errors.New("collection: more keys than items given")

	// ErrNoChange is returned when an update's mutator produced no diff
	// against any targeted item.
	ErrNoChange = errors.New("collection: update produced no change")

	// ErrInvalidMutationTarget is returned when delete/update is given an
	// argument that resolves to neither a key nor a tracked value.
	ErrInvalidMutationTarget = errors.New("collection: invalid mutation target")

	// ErrNotFound is returned when a key does not resolve to a value in
	// derived state.
	ErrNotFound = errors.New("collection: key not found")

	// ErrAdapterProtocol covers sync-channel misuse: writes outside a
	// begin/commit pair, a double commit, or a commit with no matching
	// begin (spec §7 "AdapterProtocol").
	ErrAdapterProtocol = errors.New("collection: adapter protocol violation")
)

// IndexEvaluationError wraps an error raised by an index's eval function
// during Add, where spec §7 requires the failure to be fatal to the call
// (Remove failures are logged and skipped instead; see package index).
type IndexEvaluationError struct {
	IndexID string
	Err     error
}

func (e *IndexEvaluationError) Error() string {
	return fmt.Sprintf("collection: index %q evaluation failed: %v", e.IndexID, e.Err)
}

func (e *IndexEvaluationError) Unwrap() error { return e.Err }
