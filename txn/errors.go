package txn

import "errors"

var (
	// ErrNotPending is returned by Persist when the transaction has already
	// left the pending state.
	ErrNotPending = errors.New("txn: transaction is not pending")

	// ErrAwaitTimeout is returned by SeenTxIDStore.AwaitTxID when the
	// deadline elapses before the id is marked seen.
	ErrAwaitTimeout = errors.New("txn: timed out waiting for transaction id")

	// ErrMutationRecordType is returned by Tx.Record when a mutation value
	// does not implement the mutationRecord contract collection.Mutation[T]
	// satisfies.
	ErrMutationRecordType = errors.New("txn: mutation value does not satisfy mutationRecord")
)
