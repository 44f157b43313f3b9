package pancake

import (
	"github.com/pancake-db/ssi-engine/internal/txn"
	"github.com/pkg/errors"
)

// Sentinel errors for the pancake public API. Each is a plain pkg/errors
// value (no wrapped cause), so standard errors.Is comparisons against
// these exact values work regardless of how deep a caller's own
// errors.Wrap chain runs.
var (
	// ErrConflict is returned by DB.Txn/DB.CommitOrAbort when a transaction's
	// read set overlapped a key committed after its snapshot.
	ErrConflict = errors.New("pancake: transaction conflict")

	// ErrCreationInProgress is returned by CreateScndIdx when the same
	// SubValueSpec is already registered, whether still backfilling or
	// already ready.
	ErrCreationInProgress = errors.New("pancake: secondary index already exists or is being created")

	// ErrIndexMissing is returned when an operation names a secondary
	// index that was never registered, was already torn down, or hasn't
	// finished backfilling yet. Aliased to txn.ErrIndexMissing (rather
	// than a second independent value) so errors.Is works against the
	// error Txn.GetSVRange actually returns.
	ErrIndexMissing = txn.ErrIndexMissing

	// ErrIoError names the unexpected-filesystem-failure error kind. No
	// operation in this package returns it: filesystem failures surface as
	// the underlying error, wrapped with context.
	ErrIoError = errors.New("pancake: io error")

	// ErrDeserError names the corrupt-on-disk-encoding error kind. No
	// operation in this package returns it: decode failures surface as the
	// decoder's own error.
	ErrDeserError = errors.New("pancake: deserialization error")

	// ErrChannelFull is returned when a signal channel to the F+C worker
	// (e.g. the secondary-index request queue) is saturated.
	ErrChannelFull = errors.New("pancake: internal channel full")

	// ErrChannelClosed names the closed-internal-channel error kind. No
	// operation in this package returns it.
	ErrChannelClosed = errors.New("pancake: internal channel closed")

	// ErrCancelled names the cancelled-operation error kind. No operation
	// in this package takes a context or returns it.
	ErrCancelled = errors.New("pancake: operation cancelled")
)
