package appenderator

import "github.com/pkg/errors"

// Sentinel errors returned by the producer-facing API. Callers should use
// errors.Is (or pkg/errors.Cause plus ==) to test for these rather than
// matching on message text, since every internal layer wraps them with
// github.com/pkg/errors for context as they cross a boundary.
var (
	// ErrSegmentNotWritable is returned by Add when the target sink's
	// current hydrant has already been swapped and no new hydrant has
	// been created, which should never happen under the single-producer
	// contract but is checked rather than assumed.
	ErrSegmentNotWritable = errors.New("appenderator: segment is not writable")

	// ErrCommitterNotSupported is returned by Add when a non-nil
	// committer is supplied. Batch ingestion has no committed
	// metadata concept.
	ErrCommitterNotSupported = errors.New("appenderator: committer not supported in batch mode")

	// ErrIncrementalPersistsRequired is returned by Add when
	// allowIncrementalPersists is false. Batch ingestion always persists
	// eagerly under memory pressure.
	ErrIncrementalPersistsRequired = errors.New("appenderator: batch appenderator requires allowIncrementalPersists=true")

	// ErrDataSourceMismatch is returned by Add when the identifier's
	// data source does not match the appenderator's configured schema.
	ErrDataSourceMismatch = errors.New("appenderator: identifier dataSource does not match appenderator schema")

	// ErrNotStarted is returned by any producer operation attempted
	// before StartJob has completed successfully.
	ErrNotStarted = errors.New("appenderator: StartJob has not been called")

	// ErrClosed is returned by any producer operation attempted after
	// Close or CloseNow has completed.
	ErrClosed = errors.New("appenderator: appenderator is closed")

	// ErrQueriesNotSupported is returned by the query forwarder when no
	// walker has been configured.
	ErrQueriesNotSupported = errors.New("appenderator: queries not supported on this appenderator")

	// ErrHeapLimitExceeded is returned from Add when, even after the
	// in-flight persist frees its estimated bytes, the projected
	// in-memory footprint still exceeds MaxBytesInMemory. It is fatal:
	// the appenderator latches persistError and will not accept further
	// rows.
	ErrHeapLimitExceeded = errors.New("appenderator: heap usage limit exceeded")
)

// InvariantViolation reports an internal consistency check that failed,
// indicating either a programming error in the appenderator itself or
// corruption of the on-disk persist directory. It is always fatal and is
// latched the same way an I/O error is.
type InvariantViolation struct {
	What string
}

func (e *InvariantViolation) Error() string {
	return "appenderator: invariant violation: " + e.What
}

// ErrInvariantViolation constructs a fatal InvariantViolation error with a
// human-readable description of what failed.
func ErrInvariantViolation(what string) error {
	return &InvariantViolation{What: what}
}
