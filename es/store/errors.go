package store

import "errors"

var (
	// ErrConcurrencyConflict indicates an expected-version mismatch during
	// append, or a lost race with another writer on the same stream.
	// Callers should re-read the stream's current version and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")

	// ErrInvalidArgument indicates a malformed request (empty stream id,
	// negative position, ...). Not retryable.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageUnavailable indicates a transient infrastructure fault.
	// Safe to retry with backoff; batch event ids prevent duplication.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound indicates an unknown snapshot or checkpoint on an
	// explicit lookup. Stream reads return empty results instead.
	ErrNotFound = errors.New("not found")

	// ErrCheckpointConflict indicates a lost compare-and-set on a
	// subscription checkpoint: another poller advanced the same
	// subscription id concurrently.
	ErrCheckpointConflict = errors.New("checkpoint conflict")
)

// IsRetryable reports whether the caller may retry the failed operation.
// Conflicts are retryable after re-reading state; storage faults are
// retryable with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrStorageUnavailable)
}
