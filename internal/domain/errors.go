package domain

import "errors"

// Error taxonomy. Nothing here is fatal to the process: malformed or
// contradictory history degrades the affected entity's results, not the
// system's availability.
var (
	// ErrDuplicateEvent reports an append whose identifier already exists.
	// Idempotent no-op for the caller.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidPayload reports an event rejected at ingestion; it is never
	// stored.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInconsistentHistory reports contradictory event history for an
	// entity (payment for an unknown invoice, events after deletion). The
	// entity is excluded from the current computation and flagged.
	ErrInconsistentHistory = errors.New("inconsistent history")

	// ErrNotFound reports an entity with no observed creation event at the
	// requested instant.
	ErrNotFound = errors.New("not found")

	// ErrStaleRange reports a transition-count query extending past the
	// watermark. The caller retries after the rollup advances or accepts the
	// direct-classification path.
	ErrStaleRange = errors.New("range not covered by rollups")

	// ErrRollupBusy reports an overlapping advance for the same granularity.
	// Advances are single-flight; the in-flight run wins.
	ErrRollupBusy = errors.New("rollup advance already in progress")

	// ErrInvalidGranularity reports an unrecognized granularity string.
	ErrInvalidGranularity = errors.New("invalid granularity")
)
