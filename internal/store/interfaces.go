package store

import (
	"context"
	"time"

	"github.com/demoshop/funnel-analytics/internal/domain"
)

// EventStore is the append-only event log, the single source of truth.
// Implementations must support concurrent appends while a scan is in
// progress.
type EventStore interface {
	// Append durably records an event. Returns domain.ErrDuplicateEvent when
	// the identifier already exists; idempotent re-ingestion is the caller's
	// responsibility via stable identifiers.
	Append(ctx context.Context, ev domain.Event) error

	// Scan streams events with occurrence timestamp in the half-open window
	// (since, until], ordered by (occurred_at, event_id), to fn. A non-nil
	// error from fn stops the scan and is returned as-is.
	Scan(ctx context.Context, since, until time.Time, fn func(domain.Event) error) error

	// Ping validates connectivity for the readiness endpoint.
	Ping(ctx context.Context) error
}

// RollupCommit is the atomic unit written by one rollup advance: the buckets
// derived from the scanned window, the identity records current through the
// new watermark, and the watermark itself. Either all of it lands or none.
type RollupCommit struct {
	Granularity domain.Granularity
	Buckets     []domain.Bucket
	Entities    []domain.EntityRecord
	Watermark   time.Time
}

// RollupStore holds materialized aggregates. Buckets are a cache over the
// event log, never a source of new truth: overwriting a bucket with identical
// inputs must yield identical rows.
type RollupStore interface {
	// Watermark returns the boundary through which rollups are complete for
	// the granularity, or the zero time when no advance has committed yet.
	Watermark(ctx context.Context, g domain.Granularity) (time.Time, error)

	// CommitRollup applies a commit as a single atomic unit.
	CommitRollup(ctx context.Context, c RollupCommit) error

	// StageCounts reads the stage distribution of the bucket keyed by the
	// given end boundary. domain.ErrNotFound when the bucket was never
	// materialized.
	StageCounts(ctx context.Context, g domain.Granularity, boundary time.Time) (map[domain.Stage]int64, error)

	// LatestBucket returns the nearest materialized bucket boundary at or
	// before asOf. Eventless stretches are not materialized, so the covering
	// bucket for an instant may sit earlier than its own boundary.
	// domain.ErrNotFound when nothing is materialized yet.
	LatestBucket(ctx context.Context, g domain.Granularity, asOf time.Time) (time.Time, error)

	// TransitionCounts sums per-bucket transition counters over boundaries in
	// (from, to].
	TransitionCounts(ctx context.Context, g domain.Granularity, from, to time.Time) (map[domain.Transition]int64, error)
}

// Store is the full persistence surface the service wires up.
type Store interface {
	EventStore
	RollupStore
	Close()
}
