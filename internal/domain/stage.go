package domain

import "time"

// Stage classifies a user's relationship to the product at a point in time.
// Stages are derived, never stored as a mutable column: for a given user and
// timestamp they are a pure function of the event prefix up to that instant.
type Stage string

const (
	StageUnknown  Stage = "unknown"
	StageLead     Stage = "lead"
	StageProspect Stage = "prospect"
	StageCustomer Stage = "customer"
	StageChurned  Stage = "churned"
)

// Stages lists the reportable stages, funnel order. Unknown is implicit and
// excluded from distributions.
var Stages = []Stage{StageLead, StageProspect, StageCustomer, StageChurned}

// Transition is a stage change observed within a rollup bucket.
type Transition struct {
	From Stage `json:"from"`
	To   Stage `json:"to"`
}

// Granularity selects the rollup bucket width.
type Granularity string

const (
	Hourly Granularity = "hourly"
	Daily  Granularity = "daily"
)

// ParseGranularity validates a granularity string.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case Hourly:
		return Hourly, nil
	case Daily:
		return Daily, nil
	}
	return "", ErrInvalidGranularity
}

// Width returns the bucket duration.
func (g Granularity) Width() time.Duration {
	if g == Daily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate floors t to the bucket boundary in UTC. Daily buckets truncate to
// the UTC day regardless of the input location.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == Daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// Next returns the bucket boundary following b.
func (g Granularity) Next(b time.Time) time.Time {
	return b.Add(g.Width())
}

// Bucket is a materialized rollup aggregate, keyed by its end boundary.
// StageCounts is the stage distribution exactly at Boundary; Transitions
// counts stage changes that occurred within (Boundary-width, Boundary].
// Defects lists entities excluded from the counts because their history was
// inconsistent.
type Bucket struct {
	Boundary    time.Time
	Granularity Granularity
	StageCounts map[Stage]int64
	Transitions map[Transition]int64
	Defects     map[string]string // entity id -> reason
}
