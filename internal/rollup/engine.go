package rollup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/demoshop/funnel-analytics/internal/domain"
	"github.com/demoshop/funnel-analytics/internal/lifecycle"
	"github.com/demoshop/funnel-analytics/internal/projection"
	"github.com/demoshop/funnel-analytics/internal/store"
)

// Engine incrementally materializes rollup buckets. Each Advance scans the
// event log strictly past the committed watermark, classifies the entities a
// bucket could have changed, and commits the derived buckets together with
// the new watermark as one atomic unit. A crash between scan and commit
// leaves the watermark untouched; the next run re-derives identical buckets.
//
// The engine owns no scheduler. An external trigger (HTTP endpoint, the
// cmd/rollup ticker) invokes Advance; overlapping invocations for the same
// granularity are rejected with domain.ErrRollupBusy.
type Engine struct {
	events  store.EventStore
	rollups store.RollupStore
	proj    *projection.Projection
	machine *lifecycle.Machine
	log     *zap.Logger

	safetyLag time.Duration
	now       func() time.Time

	mu     sync.Mutex
	states map[domain.Granularity]*granState
}

// granState is per-granularity advance state. Its mutex enforces single
// flight; stages snapshots the per-user stage at the committed watermark so
// transition detection needs no bucket rescans.
type granState struct {
	mu     sync.Mutex
	warmed bool
	stages map[string]domain.Stage
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine over the given stores. The projection is shared
// with the funnel service; it tolerates concurrent reads during an advance.
func NewEngine(events store.EventStore, rollups store.RollupStore, proj *projection.Projection,
	machine *lifecycle.Machine, safetyLag time.Duration, log *zap.Logger, opts ...Option) *Engine {

	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		events:    events,
		rollups:   rollups,
		proj:      proj,
		machine:   machine,
		log:       log,
		safetyLag: safetyLag,
		now:       time.Now,
		states:    map[domain.Granularity]*granState{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) state(g domain.Granularity) *granState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[g]
	if !ok {
		st = &granState{stages: map[string]domain.Stage{}}
		e.states[g] = st
	}
	return st
}

// Advance rolls the granularity forward to now minus the safety lag,
// truncated to the last complete bucket boundary. It returns the committed
// watermark, unchanged when there is nothing new to roll up. Transient store
// errors abort without moving the watermark and are safe to retry.
func (e *Engine) Advance(ctx context.Context, g domain.Granularity) (time.Time, error) {
	st := e.state(g)
	if !st.mu.TryLock() {
		return time.Time{}, domain.ErrRollupBusy
	}
	defer st.mu.Unlock()

	watermark, err := e.rollups.Watermark(ctx, g)
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark: %w", err)
	}

	if !st.warmed {
		if err := e.warmup(ctx, st, g, watermark); err != nil {
			return time.Time{}, err
		}
	}

	// The safety lag keeps the scan clear of in-flight appends near "now";
	// only complete buckets are rolled up.
	until := g.Truncate(e.now().Add(-e.safetyLag))
	if !until.After(watermark) {
		return watermark, nil
	}

	buckets, stages, err := e.derive(ctx, st, g, watermark, until)
	if err != nil {
		return time.Time{}, err
	}

	commit := store.RollupCommit{
		Granularity: g,
		Buckets:     buckets,
		Entities:    e.proj.Records(until),
		Watermark:   until,
	}
	if err := e.rollups.CommitRollup(ctx, commit); err != nil {
		return time.Time{}, fmt.Errorf("commit rollup: %w", err)
	}

	// Swap the snapshot only after the commit lands, so a failed commit
	// leaves the in-memory state consistent with the stored watermark.
	st.stages = stages

	e.log.Info("rollup advanced",
		zap.String("granularity", string(g)),
		zap.Time("watermark", until),
		zap.Int("buckets", len(buckets)))
	return until, nil
}

// warmup rebuilds in-memory state after a restart: replay the log through the
// committed watermark, then snapshot every user's stage at the watermark.
func (e *Engine) warmup(ctx context.Context, st *granState, g domain.Granularity, watermark time.Time) error {
	if !watermark.IsZero() {
		err := e.events.Scan(ctx, time.Time{}, watermark, func(ev domain.Event) error {
			return e.applyLogged(ev)
		})
		if err != nil {
			return fmt.Errorf("warmup scan: %w", err)
		}
		for _, uid := range e.proj.UserIDs() {
			if s := e.machine.Classify(e.proj, uid, watermark); s != domain.StageUnknown {
				st.stages[uid] = s
			}
		}
	}
	st.warmed = true
	return nil
}

// applyLogged folds an event into the projection; events the store accepted
// but the projection rejects are logged and skipped, never fatal.
func (e *Engine) applyLogged(ev domain.Event) error {
	if err := e.proj.Apply(ev); err != nil {
		e.log.Warn("skipping unprocessable event",
			zap.String("event_id", ev.ID.String()),
			zap.Error(err))
	}
	return nil
}

// derive scans (watermark, until], applies the events, and computes the
// bucket aggregates. All mutation happens on a copy of the stage snapshot;
// the caller swaps it in only once the commit succeeds.
func (e *Engine) derive(ctx context.Context, st *granState, g domain.Granularity,
	watermark, until time.Time) ([]domain.Bucket, map[string]domain.Stage, error) {

	affected := map[time.Time]map[string]struct{}{} // bucket end boundary -> user ids
	var firstEvent time.Time

	err := e.events.Scan(ctx, watermark, until, func(ev domain.Event) error {
		if err := e.applyLogged(ev); err != nil {
			return err
		}
		if firstEvent.IsZero() {
			firstEvent = ev.OccurredAt
		}
		uid, ok := e.userFor(ev)
		if !ok {
			return nil
		}
		boundary := g.Next(g.Truncate(ev.OccurredAt))
		set, ok := affected[boundary]
		if !ok {
			set = map[string]struct{}{}
			affected[boundary] = set
		}
		set[uid] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan events: %w", err)
	}

	stages := make(map[string]domain.Stage, len(st.stages))
	for uid, s := range st.stages {
		stages[uid] = s
	}
	counts := tally(stages)

	start := g.Next(watermark)
	if watermark.IsZero() {
		if firstEvent.IsZero() {
			return nil, stages, nil // empty log, just move the watermark
		}
		start = g.Next(g.Truncate(firstEvent))
	}

	var buckets []domain.Bucket
	for boundary := start; !boundary.After(until); boundary = g.Next(boundary) {
		b := e.deriveBucket(g, boundary, affected[boundary], stages, counts)
		if b != nil {
			buckets = append(buckets, *b)
		}
	}
	return buckets, stages, nil
}

// deriveBucket classifies the bucket's candidate users at its end boundary
// and diffs against the running snapshot. Candidates are users with events in
// the bucket plus every current prospect/customer: those can churn by
// inactivity with no event at all. Returns nil when the bucket holds no
// changes and no events, in which case it is not materialized and the
// previous bucket keeps covering it.
func (e *Engine) deriveBucket(g domain.Granularity, boundary time.Time,
	eventUsers map[string]struct{}, stages map[string]domain.Stage, counts map[domain.Stage]int64) *domain.Bucket {

	candidates := make(map[string]struct{}, len(eventUsers))
	for uid := range eventUsers {
		candidates[uid] = struct{}{}
	}
	for uid, s := range stages {
		if s == domain.StageProspect || s == domain.StageCustomer {
			candidates[uid] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Deterministic iteration keeps re-derived buckets byte-identical.
	ordered := make([]string, 0, len(candidates))
	for uid := range candidates {
		ordered = append(ordered, uid)
	}
	sort.Strings(ordered)

	transitions := map[domain.Transition]int64{}
	defects := map[string]string{}

	for _, uid := range ordered {
		if reason, bad := e.proj.Defect(uid); bad {
			// Contradictory history: drop the user from the counts and flag
			// the bucket, keep the engine running.
			if prev, ok := stages[uid]; ok {
				counts[prev]--
				delete(stages, uid)
			}
			defects[uid] = reason
			continue
		}

		next := e.machine.Classify(e.proj, uid, boundary)
		prev, known := stages[uid]
		if !known {
			prev = domain.StageUnknown
		}
		if next == prev {
			continue
		}
		transitions[domain.Transition{From: prev, To: next}]++
		if known {
			counts[prev]--
		}
		if next == domain.StageUnknown {
			delete(stages, uid)
		} else {
			stages[uid] = next
			counts[next]++
		}
	}

	if len(transitions) == 0 && len(defects) == 0 && len(eventUsers) == 0 {
		return nil
	}
	return &domain.Bucket{
		Boundary:    boundary,
		Granularity: g,
		StageCounts: snapshot(counts),
		Transitions: transitions,
		Defects:     defects,
	}
}

// userFor attributes an event to the user whose lifecycle it can move.
func (e *Engine) userFor(ev domain.Event) (string, bool) {
	if uid := ev.Str("user_id"); uid != "" {
		return uid, true
	}
	if ev.Kind == domain.KindPaymentReceived {
		return e.proj.OwnerOf(ev.Str("invoice_id"))
	}
	return "", false
}

func tally(stages map[string]domain.Stage) map[domain.Stage]int64 {
	counts := map[domain.Stage]int64{}
	for _, s := range stages {
		counts[s]++
	}
	return counts
}

// snapshot copies the running counts, one row per reportable stage so bucket
// rows stay stable across recomputation.
func snapshot(counts map[domain.Stage]int64) map[domain.Stage]int64 {
	out := make(map[domain.Stage]int64, len(domain.Stages))
	for _, s := range domain.Stages {
		out[s] = counts[s]
	}
	return out
}
