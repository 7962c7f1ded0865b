package funnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/demoshop/funnel-analytics/internal/domain"
	"github.com/demoshop/funnel-analytics/internal/lifecycle"
	"github.com/demoshop/funnel-analytics/internal/projection"
	"github.com/demoshop/funnel-analytics/internal/store"
)

// checkEvery bounds how many classifications run between context checks on
// the fallback path.
const checkEvery = 256

// Distribution is a stage distribution answer, serializable for the funnel
// diagram. Covered reports whether it came from rollup buckets or from
// direct classification past the watermark.
type Distribution struct {
	AsOf    time.Time              `json:"as_of"`
	Covered bool                   `json:"covered"`
	Stages  map[domain.Stage]int64 `json:"stages"`
}

// Service answers funnel queries from the rollup tables, falling back to
// direct classification only for instants the rollups do not cover yet.
// Queries are read-only and safe under unbounded concurrency.
type Service struct {
	events        store.EventStore
	rollups       store.RollupStore
	proj          *projection.Projection
	machine       *lifecycle.Machine
	granularities []domain.Granularity
	log           *zap.Logger
}

// NewService wires the query side. granularities lists the enabled rollup
// widths, finest first preference is applied internally.
func NewService(events store.EventStore, rollups store.RollupStore, proj *projection.Projection,
	machine *lifecycle.Machine, granularities []domain.Granularity, log *zap.Logger) *Service {

	if log == nil {
		log = zap.NewNop()
	}
	if len(granularities) == 0 {
		granularities = []domain.Granularity{domain.Hourly, domain.Daily}
	}
	return &Service{
		events:        events,
		rollups:       rollups,
		proj:          proj,
		machine:       machine,
		granularities: granularities,
		log:           log,
	}
}

// StageDistribution returns the stage distribution as of the given instant.
// When a rollup covers it, the nearest covering bucket is read back with no
// recomputation; otherwise every known entity is classified directly, which
// is bounded by entity count and supports cooperative cancellation through
// ctx.
func (s *Service) StageDistribution(ctx context.Context, asOf time.Time) (Distribution, error) {
	asOf = asOf.UTC()

	for _, g := range s.preferFinest() {
		watermark, err := s.rollups.Watermark(ctx, g)
		if err != nil {
			return Distribution{}, fmt.Errorf("load watermark: %w", err)
		}
		if watermark.IsZero() || asOf.After(watermark) {
			continue
		}
		boundary, err := s.rollups.LatestBucket(ctx, g, asOf)
		if errors.Is(err, domain.ErrNotFound) {
			// Covered but nothing materialized this early: empty funnel.
			return Distribution{AsOf: asOf, Covered: true, Stages: emptyStages()}, nil
		}
		if err != nil {
			return Distribution{}, err
		}
		stages, err := s.rollups.StageCounts(ctx, g, boundary)
		if err != nil {
			return Distribution{}, err
		}
		return Distribution{AsOf: asOf, Covered: true, Stages: stages}, nil
	}

	stages, err := s.classifyAll(ctx, asOf)
	if err != nil {
		return Distribution{}, err
	}
	return Distribution{AsOf: asOf, Covered: false, Stages: stages}, nil
}

// TransitionCounts sums stage transitions over buckets with boundaries in
// (from, to]. Valid only when the whole range is behind the watermark;
// otherwise domain.ErrStaleRange tells the caller to retry after the rollup
// advances.
func (s *Service) TransitionCounts(ctx context.Context, g domain.Granularity, from, to time.Time) (map[domain.Transition]int64, error) {
	from, to = g.Truncate(from), g.Truncate(to)
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must precede to", domain.ErrInvalidPayload)
	}
	watermark, err := s.rollups.Watermark(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if to.After(watermark) {
		return nil, domain.ErrStaleRange
	}
	return s.rollups.TransitionCounts(ctx, g, from, to)
}

// classifyAll is the stale-range path: replay any events the shared
// projection has not seen yet, then classify every known user at asOf.
func (s *Service) classifyAll(ctx context.Context, asOf time.Time) (map[domain.Stage]int64, error) {
	err := s.events.Scan(ctx, time.Time{}, asOf, func(ev domain.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.proj.Apply(ev); err != nil {
			s.log.Warn("skipping unprocessable event",
				zap.String("event_id", ev.ID.String()),
				zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}

	counts := emptyStages()
	for i, uid := range s.proj.UserIDs() {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if _, bad := s.proj.Defect(uid); bad {
			continue
		}
		if stage := s.machine.Classify(s.proj, uid, asOf); stage != domain.StageUnknown {
			counts[stage]++
		}
	}
	return counts, nil
}

// preferFinest orders enabled granularities hourly before daily so queries
// land on the tightest covering bucket.
func (s *Service) preferFinest() []domain.Granularity {
	ordered := make([]domain.Granularity, 0, len(s.granularities))
	for _, g := range s.granularities {
		if g == domain.Hourly {
			ordered = append(ordered, g)
		}
	}
	for _, g := range s.granularities {
		if g != domain.Hourly {
			ordered = append(ordered, g)
		}
	}
	return ordered
}

func emptyStages() map[domain.Stage]int64 {
	counts := make(map[domain.Stage]int64, len(domain.Stages))
	for _, s := range domain.Stages {
		counts[s] = 0
	}
	return counts
}
