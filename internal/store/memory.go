package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/demoshop/funnel-analytics/internal/domain"
)

// MemoryStore is an in-process Store used by tests and for local development
// without a database. Appends and scans are safe to run concurrently; a scan
// observes a snapshot taken at call time, so writes landing mid-scan never
// appear partially.
type MemoryStore struct {
	mu     sync.RWMutex
	events []domain.Event // sorted by (OccurredAt, ID)
	ids    map[uuid.UUID]struct{}

	rollups    map[domain.Granularity]map[time.Time]domain.Bucket
	entities   map[string]domain.EntityRecord
	watermarks map[domain.Granularity]time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:        map[uuid.UUID]struct{}{},
		rollups:    map[domain.Granularity]map[time.Time]domain.Bucket{},
		entities:   map[string]domain.EntityRecord{},
		watermarks: map[domain.Granularity]time.Time{},
	}
}

func (m *MemoryStore) Append(ctx context.Context, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.ids[ev.ID]; dup {
		return domain.ErrDuplicateEvent
	}
	m.ids[ev.ID] = struct{}{}

	// Insert in (OccurredAt, ID) order so scans stay sorted under
	// out-of-order arrival.
	i := sort.Search(len(m.events), func(i int) bool { return ev.Before(m.events[i]) })
	m.events = append(m.events, domain.Event{})
	copy(m.events[i+1:], m.events[i:])
	m.events[i] = ev
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, since, until time.Time, fn func(domain.Event) error) error {
	m.mu.RLock()
	lo := sort.Search(len(m.events), func(i int) bool { return m.events[i].OccurredAt.After(since) })
	hi := sort.Search(len(m.events), func(i int) bool { return m.events[i].OccurredAt.After(until) })
	window := make([]domain.Event, hi-lo)
	copy(window, m.events[lo:hi])
	m.mu.RUnlock()

	for _, ev := range window {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Watermark(ctx context.Context, g domain.Granularity) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermarks[g], nil
}

func (m *MemoryStore) CommitRollup(ctx context.Context, c RollupCommit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byBoundary := m.rollups[c.Granularity]
	if byBoundary == nil {
		byBoundary = map[time.Time]domain.Bucket{}
		m.rollups[c.Granularity] = byBoundary
	}
	for _, b := range c.Buckets {
		byBoundary[b.Boundary.UTC()] = b
	}
	for _, r := range c.Entities {
		m.entities[r.ID] = r
	}
	m.watermarks[c.Granularity] = c.Watermark.UTC()
	return nil
}

func (m *MemoryStore) StageCounts(ctx context.Context, g domain.Granularity, boundary time.Time) (map[domain.Stage]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.rollups[g][boundary.UTC()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make(map[domain.Stage]int64, len(b.StageCounts))
	for s, n := range b.StageCounts {
		out[s] = n
	}
	return out, nil
}

func (m *MemoryStore) LatestBucket(ctx context.Context, g domain.Granularity, asOf time.Time) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best time.Time
	found := false
	for boundary := range m.rollups[g] {
		if !boundary.After(asOf) && (!found || boundary.After(best)) {
			best = boundary
			found = true
		}
	}
	if !found {
		return time.Time{}, domain.ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) TransitionCounts(ctx context.Context, g domain.Granularity, from, to time.Time) (map[domain.Transition]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := map[domain.Transition]int64{}
	for boundary, b := range m.rollups[g] {
		if boundary.After(from) && !boundary.After(to) {
			for tr, n := range b.Transitions {
				out[tr] += n
			}
		}
	}
	return out, nil
}

// Bucket returns the raw materialized bucket, for tests.
func (m *MemoryStore) Bucket(g domain.Granularity, boundary time.Time) (domain.Bucket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.rollups[g][boundary.UTC()]
	return b, ok
}

// Len reports the number of stored events, for tests.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Entity returns the persisted identity record, for tests.
func (m *MemoryStore) Entity(id string) (domain.EntityRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.entities[id]
	return r, ok
}

func (m *MemoryStore) Close() {}
