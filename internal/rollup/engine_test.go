package rollup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demoshop/funnel-analytics/internal/domain"
	"github.com/demoshop/funnel-analytics/internal/lifecycle"
	"github.com/demoshop/funnel-analytics/internal/projection"
	"github.com/demoshop/funnel-analytics/internal/store"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

func record(t *testing.T, st store.EventStore, kind domain.Kind, ts time.Time, payload map[string]any) {
	t.Helper()
	require.NoError(t, st.Append(context.Background(), domain.NewEvent(kind, ts, payload)))
}

func newEngine(st store.Store, window time.Duration, now time.Time) (*Engine, *projection.Projection) {
	proj := projection.New(nil)
	machine := lifecycle.New(window)
	eng := NewEngine(st, st, proj, machine, 0, nil, WithClock(func() time.Time { return now }))
	return eng, proj
}

// seedFunnel records one user walking to customer in the first hour and a
// second user signing up in the next.
func seedFunnel(t *testing.T, st store.EventStore) {
	record(t, st, domain.KindAccountCreated, at(10), map[string]any{"user_id": "u1", "email": "u1@example.com"})
	record(t, st, domain.KindShopCreated, at(20), map[string]any{"user_id": "u1", "shop_id": "s1", "plan_id": "basic"})
	record(t, st, domain.KindInvoiceCreated, at(30), map[string]any{"invoice_id": "i1", "user_id": "u1", "shop_id": "s1", "amount": 10.0})
	record(t, st, domain.KindPaymentReceived, at(40), map[string]any{"payment_id": "p1", "invoice_id": "i1", "amount": 10.0})
	record(t, st, domain.KindAccountCreated, at(75), map[string]any{"user_id": "u2", "email": "u2@example.com"})
}

func TestAdvance_MaterializesBuckets(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFunnel(t, st)

	eng, _ := newEngine(st, time.Hour, at(180))
	watermark, err := eng.Advance(ctx, domain.Hourly)
	require.NoError(t, err)
	assert.Equal(t, at(180), watermark)

	hour1, err := st.StageCounts(ctx, domain.Hourly, at(60))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hour1[domain.StageCustomer])
	assert.Equal(t, int64(0), hour1[domain.StageLead])

	hour2, err := st.StageCounts(ctx, domain.Hourly, at(120))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hour2[domain.StageCustomer])
	assert.Equal(t, int64(1), hour2[domain.StageLead])

	// No events and no stage changes in hour 3: not materialized, the hour-2
	// bucket keeps covering.
	_, err = st.StageCounts(ctx, domain.Hourly, at(180))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	latest, err := st.LatestBucket(ctx, domain.Hourly, at(180))
	require.NoError(t, err)
	assert.Equal(t, at(120), latest)

	trs, err := st.TransitionCounts(ctx, domain.Hourly, at(0), at(180))
	require.NoError(t, err)
	assert.Equal(t, int64(1), trs[domain.Transition{From: domain.StageUnknown, To: domain.StageCustomer}])
	assert.Equal(t, int64(1), trs[domain.Transition{From: domain.StageUnknown, To: domain.StageLead}])
}

func TestAdvance_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFunnel(t, st)

	eng, _ := newEngine(st, time.Hour, at(180))
	first, err := eng.Advance(ctx, domain.Hourly)
	require.NoError(t, err)

	before, err := st.StageCounts(ctx, domain.Hourly, at(120))
	require.NoError(t, err)

	// No new events between calls: watermark and buckets must not move.
	second, err := eng.Advance(ctx, domain.Hourly)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	after, err := st.StageCounts(ctx, domain.Hourly, at(120))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// For any boundary behind the watermark, the bucket distribution equals
// direct classification over every known entity: the rollup is a cache,
// never new truth.
func TestAdvance_ConsistencyWithDirectClassification(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFunnel(t, st)

	eng, proj := newEngine(st, time.Hour, at(180))
	_, err := eng.Advance(ctx, domain.Hourly)
	require.NoError(t, err)

	machine := lifecycle.New(time.Hour)
	for _, boundary := range []time.Time{at(60), at(120)} {
		direct := map[domain.Stage]int64{}
		for _, uid := range proj.UserIDs() {
			if s := machine.Classify(proj, uid, boundary); s != domain.StageUnknown {
				direct[s]++
			}
		}
		stored, err := st.StageCounts(ctx, domain.Hourly, boundary)
		require.NoError(t, err)
		for _, stage := range domain.Stages {
			assert.Equal(t, direct[stage], stored[stage], "stage %s at %s", stage, boundary)
		}
	}
}

// A fresh engine over the same store (a restart) re-derives state from the
// log and continues producing buckets consistent with the first engine's.
func TestAdvance_RestartWarmup(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFunnel(t, st)

	engA, _ := newEngine(st, time.Hour, at(180))
	_, err := engA.Advance(ctx, domain.Hourly)
	require.NoError(t, err)

	// New activity past the watermark, then a restart.
	record(t, st, domain.KindShopCreated, at(195), map[string]any{"user_id": "u2", "shop_id": "s2", "plan_id": "pro"})

	engB, _ := newEngine(st, time.Hour, at(300))
	watermark, err := engB.Advance(ctx, domain.Hourly)
	require.NoError(t, err)
	assert.Equal(t, at(300), watermark)

	hour4, err := st.StageCounts(ctx, domain.Hourly, at(240))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hour4[domain.StageProspect])

	trs, err := st.TransitionCounts(ctx, domain.Hourly, at(180), at(300))
	require.NoError(t, err)
	assert.Equal(t, int64(1), trs[domain.Transition{From: domain.StageLead, To: domain.StageProspect}])
}

// Churn by inactivity happens with no event at all; eventless buckets still
// record the transition.
func TestAdvance_WindowedChurnWithoutEvents(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	record(t, st, domain.KindAccountCreated, at(10), map[string]any{"user_id": "u1", "email": "u1@example.com"})
	record(t, st, domain.KindShopCreated, at(20), map[string]any{"user_id": "u1", "shop_id": "s1", "plan_id": "basic"})
	record(t, st, domain.KindInvoiceCreated, at(25), map[string]any{"invoice_id": "i1", "user_id": "u1", "shop_id": "s1", "amount": 10.0})
	record(t, st, domain.KindPaymentReceived, at(30), map[string]any{"payment_id": "p1", "invoice_id": "i1", "amount": 10.0})
	record(t, st, domain.KindShopDeleted, at(40), map[string]any{"user_id": "u1", "shop_id": "s1"})

	eng, _ := newEngine(st, time.Hour, at(240))
	_, err := eng.Advance(ctx, domain.Hourly)
	require.NoError(t, err)

	// Hour 1: still customer, the payment is inside the window.
	hour1, err := st.StageCounts(ctx, domain.Hourly, at(60))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hour1[domain.StageCustomer])

	// By 02:00 the window has lapsed with zero active shops: churned, in a
	// bucket containing no events.
	hour2, err := st.StageCounts(ctx, domain.Hourly, at(120))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hour2[domain.StageChurned])
	assert.Equal(t, int64(0), hour2[domain.StageCustomer])

	trs, err := st.TransitionCounts(ctx, domain.Hourly, at(60), at(120))
	require.NoError(t, err)
	assert.Equal(t, int64(1), trs[domain.Transition{From: domain.StageCustomer, To: domain.StageChurned}])
}

func TestAdvance_InconsistentHistoryExcluded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	record(t, st, domain.KindAccountCreated, at(5), map[string]any{"user_id": "u3", "email": "u3@example.com"})
	record(t, st, domain.KindAccountDeleted, at(10), map[string]any{"user_id": "u3"})
	record(t, st, domain.KindShopCreated, at(20), map[string]any{"user_id": "u3", "shop_id": "s9", "plan_id": "basic"})

	eng, _ := newEngine(st, time.Hour, at(120))
	_, err := eng.Advance(ctx, domain.Hourly)
	require.NoError(t, err)

	bucket, ok := st.Bucket(domain.Hourly, at(60))
	require.True(t, ok)
	assert.Contains(t, bucket.Defects, "u3")
	for _, stage := range domain.Stages {
		assert.Equal(t, int64(0), bucket.StageCounts[stage])
	}
}

// flakyRollups fails the first commit to simulate a crash between scan and
// commit.
type flakyRollups struct {
	store.RollupStore
	failures int
}

func (f *flakyRollups) CommitRollup(ctx context.Context, c store.RollupCommit) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.RollupStore.CommitRollup(ctx, c)
}

func TestAdvance_FailedCommitLeavesWatermarkAndRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFunnel(t, st)

	proj := projection.New(nil)
	machine := lifecycle.New(time.Hour)
	flaky := &flakyRollups{RollupStore: st, failures: 1}
	eng := NewEngine(st, flaky, proj, machine, 0, nil, WithClock(func() time.Time { return at(180) }))

	_, err := eng.Advance(ctx, domain.Hourly)
	require.Error(t, err)

	w, err := st.Watermark(ctx, domain.Hourly)
	require.NoError(t, err)
	assert.True(t, w.IsZero())

	// The retry re-derives the same buckets and lands them.
	watermark, err := eng.Advance(ctx, domain.Hourly)
	require.NoError(t, err)
	assert.Equal(t, at(180), watermark)

	hour2, err := st.StageCounts(ctx, domain.Hourly, at(120))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hour2[domain.StageLead])
	assert.Equal(t, int64(1), hour2[domain.StageCustomer])
}

// gatedRollups blocks the first Watermark call so a second Advance can be
// attempted while the first holds the single-flight lock.
type gatedRollups struct {
	store.RollupStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRollups) Watermark(ctx context.Context, gr domain.Granularity) (time.Time, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.RollupStore.Watermark(ctx, gr)
}

func TestAdvance_SingleFlightPerGranularity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFunnel(t, st)

	proj := projection.New(nil)
	machine := lifecycle.New(time.Hour)
	gated := &gatedRollups{RollupStore: st, entered: make(chan struct{}), release: make(chan struct{})}
	eng := NewEngine(st, gated, proj, machine, 0, nil, WithClock(func() time.Time { return at(180) }))

	done := make(chan error, 1)
	go func() {
		_, err := eng.Advance(ctx, domain.Hourly)
		done <- err
	}()

	<-gated.entered
	_, err := eng.Advance(ctx, domain.Hourly)
	assert.ErrorIs(t, err, domain.ErrRollupBusy)

	close(gated.release)
	require.NoError(t, <-done)
}

func TestAdvance_DailyGranularity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedFunnel(t, st)

	now := base.Add(49 * time.Hour) // two full days complete
	eng, _ := newEngine(st, time.Hour, now)
	watermark, err := eng.Advance(ctx, domain.Daily)
	require.NoError(t, err)
	assert.Equal(t, base.Add(48*time.Hour), watermark)

	day1, err := st.StageCounts(ctx, domain.Daily, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), day1[domain.StageLead])
	assert.Equal(t, int64(1), day1[domain.StageCustomer])
}