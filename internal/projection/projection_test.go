package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demoshop/funnel-analytics/internal/domain"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

func apply(t *testing.T, p *Projection, kind domain.Kind, ts time.Time, payload map[string]any) domain.Event {
	t.Helper()
	ev := domain.NewEvent(kind, ts, payload)
	require.NoError(t, p.Apply(ev))
	return ev
}

func TestApply_Idempotent(t *testing.T) {
	p := New(nil)

	ev := apply(t, p, domain.KindAccountCreated, at(0), map[string]any{"user_id": "u1", "email": "u1@example.com"})
	before, err := p.Resolve("u1", at(5))
	require.NoError(t, err)
	events := len(p.UserEvents("u1", at(5)))

	// Applying the same event again must not change state.
	require.NoError(t, p.Apply(ev))
	after, err := p.Resolve("u1", at(5))
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, events, len(p.UserEvents("u1", at(5))))
}

func TestResolve_PointInTime(t *testing.T) {
	p := New(nil)
	apply(t, p, domain.KindAccountCreated, at(10), map[string]any{"user_id": "u1", "email": "u1@example.com"})
	apply(t, p, domain.KindAccountDeleted, at(50), map[string]any{"user_id": "u1"})

	_, err := p.Resolve("u1", at(5))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	mid, err := p.Resolve("u1", at(30))
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", mid.Email)
	assert.Equal(t, at(10), mid.CreatedAt)
	assert.Nil(t, mid.DeactivatedAt)
	assert.True(t, mid.ActiveAt(at(30)))

	// The record is retained after deletion for historical queries.
	late, err := p.Resolve("u1", at(60))
	require.NoError(t, err)
	require.NotNil(t, late.DeactivatedAt)
	assert.Equal(t, at(50), *late.DeactivatedAt)
	assert.False(t, late.ActiveAt(at(60)))
}

func TestResolve_ShopOwnership(t *testing.T) {
	p := New(nil)
	apply(t, p, domain.KindAccountCreated, at(0), map[string]any{"user_id": "u1", "email": "u1@example.com"})
	apply(t, p, domain.KindShopCreated, at(10), map[string]any{"user_id": "u1", "shop_id": "s1", "plan_id": "basic"})

	shop, err := p.Resolve("s1", at(20))
	require.NoError(t, err)
	assert.Equal(t, domain.EntityShop, shop.Kind)
	assert.Equal(t, "u1", shop.OwnerID)
	assert.Equal(t, "basic", shop.PlanID)

	owner, ok := p.OwnerOf("s1")
	require.True(t, ok)
	assert.Equal(t, "u1", owner)
}

func TestApply_OutOfOrderArrival(t *testing.T) {
	p := New(nil)
	// Deletion applied before creation; resolve must still see both in
	// timestamp order.
	apply(t, p, domain.KindAccountDeleted, at(50), map[string]any{"user_id": "u1"})
	apply(t, p, domain.KindAccountCreated, at(10), map[string]any{"user_id": "u1", "email": "u1@example.com"})

	rec, err := p.Resolve("u1", at(60))
	require.NoError(t, err)
	assert.Equal(t, at(10), rec.CreatedAt)
	require.NotNil(t, rec.DeactivatedAt)
	assert.Equal(t, at(50), *rec.DeactivatedAt)
}

func TestApply_PaymentForUnknownInvoice(t *testing.T) {
	p := New(nil)
	apply(t, p, domain.KindAccountCreated, at(0), map[string]any{"user_id": "u1", "email": "u1@example.com"})

	// Referential integrity is a projection concern: the orphan payment is
	// dropped, not attached to anyone, and the invoice is flagged.
	apply(t, p, domain.KindPaymentReceived, at(10), map[string]any{
		"payment_id": "p1", "invoice_id": "ghost", "amount": 9.99,
	})

	assert.Len(t, p.UserEvents("u1", at(20)), 1)
	reason, flagged := p.Defect("ghost")
	assert.True(t, flagged)
	assert.Contains(t, reason, "unknown invoice")
}

func TestDefect_EventAfterAccountDeletion(t *testing.T) {
	p := New(nil)
	apply(t, p, domain.KindAccountCreated, at(0), map[string]any{"user_id": "u1", "email": "u1@example.com"})
	apply(t, p, domain.KindAccountDeleted, at(10), map[string]any{"user_id": "u1"})

	_, flagged := p.Defect("u1")
	assert.False(t, flagged)

	apply(t, p, domain.KindShopCreated, at(20), map[string]any{"user_id": "u1", "shop_id": "s1", "plan_id": "basic"})

	reason, flagged := p.Defect("u1")
	assert.True(t, flagged)
	assert.Contains(t, reason, "after account deletion")
}

func TestDefect_ReentryAfterDeactivationIsClean(t *testing.T) {
	p := New(nil)
	apply(t, p, domain.KindAccountCreated, at(0), map[string]any{"user_id": "u1", "email": "u1@example.com"})
	apply(t, p, domain.KindAccountDeactivated, at(10), map[string]any{"user_id": "u1"})

	// Deactivation is not terminal: coming back is allowed, not a defect.
	apply(t, p, domain.KindShopCreated, at(20), map[string]any{"user_id": "u1", "shop_id": "s1", "plan_id": "basic"})

	_, flagged := p.Defect("u1")
	assert.False(t, flagged)
}

func TestUserEvents_PrefixExcludesLaterEvents(t *testing.T) {
	p := New(nil)
	apply(t, p, domain.KindAccountCreated, at(0), map[string]any{"user_id": "u1", "email": "u1@example.com"})
	apply(t, p, domain.KindShopCreated, at(30), map[string]any{"user_id": "u1", "shop_id": "s1", "plan_id": "basic"})

	assert.Len(t, p.UserEvents("u1", at(10)), 1)
	assert.Len(t, p.UserEvents("u1", at(30)), 2)
}

func TestRecords_SnapshotAsOf(t *testing.T) {
	p := New(nil)
	apply(t, p, domain.KindAccountCreated, at(0), map[string]any{"user_id": "u1", "email": "u1@example.com"})
	apply(t, p, domain.KindShopCreated, at(10), map[string]any{"user_id": "u1", "shop_id": "s1", "plan_id": "basic"})
	apply(t, p, domain.KindAccountCreated, at(90), map[string]any{"user_id": "u2", "email": "u2@example.com"})

	records := p.Records(at(20))
	require.Len(t, records, 2) // u1 and s1; u2 not created yet at as-of
	assert.Equal(t, "s1", records[0].ID)
	assert.Equal(t, "u1", records[1].ID)
}
