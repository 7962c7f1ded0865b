package projection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/demoshop/funnel-analytics/internal/domain"
)

// Projection maintains derived identity records and per-user event timelines
// from the immutable log. It is a pure cache: every answer it gives is a
// function of the events applied so far, and applying the same event twice
// changes nothing.
//
// Reads may run concurrently with writes; an Apply is atomic, so a reader
// observes either the pre- or post-event state, never a partial update.
type Projection struct {
	mu        sync.RWMutex
	seen      map[uuid.UUID]struct{}
	timelines map[string][]domain.Event // entity id -> its identity events, (ts, id) order
	users     map[string][]domain.Event // user id -> all lifecycle-relevant events, (ts, id) order
	kinds     map[string]domain.EntityKind
	owners    map[string]string // shop/invoice id -> user id
	defects   map[string]string // user id -> reason

	log *zap.Logger
}

// New returns an empty projection.
func New(log *zap.Logger) *Projection {
	if log == nil {
		log = zap.NewNop()
	}
	return &Projection{
		seen:      map[uuid.UUID]struct{}{},
		timelines: map[string][]domain.Event{},
		users:     map[string][]domain.Event{},
		kinds:     map[string]domain.EntityKind{},
		owners:    map[string]string{},
		defects:   map[string]string{},
		log:       log,
	}
}

// Apply folds one event into the projection. Duplicate event identifiers are
// a no-op. Contradictory history (payments for unknown invoices, events
// referencing an already-deactivated entity) is surfaced as a warning and a
// per-user defect flag, never an error: the engine keeps running and the
// affected user is excluded from rollup counts until an operator intervenes.
func (p *Projection) Apply(ev domain.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[ev.ID]; dup {
		return nil
	}
	p.seen[ev.ID] = struct{}{}

	switch ev.Kind {
	case domain.KindAccountCreated, domain.KindAccountDeleted, domain.KindAccountDeactivated:
		user := ev.Str("user_id")
		p.track(user, domain.EntityUser, ev)
		p.attach(user, ev)

	case domain.KindShopCreated, domain.KindShopDeleted:
		user := ev.Str("user_id")
		shop := ev.Str("shop_id")
		p.checkOwnerAlive(user, ev)
		p.owners[shop] = user
		p.track(shop, domain.EntityShop, ev)
		p.attach(user, ev)

	case domain.KindInvoiceCreated:
		user := ev.Str("user_id")
		invoice := ev.Str("invoice_id")
		p.owners[invoice] = user
		p.track(invoice, domain.EntityInvoice, ev)
		p.attach(user, ev)

	case domain.KindPaymentReceived:
		invoice := ev.Str("invoice_id")
		user, ok := p.owners[invoice]
		if !ok {
			// Referential integrity is enforced here, not in the append-only
			// store. No owner means no user timeline to attach to: the
			// payment is dropped and the invoice flagged.
			p.flag(invoice, "payment for unknown invoice")
			return nil
		}
		p.attach(user, ev)
	}
	return nil
}

// track appends an identity event to an entity's own timeline.
func (p *Projection) track(entityID string, kind domain.EntityKind, ev domain.Event) {
	if prior, ok := p.kinds[entityID]; ok && prior != kind {
		p.flag(entityID, fmt.Sprintf("entity id reused across kinds (%s, %s)", prior, kind))
	}
	p.kinds[entityID] = kind
	p.timelines[entityID] = insertSorted(p.timelines[entityID], ev)
}

// attach merges an event into the owning user's lifecycle timeline.
func (p *Projection) attach(userID string, ev domain.Event) {
	p.users[userID] = insertSorted(p.users[userID], ev)
}

// checkOwnerAlive flags shop activity attributed to a user already deleted at
// the event's occurrence time. Deletion is terminal; deactivation is not, a
// deactivated user may legitimately come back through shop activity.
func (p *Projection) checkOwnerAlive(userID string, ev domain.Event) {
	for _, prior := range p.timelines[userID] {
		if prior.OccurredAt.After(ev.OccurredAt) {
			return
		}
		if prior.Kind == domain.KindAccountDeleted {
			p.flag(userID, fmt.Sprintf("%s after account deletion", ev.Kind))
			return
		}
	}
}

func (p *Projection) flag(entityID, reason string) {
	if _, already := p.defects[entityID]; already {
		return
	}
	p.defects[entityID] = reason
	p.log.Warn("inconsistent history",
		zap.String("entity_id", entityID),
		zap.String("reason", reason))
}

// insertSorted keeps timelines in (occurred_at, event_id) order under
// out-of-order arrival.
func insertSorted(events []domain.Event, ev domain.Event) []domain.Event {
	i := sort.Search(len(events), func(i int) bool { return ev.Before(events[i]) })
	events = append(events, domain.Event{})
	copy(events[i+1:], events[i:])
	events[i] = ev
	return events
}

// Resolve returns the identity record derived from the entity's event prefix
// up to asOf. domain.ErrNotFound when no creation event was observed by then.
func (p *Projection) Resolve(entityID string, asOf time.Time) (domain.EntityRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resolveLocked(entityID, asOf)
}

func (p *Projection) resolveLocked(entityID string, asOf time.Time) (domain.EntityRecord, error) {
	timeline := p.timelines[entityID]
	// Latest event <= asOf; everything after it is invisible at this instant.
	n := sort.Search(len(timeline), func(i int) bool { return timeline[i].OccurredAt.After(asOf) })
	if n == 0 {
		return domain.EntityRecord{}, domain.ErrNotFound
	}

	rec := domain.EntityRecord{ID: entityID, Kind: p.kinds[entityID]}
	created := false
	for _, ev := range timeline[:n] {
		switch ev.Kind {
		case domain.KindAccountCreated:
			if !created {
				rec.Email = ev.Str("email")
				rec.CreatedAt = ev.OccurredAt
				created = true
			}
		case domain.KindShopCreated:
			if !created {
				rec.OwnerID = ev.Str("user_id")
				rec.PlanID = ev.Str("plan_id")
				rec.CreatedAt = ev.OccurredAt
				created = true
			}
		case domain.KindInvoiceCreated:
			if !created {
				rec.OwnerID = ev.Str("user_id")
				rec.Amount, _ = ev.Amount()
				rec.CreatedAt = ev.OccurredAt
				created = true
			}
		case domain.KindAccountDeleted, domain.KindAccountDeactivated, domain.KindShopDeleted:
			if rec.DeactivatedAt == nil {
				t := ev.OccurredAt
				rec.DeactivatedAt = &t
			}
		}
	}
	if !created {
		// Only deletion/deactivation observed so far.
		return domain.EntityRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// UserEvents returns the user's lifecycle-relevant event prefix up to asOf,
// in (occurred_at, event_id) order. The slice is shared with the projection
// and must not be mutated.
func (p *Projection) UserEvents(userID string, asOf time.Time) []domain.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()

	timeline := p.users[userID]
	n := sort.Search(len(timeline), func(i int) bool { return timeline[i].OccurredAt.After(asOf) })
	return timeline[:n:n]
}

// UserIDs returns every user id with at least one observed event.
func (p *Projection) UserIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.users))
	for id := range p.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OwnerOf resolves a shop or invoice to its owning user id. A user id
// resolves to itself.
func (p *Projection) OwnerOf(entityID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.kinds[entityID] == domain.EntityUser {
		return entityID, true
	}
	owner, ok := p.owners[entityID]
	return owner, ok
}

// Defect reports whether the entity's history is flagged inconsistent.
func (p *Projection) Defect(entityID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	reason, ok := p.defects[entityID]
	return reason, ok
}

// Records snapshots every identity record as of the given instant, for
// persistence alongside a rollup commit.
func (p *Projection) Records(asOf time.Time) []domain.EntityRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.EntityRecord, 0, len(p.timelines))
	for id := range p.timelines {
		if rec, err := p.resolveLocked(id, asOf); err == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
