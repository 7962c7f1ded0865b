package lifecycle

import (
	"time"

	"github.com/demoshop/funnel-analytics/internal/domain"
)

// History supplies a user's lifecycle-relevant event prefix. The projection
// implements it; tests use fixed slices.
type History interface {
	// UserEvents returns the user's events with occurrence timestamp <= asOf,
	// ordered by (occurred_at, event_id).
	UserEvents(userID string, asOf time.Time) []domain.Event
}

// Machine computes lifecycle stages. Classification is a pure function of the
// event prefix and the inactivity window: re-running on an unchanged prefix
// never yields a different stage, and events with timestamps beyond asOf
// never leak into the answer.
//
// Stage transitions:
//
//	unknown  --account_created-------------> lead
//	lead     --shop_created (with plan)----> prospect
//	prospect --payment_received (first)----> customer
//	any      --account_deleted-------------> churned (terminal)
//	any      --account_deactivated---------> churned
//	prospect/customer, zero active shops and
//	         no payment within the window--> churned
//	churned  --shop_created----------------> prospect (re-entry; not after
//	                                          account deletion)
type Machine struct {
	window time.Duration
}

// New builds a machine with the given churn inactivity window. The window is
// configuration, not a model constant; zero disables the payment-recency leg
// so any user with no active shops churns immediately.
func New(window time.Duration) *Machine {
	return &Machine{window: window}
}

// Window returns the configured inactivity window.
func (m *Machine) Window() time.Duration { return m.window }

// Classify returns the user's stage exactly at asOf. Users with no observed
// account creation stay StageUnknown.
func (m *Machine) Classify(h History, userID string, asOf time.Time) domain.Stage {
	stage := domain.StageUnknown
	activeShops := map[string]struct{}{}
	deleted := false
	var lastPayment time.Time
	paid := false

	for _, ev := range h.UserEvents(userID, asOf) {
		switch ev.Kind {
		case domain.KindAccountCreated:
			if stage == domain.StageUnknown {
				stage = domain.StageLead
			}

		case domain.KindAccountDeleted:
			stage = domain.StageChurned
			deleted = true

		case domain.KindAccountDeactivated:
			if !deleted && stage != domain.StageUnknown {
				stage = domain.StageChurned
			}

		case domain.KindShopCreated:
			// The windowed churn rule must fire here too, not only at asOf: a
			// prospect or customer who sat shopless past the window had
			// already churned when this shop arrives, so it re-enters the
			// funnel instead of silently keeping the old stage.
			stage = m.applyInactivity(stage, deleted, len(activeShops), ev.OccurredAt, lastPayment, paid)
			activeShops[ev.Str("shop_id")] = struct{}{}
			if deleted {
				continue
			}
			if ev.Str("plan_id") == "" {
				continue // a shop without a plan does not advance the funnel
			}
			if stage == domain.StageLead || stage == domain.StageChurned {
				stage = domain.StageProspect
			}

		case domain.KindShopDeleted:
			delete(activeShops, ev.Str("shop_id"))

		case domain.KindPaymentReceived:
			if deleted {
				continue
			}
			paid = true
			if ev.OccurredAt.After(lastPayment) {
				lastPayment = ev.OccurredAt
			}
			if stage == domain.StageProspect {
				stage = domain.StageCustomer
			}
		}
	}

	// The same time-relative rule, evaluated at asOf itself: a prospect or
	// customer with zero active shops and no payment inside the window ending
	// at asOf has churned.
	return m.applyInactivity(stage, deleted, len(activeShops), asOf, lastPayment, paid)
}

// applyInactivity evaluates the churn-by-inactivity rule at the given
// instant: a prospect or customer with zero active shops and no payment
// within the window has churned. Deleted users are already terminal.
func (m *Machine) applyInactivity(stage domain.Stage, deleted bool, activeShops int,
	at, lastPayment time.Time, paid bool) domain.Stage {

	if deleted || (stage != domain.StageProspect && stage != domain.StageCustomer) {
		return stage
	}
	if activeShops == 0 && !m.paidWithin(at, lastPayment, paid) {
		return domain.StageChurned
	}
	return stage
}

func (m *Machine) paidWithin(asOf, lastPayment time.Time, paid bool) bool {
	if !paid {
		return false
	}
	return lastPayment.After(asOf.Add(-m.window))
}
