package domain

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies one of the lifecycle-relevant event types. The set is
// closed: ingestion rejects anything else with ErrInvalidPayload.
type Kind string

const (
	KindAccountCreated     Kind = "account_created"
	KindAccountDeleted     Kind = "account_deleted"
	KindAccountDeactivated Kind = "account_deactivated"
	KindShopCreated        Kind = "shop_created"
	KindShopDeleted        Kind = "shop_deleted"
	KindInvoiceCreated     Kind = "invoice_created"
	KindPaymentReceived    Kind = "payment_received"
)

// Kinds lists every valid event kind.
var Kinds = []Kind{
	KindAccountCreated,
	KindAccountDeleted,
	KindAccountDeactivated,
	KindShopCreated,
	KindShopDeleted,
	KindInvoiceCreated,
	KindPaymentReceived,
}

// requiredFields maps each kind to the payload fields it must carry.
// shop_created may omit plan_id: a plan-less shop is valid but does not
// advance the funnel.
var requiredFields = map[Kind][]string{
	KindAccountCreated:     {"user_id", "email"},
	KindAccountDeleted:     {"user_id"},
	KindAccountDeactivated: {"user_id"},
	KindShopCreated:        {"user_id", "shop_id"},
	KindShopDeleted:        {"user_id", "shop_id"},
	KindInvoiceCreated:     {"invoice_id", "user_id", "shop_id", "amount"},
	KindPaymentReceived:    {"payment_id", "invoice_id", "amount"},
}

// Event is an immutable fact in the log. Events are never mutated or deleted
// once recorded; processing order is (OccurredAt, ID).
type Event struct {
	ID         uuid.UUID      `json:"event_id"`
	Kind       Kind           `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh time-sortable (v7) identifier and a
// UTC-normalized timestamp.
func NewEvent(kind Kind, occurredAt time.Time, payload map[string]any) Event {
	return Event{
		ID:         uuid.Must(uuid.NewV7()),
		Kind:       kind,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}
}

// Validate checks the kind and the kind-specific required payload fields.
// Invalid events are rejected at ingestion and never stored.
func (e Event) Validate() error {
	fields, ok := requiredFields[e.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, e.Kind)
	}
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: event_id required", ErrInvalidPayload)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at required", ErrInvalidPayload)
	}
	for _, f := range fields {
		if f == "amount" {
			if _, ok := e.Amount(); !ok {
				return fmt.Errorf("%w: %s requires numeric %q", ErrInvalidPayload, e.Kind, f)
			}
			continue
		}
		if e.Str(f) == "" {
			return fmt.Errorf("%w: %s requires %q", ErrInvalidPayload, e.Kind, f)
		}
	}
	return nil
}

// Str returns a string payload field, or "" when absent.
func (e Event) Str(field string) string {
	v, _ := e.Payload[field].(string)
	return v
}

// Amount returns the numeric "amount" payload field. JSON decoding yields
// float64; integer literals from hand-built payloads are accepted too.
func (e Event) Amount() (float64, bool) {
	switch v := e.Payload["amount"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bucket returns the partition bucket: the occurrence timestamp floored to
// the hour, in UTC.
func (e Event) Bucket() time.Time {
	return Hourly.Truncate(e.OccurredAt)
}

// Before reports whether e orders before o: occurrence timestamp first,
// identifier bytes as tiebreak. v7 identifiers compare in generation order.
func (e Event) Before(o Event) bool {
	if !e.OccurredAt.Equal(o.OccurredAt) {
		return e.OccurredAt.Before(o.OccurredAt)
	}
	return bytes.Compare(e.ID[:], o.ID[:]) < 0
}
