package domain

import "time"

// EntityKind discriminates identity records.
type EntityKind string

const (
	EntityUser    EntityKind = "user"
	EntityShop    EntityKind = "shop"
	EntityInvoice EntityKind = "invoice"
)

// EntityRecord is a derived identity record. It exists from the moment the
// entity's creation event is observed and is retained after deactivation so
// point-in-time queries keep working.
type EntityRecord struct {
	ID            string
	Kind          EntityKind
	OwnerID       string // shop -> user, invoice -> user
	Email         string
	PlanID        string
	Amount        float64 // invoices only
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}

// ActiveAt reports whether the record existed and was not yet deactivated at
// the given instant.
func (r EntityRecord) ActiveAt(t time.Time) bool {
	if r.CreatedAt.After(t) {
		return false
	}
	return r.DeactivatedAt == nil || r.DeactivatedAt.After(t)
}
