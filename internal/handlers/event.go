package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/demoshop/funnel-analytics/internal/domain"
	"github.com/demoshop/funnel-analytics/internal/models"
	"github.com/demoshop/funnel-analytics/internal/store"
)

// parseRFC3339 parses an RFC3339 timestamp and normalizes it to UTC.
func parseRFC3339(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// eventID resolves the event identifier with idempotency precedence:
// Idempotency-Key header, then event_id in the payload, then a generated v7
// UUID (fallback; cannot dedupe client retries). Non-UUID keys are hashed
// into the UUID space deterministically so retries with the same key still
// collapse.
func eventID(header, fromPayload string) uuid.UUID {
	key := header
	if key == "" {
		key = fromPayload
	}
	if key == "" {
		return uuid.Must(uuid.NewV7())
	}
	if id, err := uuid.Parse(key); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))
}

// RegisterEventRoutes registers the ingestion-path endpoint.
//
// POST /events
// - Requires X-API-Key
// - Durable: returns success only after the store append completes
// - Idempotent: duplicates detected via event identifier uniqueness
func RegisterEventRoutes(r gin.IRoutes, st store.EventStore) {
	r.POST("/events", func(c *gin.Context) {
		var req models.EventIngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		if req.EventType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event_type required"})
			return
		}
		if req.Timestamp == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp required"})
			return
		}
		ts, err := parseRFC3339(req.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be RFC3339"})
			return
		}

		ev := domain.Event{
			ID:         eventID(c.GetHeader("Idempotency-Key"), req.EventID),
			Kind:       domain.Kind(req.EventType),
			OccurredAt: ts,
			Payload:    req.Payload,
		}
		if err := ev.Validate(); err != nil {
			// Rejected here, never stored.
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		err = st.Append(c.Request.Context(), ev)
		switch {
		case errors.Is(err, domain.ErrDuplicateEvent):
			// 200 for duplicates (idempotent success).
			c.JSON(http.StatusOK, models.EventIngestResponse{EventID: ev.ID.String(), Duplicate: true})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event append failed"})
		default:
			c.JSON(http.StatusCreated, models.EventIngestResponse{EventID: ev.ID.String()})
		}
	})
}
