package models

// EventIngestRequest is the POST /events payload. event_id is optional; best
// practice is to pass the Idempotency-Key header for retries.
type EventIngestRequest struct {
	EventID   string         `json:"event_id,omitempty"`
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventIngestResponse is returned by POST /events. Duplicate indicates
// idempotent success (the event already existed).
type EventIngestResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// StageTransition is one edge of the flow diagram.
type StageTransition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int64  `json:"count"`
}

// TransitionsResponse is returned by GET /funnel/transitions.
type TransitionsResponse struct {
	Granularity string            `json:"granularity"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Transitions []StageTransition `json:"transitions"`
}

// AdvanceResponse is returned by POST /rollups/advance.
type AdvanceResponse struct {
	Granularity string `json:"granularity"`
	Watermark   string `json:"watermark"`
}
