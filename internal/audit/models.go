package audit

import "time"

// Event is an immutable, append-only record of one call lifecycle change.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id is required; every event belongs to exactly one call record.
// - actor and ip capture are best-effort; do not block signaling on audit failures.
//
// Storage (Postgres): table call_events with an INSERT-only policy.
type Event struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	// Type indicates the lifecycle step recorded.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated party causing the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	// IPAddress is the resolved client IP when the event came through the API.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallCreated  EventType = "call_created"
	EventTypeCallStatus   EventType = "call_status"
	EventTypeMediaUpdated EventType = "call_media_updated"
)

// CreatedMetadata is the Metadata payload of a call_created event.
type CreatedMetadata struct {
	CalleeID string `json:"callee_id"`
}
