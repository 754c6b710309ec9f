package calls

import "time"

// Record is the shared call record for one ring attempt between a caller and
// a single candidate callee.
//
// Invariants:
// - One record per attempt. Retrying another candidate creates a new record.
// - ID, CallerID, CalleeID, ChannelName and Type never change after creation.
// - Status only moves forward along the transition table (see transitions.go).
// - CallerMedia is written only by the caller, CalleeMedia only by the callee.
//
// The JSON shape is the wire format persisted in the call record store and
// pushed to subscribers.
type Record struct {
	ID string `json:"id" db:"id"`

	CallerID     string  `json:"callerId" db:"caller_id"`
	CalleeID     string  `json:"calleeId" db:"callee_id"`
	CallerName   string  `json:"callerName" db:"caller_name"`
	CallerAvatar *string `json:"callerAvatar" db:"caller_avatar"`

	// ChannelName identifies the media session both parties join once accepted.
	ChannelName string `json:"channelName" db:"channel_name"`

	Type   Type   `json:"type" db:"type"`
	Status Status `json:"status" db:"status"`

	// Media flags are meaningful only while Status == StatusAccepted.
	CallerMedia *MediaState `json:"callerMedia" db:"caller_media"`
	CalleeMedia *MediaState `json:"calleeMedia" db:"callee_media"`

	// Version increases by one on every committed change, starting at 1.
	// Watchers use it to drop deliveries they have already seen.
	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

type Type string

const (
	TypeInstant   Type = "instant"
	TypeScheduled Type = "scheduled"
)

func (t Type) Valid() bool {
	return t == TypeInstant || t == TypeScheduled
}

type Status string

const (
	StatusDialing   Status = "dialing"
	StatusRinging   Status = "ringing"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusEnded     Status = "ended"
	StatusMissed    Status = "missed"
)

// MediaState is one party's audio/video flags.
type MediaState struct {
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

// Side names which half of the record a party owns.
type Side string

const (
	SideCaller Side = "caller"
	SideCallee Side = "callee"
)

// SideOf returns the side owned by userID, or false if userID is not a party.
func (r Record) SideOf(userID string) (Side, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == r.CallerID:
		return SideCaller, true
	case userID == r.CalleeID:
		return SideCallee, true
	default:
		return "", false
	}
}

// IsParty reports whether userID is the caller or the callee.
func (r Record) IsParty(userID string) bool {
	_, ok := r.SideOf(userID)
	return ok
}

// MediaOf returns the media flags written by side, nil if never written.
func (r Record) MediaOf(side Side) *MediaState {
	if side == SideCaller {
		return r.CallerMedia
	}
	return r.CalleeMedia
}

// Counterparty returns the other side.
func (s Side) Counterparty() Side {
	if s == SideCaller {
		return SideCallee
	}
	return SideCaller
}

// DeclineReason distinguishes a callee's explicit decline from the
// auto-decline timer. The latter is recorded as StatusMissed.
type DeclineReason string

const (
	DeclineReasonDeclined DeclineReason = "declined"
	DeclineReasonTimeout  DeclineReason = "timeout"
)

// PushPayload returns the fields a push dispatcher needs to wake a callee
// who is not actively subscribed.
func (r Record) PushPayload() map[string]string {
	return map[string]string{
		"callId":      r.ID,
		"callerId":    r.CallerID,
		"callerName":  r.CallerName,
		"channelName": r.ChannelName,
		"type":        string(r.Type),
	}
}
