package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// Events are never updated or deleted.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records the per-attempt call audit trail.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to patients or therapists.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// LogCreated records a new ring attempt.
func (s *Service) LogCreated(ctx context.Context, callID, actorUserID, calleeID string) error {
	meta, _ := json.Marshal(CreatedMetadata{CalleeID: calleeID})
	return s.Append(ctx, Event{
		CallID:      callID,
		Type:        EventTypeCallCreated,
		ActorUserID: actorUserID,
		ToStatus:    "dialing",
		Message:     "call created for " + calleeID,
		Metadata:    string(meta),
	})
}

// LogStatus records a committed status transition.
func (s *Service) LogStatus(ctx context.Context, callID, actorUserID, from, to string) error {
	return s.Append(ctx, Event{
		CallID:      callID,
		Type:        EventTypeCallStatus,
		ActorUserID: actorUserID,
		FromStatus:  from,
		ToStatus:    to,
		Message:     from + " -> " + to,
	})
}

// LogMedia records a media flag change. metadata carries the new flags as JSON.
func (s *Service) LogMedia(ctx context.Context, callID, actorUserID, metadata string) error {
	return s.Append(ctx, Event{
		CallID:      callID,
		Type:        EventTypeMediaUpdated,
		ActorUserID: actorUserID,
		Message:     "media state updated",
		Metadata:    metadata,
	})
}
