package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"teletherapy-calls/internal/audit"
	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/media"
	"teletherapy-calls/internal/metrics"
	"teletherapy-calls/pkg/logger"
)

// Service is the call signaling service.
//
// Each operation is one atomic update against the Store. Authorization is by
// party: the actor must be the caller or callee of the record, and some
// transitions are reserved to one side.
//
// Side effects (audit, metrics, logs) are best-effort and never fail an operation.
type Service struct {
	store    Store
	audit    *audit.Service
	notifier Notifier
	log      *slog.Logger

	// clock and ids are injectable for deterministic tests.
	clock      func() time.Time
	newID      func() string
	newChannel func() string
}

func NewService(store Store, auditSvc *audit.Service, log *slog.Logger) *Service {
	return &Service{
		store:      store,
		audit:      auditSvc,
		log:        logger.OrDefault(log),
		clock:      time.Now,
		newID:      uuid.NewString,
		newChannel: media.NewChannelName,
	}
}

// WithNotifier sets where new calls are announced for push delivery.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

type CreateCallRequest struct {
	CallerID     string     `json:"callerId"`
	CalleeID     string     `json:"calleeId"`
	CallerName   string     `json:"callerName"`
	CallerAvatar *string    `json:"callerAvatar,omitempty"`
	Type         calls.Type `json:"type"`
	// ChannelName is generated when empty.
	ChannelName string `json:"channelName,omitempty"`
}

// CreateCall inserts a new record in dialing.
func (s *Service) CreateCall(ctx context.Context, req CreateCallRequest) (calls.Record, error) {
	if req.CallerID == "" || req.CalleeID == "" {
		return calls.Record{}, fmt.Errorf("%w: caller and callee are required", calls.ErrInvalidArgument)
	}
	if req.CallerID == req.CalleeID {
		return calls.Record{}, fmt.Errorf("%w: caller cannot call themselves", calls.ErrInvalidArgument)
	}
	if req.Type == "" {
		req.Type = calls.TypeInstant
	}
	if !req.Type.Valid() {
		return calls.Record{}, fmt.Errorf("%w: unknown call type %q", calls.ErrInvalidArgument, req.Type)
	}
	if req.ChannelName == "" {
		req.ChannelName = s.newChannel()
	}

	now := s.clock().UTC()
	rec := calls.Record{
		ID:           s.newID(),
		CallerID:     req.CallerID,
		CalleeID:     req.CalleeID,
		CallerName:   req.CallerName,
		CallerAvatar: req.CallerAvatar,
		ChannelName:  req.ChannelName,
		Type:         req.Type,
		Status:       calls.StatusDialing,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, rec); err != nil {
		s.log.Warn("create call failed", "callee_id", req.CalleeID, "err", err)
		return calls.Record{}, s.storeFailure(err)
	}

	metrics.CallsCreated.WithLabelValues(string(rec.Type)).Inc()
	s.log.Info("call created", "call_id", rec.ID, "caller_id", rec.CallerID, "callee_id", rec.CalleeID)
	if s.audit != nil {
		if err := s.audit.LogCreated(ctx, rec.ID, rec.CallerID, rec.CalleeID); err != nil {
			s.log.Warn("audit append failed", "call_id", rec.ID, "err", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyIncoming(ctx, rec.CalleeID, rec.PushPayload()); err != nil {
			s.log.Warn("push notify failed", "call_id", rec.ID, "err", err)
		}
	}
	return rec, nil
}

// UpdateRinging marks the call as delivered to the callee's device.
// Repeats and late calls are no-ops: nothing is written or published.
func (s *Service) UpdateRinging(ctx context.Context, id, actor string) (calls.Record, error) {
	return s.transition(ctx, id, actor, calls.RuleRinging, "")
}

// AcceptCall answers the call. Callee only.
// When the call already reached another terminal status the current record is
// returned with calls.ErrInvalidTransition.
func (s *Service) AcceptCall(ctx context.Context, id, actor string) (calls.Record, error) {
	return s.transition(ctx, id, actor, calls.RuleAccept, calls.SideCallee)
}

// DeclineCall rejects the call. Callee only.
// DeclineReasonTimeout is the auto-decline timer and records missed.
func (s *Service) DeclineCall(ctx context.Context, id, actor string, reason calls.DeclineReason) (calls.Record, error) {
	switch reason {
	case "", calls.DeclineReasonDeclined:
		return s.transition(ctx, id, actor, calls.RuleDecline, calls.SideCallee)
	case calls.DeclineReasonTimeout:
		return s.transition(ctx, id, actor, calls.RuleMissed, calls.SideCallee)
	default:
		return calls.Record{}, fmt.Errorf("%w: unknown decline reason %q", calls.ErrInvalidArgument, reason)
	}
}

// CancelCall withdraws an unanswered call. Caller only.
func (s *Service) CancelCall(ctx context.Context, id, actor string) (calls.Record, error) {
	return s.transition(ctx, id, actor, calls.RuleCancel, calls.SideCaller)
}

// EndCall hangs up an accepted call. Either party.
func (s *Service) EndCall(ctx context.Context, id, actor string) (calls.Record, error) {
	return s.transition(ctx, id, actor, calls.RuleEnd, "")
}

// UpdateMediaState overwrites the actor's own media flags. It never touches
// status and is only allowed while the call is accepted.
func (s *Service) UpdateMediaState(ctx context.Context, id, actor string, state calls.MediaState) (calls.Record, error) {
	side, err := s.authorize(ctx, id, actor, "")
	if err != nil {
		return calls.Record{}, err
	}

	rec, err := s.store.UpdateMedia(ctx, id, side, state, s.clock().UTC())
	switch {
	case errors.Is(err, calls.ErrInvalidTransition):
		metrics.MediaUpdates.WithLabelValues(string(side), metrics.ResultInvalid).Inc()
		return rec, err
	case err != nil:
		metrics.MediaUpdates.WithLabelValues(string(side), metrics.ResultError).Inc()
		return calls.Record{}, s.storeFailure(err)
	}

	metrics.MediaUpdates.WithLabelValues(string(side), metrics.ResultOK).Inc()
	s.log.Debug("media state updated", "call_id", id, "side", side, "audio", state.AudioEnabled, "video", state.VideoEnabled)
	if s.audit != nil {
		meta, _ := json.Marshal(struct {
			Side calls.Side `json:"side"`
			calls.MediaState
		}{side, state})
		if err := s.audit.LogMedia(ctx, id, actor, string(meta)); err != nil {
			s.log.Warn("audit append failed", "call_id", id, "err", err)
		}
	}
	return rec, nil
}

// GetCall is a point read. Parties only.
func (s *Service) GetCall(ctx context.Context, id, actor string) (calls.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return calls.Record{}, s.storeFailure(err)
	}
	if !rec.IsParty(actor) {
		return calls.Record{}, calls.ErrForbidden
	}
	return rec, nil
}

// SubscribeToCall delivers the current record, then every later change in
// commit order, until the subscription is closed. Parties only.
func (s *Service) SubscribeToCall(ctx context.Context, id, actor string) (Subscription, error) {
	if _, err := s.authorize(ctx, id, actor, ""); err != nil {
		return nil, err
	}
	sub, err := s.store.Watch(ctx, id)
	if err != nil {
		return nil, s.storeFailure(err)
	}
	return sub, nil
}

// SubscribeToIncomingCalls delivers each record newly created for calleeID.
func (s *Service) SubscribeToIncomingCalls(ctx context.Context, calleeID string) (Subscription, error) {
	if calleeID == "" {
		return nil, fmt.Errorf("%w: callee is required", calls.ErrInvalidArgument)
	}
	sub, err := s.store.WatchIncoming(ctx, calleeID)
	if err != nil {
		return nil, s.storeFailure(err)
	}
	return sub, nil
}

func (s *Service) transition(ctx context.Context, id, actor string, rule calls.Rule, only calls.Side) (calls.Record, error) {
	if _, err := s.authorize(ctx, id, actor, only); err != nil {
		return calls.Record{}, err
	}

	to := string(rule.To)
	res, err := s.store.Transition(ctx, id, rule, s.clock().UTC())
	switch {
	case errors.Is(err, calls.ErrInvalidTransition):
		metrics.Transitions.WithLabelValues(to, metrics.ResultInvalid).Inc()
		s.log.Info("transition lost", "call_id", id, "to", to, "status", res.Record.Status)
		return res.Record, err
	case err != nil:
		metrics.Transitions.WithLabelValues(to, metrics.ResultError).Inc()
		s.log.Warn("transition failed", "call_id", id, "to", to, "err", err)
		return calls.Record{}, s.storeFailure(err)
	case res.Noop:
		metrics.Transitions.WithLabelValues(to, metrics.ResultNoop).Inc()
		return res.Record, nil
	}

	metrics.Transitions.WithLabelValues(to, metrics.ResultOK).Inc()
	s.log.Info("call status changed", "call_id", id, "from", res.From, "to", to, "actor_id", actor)
	if s.audit != nil {
		if err := s.audit.LogStatus(ctx, id, actor, string(res.From), to); err != nil {
			s.log.Warn("audit append failed", "call_id", id, "err", err)
		}
	}
	return res.Record, nil
}

// authorize checks that actor is a party of the record, and the required side
// when only is set. It returns the actor's side.
func (s *Service) authorize(ctx context.Context, id, actor string, only calls.Side) (calls.Side, error) {
	if id == "" {
		return "", fmt.Errorf("%w: call id is required", calls.ErrInvalidArgument)
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return "", s.storeFailure(err)
	}
	side, ok := rec.SideOf(actor)
	if !ok || (only != "" && side != only) {
		return "", calls.ErrForbidden
	}
	return side, nil
}

// storeFailure keeps the not-found and argument errors and maps any other
// store error to calls.ErrStoreUnavailable.
func (s *Service) storeFailure(err error) error {
	switch {
	case errors.Is(err, calls.ErrNotFound),
		errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, calls.ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", calls.ErrStoreUnavailable, err)
	}
}
