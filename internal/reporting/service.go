package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"teletherapy-calls/internal/audit"
	"teletherapy-calls/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Reports are derived from the immutable call audit trail only.
// - Implementations return events in append order.
type Repository interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]audit.Event, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// OutcomeSummary aggregates how ring attempts ended, overall and per callee.
func (s *Service) OutcomeSummary(ctx context.Context, req OutcomeSummaryRequest) (OutcomeSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return OutcomeSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return OutcomeSummary{}, errors.New("reporting: repository not configured")
	}

	events, err := s.repo.ListEvents(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return OutcomeSummary{}, err
	}

	out := OutcomeSummary{Range: req.Range, ByCallee: map[string]Outcomes{}}

	// Callees are resolved first: a fast callee may be audited before the
	// created event of the same call is appended.
	callee := map[string]string{}
	for _, e := range events {
		if e.Type != audit.EventTypeCallCreated {
			continue
		}
		var meta audit.CreatedMetadata
		_ = json.Unmarshal([]byte(e.Metadata), &meta)
		if req.CalleeID != "" && meta.CalleeID != req.CalleeID {
			continue
		}
		callee[e.CallID] = meta.CalleeID
		out.Outcomes.Attempts++
		bump(out.ByCallee, meta.CalleeID, func(o *Outcomes) { o.Attempts++ })
	}

	for _, e := range events {
		if e.Type != audit.EventTypeCallStatus {
			continue
		}
		who, known := callee[e.CallID]
		if req.CalleeID != "" && !known {
			continue
		}
		count := countFor(calls.Status(e.ToStatus))
		if count == nil {
			continue
		}
		count(&out.Outcomes)
		if known {
			bump(out.ByCallee, who, count)
		}
	}

	out.Outcomes.AnswerRate = rate(out.Outcomes)
	for id, o := range out.ByCallee {
		o.AnswerRate = rate(o)
		out.ByCallee[id] = o
	}
	return out, nil
}

// countFor returns the counter a transition into s increments, nil for
// statuses that are not outcomes.
func countFor(s calls.Status) func(*Outcomes) {
	switch s {
	case calls.StatusAccepted:
		return func(o *Outcomes) { o.Accepted++ }
	case calls.StatusDeclined:
		return func(o *Outcomes) { o.Declined++ }
	case calls.StatusMissed:
		return func(o *Outcomes) { o.Missed++ }
	case calls.StatusCancelled:
		return func(o *Outcomes) { o.Cancelled++ }
	case calls.StatusEnded:
		return func(o *Outcomes) { o.Ended++ }
	default:
		return nil
	}
}

func bump(m map[string]Outcomes, id string, f func(*Outcomes)) {
	if id == "" {
		return
	}
	o := m[id]
	f(&o)
	m[id] = o
}

func rate(o Outcomes) float64 {
	if o.Attempts == 0 {
		return 0
	}
	return float64(o.Accepted) / float64(o.Attempts)
}
