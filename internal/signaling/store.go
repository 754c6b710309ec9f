package signaling

import (
	"context"
	"time"

	"teletherapy-calls/internal/calls"
)

// Store is the shared call record store.
//
// Every mutation is atomic per record and publishes the full new record to
// that record's watchers in commit order. Create also publishes to the
// callee's incoming watchers. Transport failures surface as
// calls.ErrStoreUnavailable.
type Store interface {
	Create(ctx context.Context, rec calls.Record) error
	Get(ctx context.Context, id string) (calls.Record, error)

	// Transition applies rule to the record.
	// A status outside rule.From and rule.NoopFrom yields calls.ErrInvalidTransition
	// together with the current record.
	Transition(ctx context.Context, id string, rule calls.Rule, at time.Time) (TransitionResult, error)

	// UpdateMedia overwrites one side's media flags. Only allowed while accepted.
	UpdateMedia(ctx context.Context, id string, side calls.Side, state calls.MediaState, at time.Time) (calls.Record, error)

	// Watch delivers the current record first, then every later change.
	Watch(ctx context.Context, id string) (Subscription, error)

	// WatchIncoming delivers each record created for calleeID.
	WatchIncoming(ctx context.Context, calleeID string) (Subscription, error)
}

type TransitionResult struct {
	Record calls.Record
	From   calls.Status
	// Noop is set when the request repeated an already-satisfied transition.
	// Nothing was written or published.
	Noop bool
}
