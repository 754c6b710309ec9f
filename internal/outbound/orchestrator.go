// Package outbound drives a caller through finding and ringing available
// counterparties, one at a time, until someone answers.
package outbound

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/matching"
	"teletherapy-calls/internal/media"
	"teletherapy-calls/internal/signaling"
	"teletherapy-calls/pkg/logger"
	"teletherapy-calls/pkg/utils"
)

type State string

const (
	StateIdle         State = "idle"
	StateSearching    State = "searching"
	StateCalling      State = "calling"
	StateConnecting   State = "connecting"
	StateNoTherapists State = "no_therapists"
	StateError        State = "error"
	StateCancelled    State = "cancelled"
)

type Outcome string

const (
	OutcomeConnected    Outcome = "connected"
	OutcomeNoTherapists Outcome = "no_therapists"
	OutcomeError        Outcome = "error"
	OutcomeCancelled    Outcome = "cancelled"
)

// Result is what Run reports to the UI. Per-candidate failures never surface
// here; only the overall outcome does.
type Result struct {
	Outcome Outcome
	// Record is the accepted call when Outcome is connected.
	Record calls.Record
	Handle media.Handle
	Err    error
}

// ErrBusy is returned when Run is called while a previous Run is still active.
var ErrBusy = errors.New("outbound: a call search is already running")

// Signaler is the part of the signaling service the caller side uses.
// *signaling.Service and the remote client both satisfy it.
type Signaler interface {
	CreateCall(ctx context.Context, req signaling.CreateCallRequest) (calls.Record, error)
	CancelCall(ctx context.Context, id, actor string) (calls.Record, error)
	EndCall(ctx context.Context, id, actor string) (calls.Record, error)
	SubscribeToCall(ctx context.Context, id, actor string) (signaling.Subscription, error)
}

// Observer receives progress for the UI. Calls happen on the Run goroutine.
type Observer interface {
	OnState(s State)
	OnAttempt(c matching.Candidate, rec calls.Record)
	OnRinging(rec calls.Record)
}

type NopObserver struct{}

func (NopObserver) OnState(State)                              {}
func (NopObserver) OnAttempt(matching.Candidate, calls.Record) {}
func (NopObserver) OnRinging(calls.Record)                     {}

type Config struct {
	CallerID     string
	CallerName   string
	CallerAvatar *string

	// Language is the preferred language tag used for ranking.
	Language string
	CallType calls.Type

	RingTimeout   time.Duration
	CancelTimeout time.Duration
	Subscribe     utils.Backoff
}

// Orchestrator walks a ranked candidate list strictly sequentially.
//
// Invariants:
//   - At most one call record is ringing at any time.
//   - Each attempt ends in exactly one of: answered, rejected (declined, missed,
//     cancelled), or timed out. The ring timer is stopped on every exit so a
//     late fire has no effect.
//   - Every exit path closes the attempt's subscription.
type Orchestrator struct {
	cfg       Config
	source    matching.Source
	signaler  Signaler
	transport media.Transport
	observer  Observer
	log       *slog.Logger

	afterFunc utils.AfterFunc
	running   atomic.Bool
}

func New(cfg Config, source matching.Source, signaler Signaler, transport media.Transport, observer Observer, log *slog.Logger) *Orchestrator {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 3 * time.Second
	}
	if cfg.CallType == "" {
		cfg.CallType = calls.TypeInstant
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Orchestrator{
		cfg:       cfg,
		source:    source,
		signaler:  signaler,
		transport: transport,
		observer:  observer,
		log:       logger.OrDefault(log).With("caller_id", cfg.CallerID),
		afterFunc: utils.RealAfterFunc,
	}
}

// Run searches, rings candidates in rank order and hands off to media on the
// first acceptance. Cancelling ctx is the user's cancel: the in-flight record
// is cancelled best-effort and Run returns OutcomeCancelled.
//
// no_therapists and error are retriable by calling Run again.
func (o *Orchestrator) Run(ctx context.Context) Result {
	if !o.running.CompareAndSwap(false, true) {
		return Result{Outcome: OutcomeError, Err: ErrBusy}
	}
	defer o.running.Store(false)

	o.setState(StateSearching)
	cands, err := o.source.ListAvailable(ctx, o.cfg.Language)
	if ctx.Err() != nil {
		return o.cancelled(ctx, "")
	}
	if err != nil {
		o.log.Error("candidate search failed", "err", err)
		o.setState(StateError)
		return Result{Outcome: OutcomeError, Err: err}
	}

	ranked := matching.Rank(matching.Exclude(cands, o.cfg.CallerID), o.cfg.Language)
	o.log.Info("candidates ranked", "count", len(ranked), "language", o.cfg.Language)

	for i, c := range ranked {
		if ctx.Err() != nil {
			return o.cancelled(ctx, "")
		}
		if res, done := o.attempt(ctx, c, o.log.With("callee_id", c.ID, "attempt", i+1)); done {
			return res
		}
	}

	o.setState(StateNoTherapists)
	return Result{Outcome: OutcomeNoTherapists, Err: calls.ErrNoCandidates}
}

// attempt rings one candidate. done is false when the walk should advance.
func (o *Orchestrator) attempt(ctx context.Context, c matching.Candidate, log *slog.Logger) (Result, bool) {
	rec, err := o.signaler.CreateCall(ctx, signaling.CreateCallRequest{
		CallerID:     o.cfg.CallerID,
		CalleeID:     c.ID,
		CallerName:   o.cfg.CallerName,
		CallerAvatar: o.cfg.CallerAvatar,
		Type:         o.cfg.CallType,
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled(ctx, ""), true
		}
		log.Warn("create call failed, advancing", "err", err)
		return Result{}, false
	}

	log = log.With("call_id", rec.ID)
	o.setState(StateCalling)
	o.observer.OnAttempt(c, rec)

	sub, err := o.subscribe(ctx, rec.ID)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled(ctx, rec.ID), true
		}
		log.Warn("call feed unavailable, abandoning attempt", "err", err)
		return o.abandon(ctx, rec.ID, log)
	}
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	timedOut := make(chan struct{}, 1)
	timer := o.afterFunc(o.cfg.RingTimeout, func() {
		select {
		case timedOut <- struct{}{}:
		default:
		}
	})
	defer timer.Stop()

	ringing := false
	for {
		select {
		case <-ctx.Done():
			return o.cancelled(ctx, rec.ID), true

		case <-timedOut:
			log.Info("ring timeout")
			return o.abandon(ctx, rec.ID, log)

		case r, ok := <-sub.Updates():
			if !ok {
				log.Warn("call feed lost, resubscribing", "err", sub.Err())
				sub.Close()
				sub, err = o.subscribe(ctx, rec.ID)
				if err != nil {
					if ctx.Err() != nil {
						return o.cancelled(ctx, rec.ID), true
					}
					log.Warn("call feed unavailable, abandoning attempt", "err", err)
					return o.abandon(ctx, rec.ID, log)
				}
				continue
			}

			switch r.Status {
			case calls.StatusRinging:
				if !ringing {
					ringing = true
					o.observer.OnRinging(r)
				}
			case calls.StatusAccepted:
				timer.Stop()
				return o.connect(ctx, r, log), true
			case calls.StatusDeclined, calls.StatusMissed, calls.StatusCancelled, calls.StatusEnded:
				log.Info("attempt rejected, advancing", "status", r.Status)
				return Result{}, false
			}
		}
	}
}

// abandon cancels an unanswered attempt. If the cancel lost to an accept the
// call is connected instead.
func (o *Orchestrator) abandon(ctx context.Context, id string, log *slog.Logger) (Result, bool) {
	cur, err := o.cancel(id)
	if errors.Is(err, calls.ErrInvalidTransition) && cur.Status == calls.StatusAccepted {
		log.Info("cancel lost to accept, connecting")
		return o.connect(ctx, cur, log), true
	}
	return Result{}, false
}

func (o *Orchestrator) connect(ctx context.Context, rec calls.Record, log *slog.Logger) Result {
	o.setState(StateConnecting)
	h, err := o.transport.Join(ctx, rec.ChannelName, o.cfg.CallerID)
	if err != nil {
		log.Error("media join failed, ending call", "err", err)
		endCtx, cancel := context.WithTimeout(context.Background(), o.cfg.CancelTimeout)
		defer cancel()
		if _, endErr := o.signaler.EndCall(endCtx, rec.ID, o.cfg.CallerID); endErr != nil {
			log.Warn("end call failed", "err", endErr)
		}
		o.setState(StateError)
		return Result{Outcome: OutcomeError, Record: rec, Err: err}
	}

	log.Info("call connected", "channel", rec.ChannelName)
	return Result{Outcome: OutcomeConnected, Record: rec, Handle: h}
}

// cancelled is the user-cancel exit. It never waits on more than one bounded
// cancel request.
func (o *Orchestrator) cancelled(ctx context.Context, id string) Result {
	if id != "" {
		cur, err := o.cancel(id)
		// The callee answered as the user gave up; hang up so they are not left waiting.
		if errors.Is(err, calls.ErrInvalidTransition) && cur.Status == calls.StatusAccepted {
			endCtx, cancel := context.WithTimeout(context.Background(), o.cfg.CancelTimeout)
			if _, endErr := o.signaler.EndCall(endCtx, id, o.cfg.CallerID); endErr != nil {
				o.log.Warn("end call failed", "call_id", id, "err", endErr)
			}
			cancel()
		}
	}
	o.setState(StateCancelled)
	return Result{Outcome: OutcomeCancelled, Err: ctx.Err()}
}

// cancel is best-effort and bounded by CancelTimeout. It runs on a fresh
// context so a user cancel can still withdraw the ring.
func (o *Orchestrator) cancel(id string) (calls.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CancelTimeout)
	defer cancel()

	rec, err := o.signaler.CancelCall(ctx, id, o.cfg.CallerID)
	if err != nil && !errors.Is(err, calls.ErrInvalidTransition) {
		o.log.Warn("cancel call failed", "call_id", id, "err", err)
	}
	return rec, err
}

func (o *Orchestrator) subscribe(ctx context.Context, id string) (signaling.Subscription, error) {
	var sub signaling.Subscription
	err := o.cfg.Subscribe.Retry(ctx, func(ctx context.Context) error {
		s, err := o.signaler.SubscribeToCall(ctx, id, o.cfg.CallerID)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	return sub, err
}

func (o *Orchestrator) setState(s State) {
	o.log.Debug("state", "state", s)
	o.observer.OnState(s)
}
