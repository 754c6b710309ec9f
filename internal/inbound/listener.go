// Package inbound keeps a callee reachable: it watches for new calls, rings
// the local UI, and turns the user's answer (or silence) into signaling
// operations.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/media"
	"teletherapy-calls/internal/signaling"
	"teletherapy-calls/pkg/logger"
	"teletherapy-calls/pkg/utils"
)

var (
	// ErrNoActiveCall is returned by Accept and Decline when nothing is ringing.
	ErrNoActiveCall = errors.New("inbound: no call is ringing")
	ErrBusy         = errors.New("inbound: listener already running")
)

// DismissReason tells the UI why the ring screen went away.
type DismissReason string

const (
	DismissDeclined        DismissReason = "declined"
	DismissTimeout         DismissReason = "timeout"
	DismissCallerCancelled DismissReason = "caller_cancelled"
	DismissUnavailable     DismissReason = "unavailable"
	DismissClosed          DismissReason = "closed"
	DismissMediaFailed     DismissReason = "media_failed"
	DismissLost            DismissReason = "connection_lost"
	DismissStopped         DismissReason = "stopped"
)

// UI is the local ring surface. Calls happen on the Run goroutine.
type UI interface {
	OnRing(rec calls.Record)
	OnDismiss(rec calls.Record, reason DismissReason)
	OnConnected(rec calls.Record, h media.Handle)
	// OnUnavailable reports that the call ended before the user could answer.
	OnUnavailable(rec calls.Record)
}

type NopUI struct{}

func (NopUI) OnRing(calls.Record)                    {}
func (NopUI) OnDismiss(calls.Record, DismissReason)  {}
func (NopUI) OnConnected(calls.Record, media.Handle) {}
func (NopUI) OnUnavailable(calls.Record)             {}

// Signaler is the part of the signaling service the callee side uses.
type Signaler interface {
	UpdateRinging(ctx context.Context, id, actor string) (calls.Record, error)
	AcceptCall(ctx context.Context, id, actor string) (calls.Record, error)
	DeclineCall(ctx context.Context, id, actor string, reason calls.DeclineReason) (calls.Record, error)
	EndCall(ctx context.Context, id, actor string) (calls.Record, error)
	SubscribeToCall(ctx context.Context, id, actor string) (signaling.Subscription, error)
	SubscribeToIncomingCalls(ctx context.Context, calleeID string) (signaling.Subscription, error)
}

type Config struct {
	UserID string

	AutoDeclineTimeout time.Duration
	CancelTimeout      time.Duration
	Subscribe          utils.Backoff
}

// Listener rings one call at a time for one user.
//
// While a ring is pending, further incoming calls are ignored; the caller's
// own ring timeout moves them on. Every exit path stops the auto-decline
// timer and closes the record feed.
type Listener struct {
	cfg       Config
	signaler  Signaler
	transport media.Transport
	ui        UI
	log       *slog.Logger

	afterFunc utils.AfterFunc
	actions   chan action
	running   atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
}

func New(cfg Config, signaler Signaler, transport media.Transport, ui UI, log *slog.Logger) *Listener {
	if cfg.AutoDeclineTimeout <= 0 {
		cfg.AutoDeclineTimeout = 30 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 3 * time.Second
	}
	if ui == nil {
		ui = NopUI{}
	}
	return &Listener{
		cfg:       cfg,
		signaler:  signaler,
		transport: transport,
		ui:        ui,
		log:       logger.OrDefault(log).With("user_id", cfg.UserID),
		afterFunc: utils.RealAfterFunc,
		actions:   make(chan action),
	}
}

type actionKind int

const (
	actAccept actionKind = iota + 1
	actDecline
)

type action struct {
	kind  actionKind
	ctx   context.Context
	reply chan actionResult
}

type actionResult struct {
	handle media.Handle
	err    error
}

// pending is the one call currently ringing.
type pending struct {
	rec      calls.Record
	sub      signaling.Subscription
	timer    utils.Timer
	timedOut chan struct{}
}

func (p *pending) updates() <-chan calls.Record {
	if p == nil || p.sub == nil {
		return nil
	}
	return p.sub.Updates()
}

func (p *pending) expired() <-chan struct{} {
	if p == nil {
		return nil
	}
	return p.timedOut
}

func (p *pending) release() {
	p.timer.Stop()
	if p.sub != nil {
		p.sub.Close()
	}
}

// Run listens for incoming calls until ctx ends, which returns nil.
// It returns calls.ErrSubscriptionLost when the incoming feed cannot be
// re-established.
func (l *Listener) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer l.running.Store(false)

	stop := make(chan struct{})
	l.mu.Lock()
	l.stop = stop
	l.mu.Unlock()
	defer close(stop)

	incoming, err := l.subscribeIncoming(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", calls.ErrSubscriptionLost, err)
	}
	defer func() {
		if incoming != nil {
			incoming.Close()
		}
	}()

	var p *pending
	defer func() {
		if p != nil {
			l.giveUp(p, DismissStopped)
		}
	}()

	l.log.Info("listening for incoming calls")
	for {
		select {
		case <-ctx.Done():
			return nil

		case rec, ok := <-incoming.Updates():
			if !ok {
				l.log.Warn("incoming feed lost, resubscribing", "err", incoming.Err())
				incoming.Close()
				incoming, err = l.subscribeIncoming(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					l.log.Error("incoming feed unavailable", "err", err)
					if p != nil {
						l.giveUp(p, DismissLost)
						p = nil
					}
					return calls.ErrSubscriptionLost
				}
				continue
			}
			if p != nil {
				l.log.Info("already ringing, ignoring incoming call", "call_id", rec.ID)
				continue
			}
			if rec.CalleeID != l.cfg.UserID || !rec.Status.IsPending() {
				continue
			}
			p = l.ring(ctx, rec)

		case r, ok := <-p.updates():
			if !ok {
				l.log.Warn("call feed lost, resubscribing", "call_id", p.rec.ID, "err", p.sub.Err())
				p.sub.Close()
				p.sub, err = l.subscribeCall(ctx, p.rec.ID)
				if err != nil {
					p.sub = nil
					if ctx.Err() != nil {
						return nil
					}
					l.giveUp(p, DismissLost)
					p = nil
				}
				continue
			}
			p.rec = r
			if reason, done := dismissFor(r.Status); done {
				l.log.Info("ring closed by counterparty", "call_id", r.ID, "status", r.Status)
				p.release()
				l.ui.OnDismiss(r, reason)
				p = nil
			}

		case <-p.expired():
			l.log.Info("auto-decline timeout", "call_id", p.rec.ID)
			p.release()
			rec := l.decline(p.rec, calls.DeclineReasonTimeout)
			l.ui.OnDismiss(rec, DismissTimeout)
			p = nil

		case a := <-l.actions:
			if p == nil {
				a.reply <- actionResult{err: ErrNoActiveCall}
				continue
			}
			var res actionResult
			p, res = l.handle(a, p)
			a.reply <- res
		}
	}
}

// Accept answers the ringing call and joins its media session.
// If the caller gave up first the UI gets OnUnavailable and the returned
// error wraps calls.ErrInvalidTransition.
func (l *Listener) Accept(ctx context.Context) (media.Handle, error) {
	res := l.do(ctx, actAccept)
	return res.handle, res.err
}

// Decline rejects the ringing call and dismisses the ring UI.
func (l *Listener) Decline(ctx context.Context) error {
	return l.do(ctx, actDecline).err
}

func (l *Listener) do(ctx context.Context, kind actionKind) actionResult {
	l.mu.Lock()
	stop := l.stop
	l.mu.Unlock()
	if stop == nil || !l.running.Load() {
		return actionResult{err: ErrNoActiveCall}
	}

	a := action{kind: kind, ctx: ctx, reply: make(chan actionResult, 1)}
	select {
	case l.actions <- a:
	case <-stop:
		return actionResult{err: ErrNoActiveCall}
	case <-ctx.Done():
		return actionResult{err: ctx.Err()}
	}
	return <-a.reply
}

func (l *Listener) handle(a action, p *pending) (*pending, actionResult) {
	log := l.log.With("call_id", p.rec.ID)

	switch a.kind {
	case actAccept:
		cur, err := l.markRinging(a.ctx, p.rec)
		if err != nil {
			// The caller is still waiting; the user may try again.
			log.Warn("mark ringing failed", "err", err)
			return p, actionResult{err: err}
		}
		p.rec = cur

		var rec calls.Record
		if cur.Status.IsTerminal() {
			rec, err = cur, fmt.Errorf("%w: call is %s", calls.ErrInvalidTransition, cur.Status)
		} else {
			rec, err = l.signaler.AcceptCall(a.ctx, cur.ID, l.cfg.UserID)
		}
		if rec.ID == "" {
			rec = p.rec
		}
		switch {
		case errors.Is(err, calls.ErrInvalidTransition) && rec.Status.IsPending():
			log.Info("accept not applied, still ringing", "status", rec.Status)
			p.rec = rec
			return p, actionResult{err: err}
		case errors.Is(err, calls.ErrInvalidTransition):
			log.Info("call no longer available", "status", rec.Status)
			p.release()
			l.ui.OnUnavailable(rec)
			l.ui.OnDismiss(rec, DismissUnavailable)
			return nil, actionResult{err: fmt.Errorf("call no longer available: %w", err)}
		case err != nil:
			// Still ringing as far as we know; the user may try again.
			log.Warn("accept failed", "err", err)
			return p, actionResult{err: err}
		}

		p.release()
		h, err := l.transport.Join(a.ctx, rec.ChannelName, l.cfg.UserID)
		if err != nil {
			log.Error("media join failed, ending call", "err", err)
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CancelTimeout)
			defer cancel()
			if _, endErr := l.signaler.EndCall(ctx, rec.ID, l.cfg.UserID); endErr != nil {
				log.Warn("end call failed", "err", endErr)
			}
			l.ui.OnDismiss(rec, DismissMediaFailed)
			return nil, actionResult{err: err}
		}
		log.Info("call connected", "channel", rec.ChannelName)
		l.ui.OnConnected(rec, h)
		return nil, actionResult{handle: h}

	case actDecline:
		p.release()
		rec, err := l.declineCall(a.ctx, p.rec, calls.DeclineReasonDeclined)
		if err != nil {
			log.Warn("decline failed", "err", err)
		}
		l.ui.OnDismiss(rec, DismissDeclined)
		return nil, actionResult{err: err}
	}
	return p, actionResult{err: fmt.Errorf("inbound: unknown action %d", a.kind)}
}

func (l *Listener) ring(ctx context.Context, rec calls.Record) *pending {
	log := l.log.With("call_id", rec.ID, "caller_id", rec.CallerID)
	log.Info("incoming call")
	l.ui.OnRing(rec)

	if r, err := l.signaler.UpdateRinging(ctx, rec.ID, l.cfg.UserID); err != nil {
		log.Warn("mark ringing failed", "err", err)
	} else {
		rec = r
	}

	p := &pending{rec: rec, timedOut: make(chan struct{}, 1)}
	sub, err := l.subscribeCall(ctx, rec.ID)
	if err != nil {
		// Keep ringing on the timer alone; Accept still reports the outcome.
		log.Warn("call feed unavailable", "err", err)
	} else {
		p.sub = sub
	}

	timedOut := p.timedOut
	p.timer = l.afterFunc(l.cfg.AutoDeclineTimeout, func() {
		select {
		case timedOut <- struct{}{}:
		default:
		}
	})
	return p
}

// giveUp drops a pending ring the listener can no longer follow. The caller
// is told best-effort so its walk can advance.
func (l *Listener) giveUp(p *pending, reason DismissReason) {
	p.release()
	rec := l.decline(p.rec, calls.DeclineReasonTimeout)
	l.ui.OnDismiss(rec, reason)
}

// decline is best-effort and bounded by CancelTimeout.
func (l *Listener) decline(rec calls.Record, reason calls.DeclineReason) calls.Record {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CancelTimeout)
	defer cancel()

	cur, err := l.declineCall(ctx, rec, reason)
	if err != nil {
		l.log.Warn("decline failed", "call_id", rec.ID, "reason", reason, "err", err)
	}
	return cur
}

// declineCall declines rec, first repeating a mark-ringing that failed at
// ring time. A call that already closed is not an error.
func (l *Listener) declineCall(ctx context.Context, rec calls.Record, reason calls.DeclineReason) (calls.Record, error) {
	cur, err := l.markRinging(ctx, rec)
	if err != nil {
		return rec, err
	}
	if cur.Status.IsTerminal() {
		return cur, nil
	}
	got, err := l.signaler.DeclineCall(ctx, cur.ID, l.cfg.UserID, reason)
	if errors.Is(err, calls.ErrInvalidTransition) {
		err = nil
	}
	if got.ID == "" {
		got = cur
	}
	return got, err
}

// markRinging repeats UpdateRinging for a record still in dialing. Accept and
// decline only apply to a ringing call.
func (l *Listener) markRinging(ctx context.Context, rec calls.Record) (calls.Record, error) {
	if rec.Status != calls.StatusDialing {
		return rec, nil
	}
	cur, err := l.signaler.UpdateRinging(ctx, rec.ID, l.cfg.UserID)
	if err != nil {
		return rec, err
	}
	return cur, nil
}

func dismissFor(s calls.Status) (DismissReason, bool) {
	switch s {
	case calls.StatusCancelled:
		return DismissCallerCancelled, true
	case calls.StatusDeclined:
		return DismissDeclined, true
	case calls.StatusMissed:
		return DismissTimeout, true
	case calls.StatusAccepted, calls.StatusEnded:
		// Answered or closed elsewhere.
		return DismissClosed, true
	default:
		return "", false
	}
}

func (l *Listener) subscribeIncoming(ctx context.Context) (signaling.Subscription, error) {
	var sub signaling.Subscription
	err := l.cfg.Subscribe.Retry(ctx, func(ctx context.Context) error {
		s, err := l.signaler.SubscribeToIncomingCalls(ctx, l.cfg.UserID)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	return sub, err
}

func (l *Listener) subscribeCall(ctx context.Context, id string) (signaling.Subscription, error) {
	var sub signaling.Subscription
	err := l.cfg.Subscribe.Retry(ctx, func(ctx context.Context) error {
		s, err := l.signaler.SubscribeToCall(ctx, id, l.cfg.UserID)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	return sub, err
}
