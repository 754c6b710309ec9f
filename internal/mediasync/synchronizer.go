// Package mediasync mirrors audio/video toggles between the two parties of an
// accepted call.
package mediasync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/signaling"
	"teletherapy-calls/pkg/logger"
	"teletherapy-calls/pkg/utils"
)

// Signaler is the part of the signaling service the synchronizer uses.
type Signaler interface {
	UpdateMediaState(ctx context.Context, id, actor string, state calls.MediaState) (calls.Record, error)
	SubscribeToCall(ctx context.Context, id, actor string) (signaling.Subscription, error)
}

// Synchronizer handles one party of one accepted call.
//
// Flags are last-writer-wins per field with no acknowledgement; they only
// drive UI affordances such as a "remote video off" placeholder.
type Synchronizer struct {
	callID string
	userID string
	side   calls.Side

	signaler Signaler
	backoff  utils.Backoff
	onRemote func(calls.MediaState)
	log      *slog.Logger

	mu     sync.Mutex
	local  calls.MediaState
	remote *calls.MediaState
}

// New builds a synchronizer for userID on rec. onRemote is called on the Run
// goroutine whenever the counterparty's flags change.
func New(rec calls.Record, userID string, signaler Signaler, backoff utils.Backoff, onRemote func(calls.MediaState), log *slog.Logger) (*Synchronizer, error) {
	side, ok := rec.SideOf(userID)
	if !ok {
		return nil, calls.ErrForbidden
	}
	if onRemote == nil {
		onRemote = func(calls.MediaState) {}
	}

	local := calls.MediaState{AudioEnabled: true, VideoEnabled: true}
	if m := rec.MediaOf(side); m != nil {
		local = *m
	}
	return &Synchronizer{
		callID:   rec.ID,
		userID:   userID,
		side:     side,
		signaler: signaler,
		backoff:  backoff,
		onRemote: onRemote,
		log:      logger.OrDefault(log).With("call_id", rec.ID, "side", side),
		local:    local,
	}, nil
}

// Local returns the flags last written by this party.
func (s *Synchronizer) Local() calls.MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Remote returns the counterparty's last known flags, nil if never written.
func (s *Synchronizer) Remote() *calls.MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil
	}
	r := *s.remote
	return &r
}

func (s *Synchronizer) SetAudio(ctx context.Context, enabled bool) error {
	return s.write(ctx, func(m *calls.MediaState) { m.AudioEnabled = enabled })
}

func (s *Synchronizer) SetVideo(ctx context.Context, enabled bool) error {
	return s.write(ctx, func(m *calls.MediaState) { m.VideoEnabled = enabled })
}

func (s *Synchronizer) write(ctx context.Context, apply func(*calls.MediaState)) error {
	s.mu.Lock()
	next := s.local
	apply(&next)
	s.local = next
	s.mu.Unlock()

	_, err := s.signaler.UpdateMediaState(ctx, s.callID, s.userID, next)
	if err != nil {
		s.log.Warn("media state write failed", "err", err)
	}
	return err
}

// Run follows the record until the call leaves accepted or ctx ends.
// A dropped feed is re-established with backoff; if that fails Run returns
// calls.ErrSubscriptionLost.
func (s *Synchronizer) Run(ctx context.Context) error {
	for {
		sub, err := s.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return calls.ErrSubscriptionLost
		}

		done, err := s.follow(ctx, sub)
		sub.Close()
		if done || ctx.Err() != nil {
			return err
		}
		s.log.Warn("call feed lost, resubscribing", "err", err)
	}
}

// follow consumes one feed. done reports that Run should stop.
func (s *Synchronizer) follow(ctx context.Context, sub signaling.Subscription) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case rec, ok := <-sub.Updates():
			if !ok {
				return false, sub.Err()
			}
			if rec.Status != calls.StatusAccepted {
				s.log.Info("call left accepted", "status", rec.Status)
				return true, nil
			}
			s.observe(rec.MediaOf(s.side.Counterparty()))
		}
	}
}

func (s *Synchronizer) observe(m *calls.MediaState) {
	if m == nil {
		return
	}
	s.mu.Lock()
	changed := s.remote == nil || *s.remote != *m
	if changed {
		r := *m
		s.remote = &r
	}
	s.mu.Unlock()

	if changed {
		s.onRemote(*m)
	}
}

func (s *Synchronizer) subscribe(ctx context.Context) (signaling.Subscription, error) {
	var sub signaling.Subscription
	err := s.backoff.Retry(ctx, func(ctx context.Context) error {
		got, err := s.signaler.SubscribeToCall(ctx, s.callID, s.userID)
		if errors.Is(err, calls.ErrForbidden) || errors.Is(err, calls.ErrNotFound) {
			// Retrying cannot help; surface as lost.
			return nil
		}
		if err != nil {
			return err
		}
		sub = got
		return nil
	})
	if err == nil && sub == nil {
		err = calls.ErrSubscriptionLost
	}
	return sub, err
}
