package mediasync

import (
	"context"
	"errors"
	"testing"
	"time"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/signaling"
	"teletherapy-calls/pkg/logger"
	"teletherapy-calls/pkg/utils"
)

const (
	caller = "patient1"
	callee = "therapist1"
	wait   = 2 * time.Second
)

func acceptedCall(t *testing.T) (*signaling.Service, *signaling.MemoryStore, calls.Record) {
	t.Helper()
	store := signaling.NewMemoryStore()
	svc := signaling.NewService(store, nil, logger.Discard())
	ctx := context.Background()

	rec, err := svc.CreateCall(ctx, signaling.CreateCallRequest{CallerID: caller, CalleeID: callee})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.UpdateRinging(ctx, rec.ID, callee); err != nil {
		t.Fatalf("ringing: %v", err)
	}
	rec, err = svc.AcceptCall(ctx, rec.ID, callee)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return svc, store, rec
}

var fastBackoff = utils.Backoff{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond}

func TestSynchronizer_DeliversCounterpartyFlags(t *testing.T) {
	svc, _, rec := acceptedCall(t)

	remote := make(chan calls.MediaState, 8)
	callerSync, err := New(rec, caller, svc, fastBackoff, func(m calls.MediaState) { remote <- m }, logger.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	calleeSync, err := New(rec, callee, svc, fastBackoff, nil, logger.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- callerSync.Run(ctx) }()

	if err := calleeSync.SetVideo(context.Background(), false); err != nil {
		t.Fatalf("set video: %v", err)
	}

	select {
	case m := <-remote:
		if !m.AudioEnabled || m.VideoEnabled {
			t.Fatalf("unexpected remote flags %+v", m)
		}
	case <-time.After(wait):
		t.Fatalf("no remote update")
	}

	// The caller's own write must not echo back as a remote change.
	if err := callerSync.SetAudio(context.Background(), false); err != nil {
		t.Fatalf("set audio: %v", err)
	}
	select {
	case m := <-remote:
		t.Fatalf("unexpected remote update %+v", m)
	case <-time.After(30 * time.Millisecond):
	}
	if callerSync.Local().AudioEnabled {
		t.Fatalf("expected local audio off")
	}
	if r := callerSync.Remote(); r == nil || r.VideoEnabled {
		t.Fatalf("expected remote video off, got %+v", r)
	}
}

func TestSynchronizer_StopsWhenCallEnds(t *testing.T) {
	svc, _, rec := acceptedCall(t)
	s, _ := New(rec, callee, svc, fastBackoff, nil, logger.Discard())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	if _, err := svc.EndCall(context.Background(), rec.ID, caller); err != nil {
		t.Fatalf("end: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(wait):
		t.Fatalf("synchronizer did not stop")
	}

	if err := s.SetAudio(context.Background(), false); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected writes after end to be rejected, got %v", err)
	}
}

func TestSynchronizer_ResubscribesAfterLoss(t *testing.T) {
	svc, store, rec := acceptedCall(t)

	remote := make(chan calls.MediaState, 8)
	s, _ := New(rec, caller, svc, fastBackoff, func(m calls.MediaState) { remote <- m }, logger.Discard())
	other, _ := New(rec, callee, svc, fastBackoff, nil, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	if err := other.SetAudio(context.Background(), false); err != nil {
		t.Fatalf("set audio: %v", err)
	}
	<-remote

	store.DropWatchers()
	if err := other.SetVideo(context.Background(), false); err != nil {
		t.Fatalf("set video: %v", err)
	}

	select {
	case m := <-remote:
		if m.AudioEnabled || m.VideoEnabled {
			t.Fatalf("expected both flags off, got %+v", m)
		}
	case <-time.After(wait):
		t.Fatalf("no update after resubscribe")
	}
}

func TestSynchronizer_GivesUpWhenStoreIsGone(t *testing.T) {
	svc, store, rec := acceptedCall(t)
	s, _ := New(rec, caller, svc, fastBackoff, nil, logger.Discard())

	store.Fail(errors.New("connection refused"))
	if err := s.Run(context.Background()); !errors.Is(err, calls.ErrSubscriptionLost) {
		t.Fatalf("expected ErrSubscriptionLost, got %v", err)
	}
}

func TestNew_RejectsNonParty(t *testing.T) {
	_, _, rec := acceptedCall(t)
	if _, err := New(rec, "stranger", nil, fastBackoff, nil, logger.Discard()); !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
