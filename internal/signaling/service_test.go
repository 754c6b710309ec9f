package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"teletherapy-calls/internal/audit"
	"teletherapy-calls/internal/calls"
	"teletherapy-calls/pkg/logger"
)

const (
	patient   = "patient1"
	therapist = "therapist1"
	stranger  = "someone-else"
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *audit.MemoryRepo) {
	t.Helper()
	store := NewMemoryStore()
	repo := audit.NewMemoryRepo()
	svc := NewService(store, audit.NewService(repo), logger.Discard())

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.clock = func() time.Time { return fixed }
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("call-%d", n)
	}
	return svc, store, repo
}

func createRinging(t *testing.T, svc *Service) calls.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := svc.CreateCall(ctx, CreateCallRequest{CallerID: patient, CalleeID: therapist, CallerName: "Pat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err = svc.UpdateRinging(ctx, rec.ID, therapist)
	if err != nil {
		t.Fatalf("ringing: %v", err)
	}
	return rec
}

func next(t *testing.T, sub Subscription) calls.Record {
	t.Helper()
	select {
	case rec, ok := <-sub.Updates():
		if !ok {
			t.Fatalf("feed closed: %v", sub.Err())
		}
		return rec
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update")
	}
	return calls.Record{}
}

func expectQuiet(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case rec, ok := <-sub.Updates():
		if ok {
			t.Fatalf("unexpected update %+v", rec)
		}
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCreateCall_InsertsDialing(t *testing.T) {
	svc, _, repo := newTestService(t)

	rec, err := svc.CreateCall(context.Background(), CreateCallRequest{CallerID: patient, CalleeID: therapist, CallerName: "Pat"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.Status != calls.StatusDialing || rec.Type != calls.TypeInstant {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ChannelName == "" {
		t.Fatalf("expected generated channel name")
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}

	got, err := svc.GetCall(context.Background(), rec.ID, therapist)
	if err != nil || got.ID != rec.ID {
		t.Fatalf("expected stored record, got %+v %v", got, err)
	}

	evs := repo.ForCall(rec.ID)
	if len(evs) != 1 || evs[0].Type != audit.EventTypeCallCreated {
		t.Fatalf("expected created audit event, got %+v", evs)
	}
}

func TestCreateCall_KeepsProvidedChannel(t *testing.T) {
	svc, _, _ := newTestService(t)
	rec, err := svc.CreateCall(context.Background(), CreateCallRequest{CallerID: patient, CalleeID: therapist, ChannelName: "room-1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.ChannelName != "room-1" {
		t.Fatalf("expected provided channel, got %q", rec.ChannelName)
	}
}

func TestCreateCall_InvalidArguments(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []CreateCallRequest{
		{CallerID: patient},
		{CallerID: patient, CalleeID: patient},
		{CallerID: patient, CalleeID: therapist, Type: "group"},
	}
	for _, req := range cases {
		if _, err := svc.CreateCall(ctx, req); !errors.Is(err, calls.ErrInvalidArgument) {
			t.Fatalf("%+v: expected ErrInvalidArgument, got %v", req, err)
		}
	}
}

func TestCreateCall_StoreUnavailable(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.Fail(errors.New("connection refused"))

	_, err := svc.CreateCall(context.Background(), CreateCallRequest{CallerID: patient, CalleeID: therapist})
	if !errors.Is(err, calls.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestUpdateRinging_IsIdempotent(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()

	rec, _ := svc.CreateCall(ctx, CreateCallRequest{CallerID: patient, CalleeID: therapist})
	sub, err := svc.SubscribeToCall(ctx, rec.ID, patient)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if snap := next(t, sub); snap.Status != calls.StatusDialing {
		t.Fatalf("expected dialing snapshot, got %s", snap.Status)
	}

	for i := 0; i < 2; i++ {
		got, err := svc.UpdateRinging(ctx, rec.ID, therapist)
		if err != nil {
			t.Fatalf("ringing #%d: %v", i, err)
		}
		if got.Status != calls.StatusRinging {
			t.Fatalf("expected ringing, got %s", got.Status)
		}
	}

	if got := next(t, sub); got.Status != calls.StatusRinging {
		t.Fatalf("expected ringing update, got %s", got.Status)
	}
	expectQuiet(t, sub)

	if n := len(repo.ForCall(rec.ID)); n != 2 {
		t.Fatalf("expected create and one ringing event, got %d", n)
	}
}

func TestUpdateRinging_LateIsNoop(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec := createRinging(t, svc)
	if _, err := svc.AcceptCall(ctx, rec.ID, therapist); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, err := svc.UpdateRinging(ctx, rec.ID, therapist)
	if err != nil {
		t.Fatalf("late ringing should be a no-op, got %v", err)
	}
	if got.Status != calls.StatusAccepted {
		t.Fatalf("expected accepted to stick, got %s", got.Status)
	}
}

func TestAcceptAfterCancel_ReturnsCurrentRecord(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec := createRinging(t, svc)
	if _, err := svc.CancelCall(ctx, rec.ID, patient); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := svc.AcceptCall(ctx, rec.ID, therapist)
	if !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got.Status != calls.StatusCancelled {
		t.Fatalf("expected loser to see cancelled, got %s", got.Status)
	}
}

func TestCancelAfterAccept_ReturnsAccepted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec := createRinging(t, svc)
	if _, err := svc.AcceptCall(ctx, rec.ID, therapist); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got, err := svc.CancelCall(ctx, rec.ID, patient)
	if !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got.Status != calls.StatusAccepted {
		t.Fatalf("expected accepted, got %s", got.Status)
	}
}

func TestAcceptCancelRace_ExactlyOneWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		svc, _, _ := newTestService(t)
		ctx := context.Background()
		rec := createRinging(t, svc)

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = svc.AcceptCall(ctx, rec.ID, therapist)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = svc.CancelCall(ctx, rec.ID, patient)
		}()
		wg.Wait()

		if (acceptErr == nil) == (cancelErr == nil) {
			t.Fatalf("expected exactly one winner, accept=%v cancel=%v", acceptErr, cancelErr)
		}
		final, _ := svc.GetCall(ctx, rec.ID, patient)
		if acceptErr == nil && final.Status != calls.StatusAccepted {
			t.Fatalf("accept won but status is %s", final.Status)
		}
		if cancelErr == nil && final.Status != calls.StatusCancelled {
			t.Fatalf("cancel won but status is %s", final.Status)
		}
	}
}

func TestTerminalStatusesAreFinal(t *testing.T) {
	ctx := context.Background()

	finishers := map[calls.Status]func(svc *Service, id string) error{
		calls.StatusDeclined: func(svc *Service, id string) error {
			_, err := svc.DeclineCall(ctx, id, therapist, calls.DeclineReasonDeclined)
			return err
		},
		calls.StatusMissed: func(svc *Service, id string) error {
			_, err := svc.DeclineCall(ctx, id, therapist, calls.DeclineReasonTimeout)
			return err
		},
		calls.StatusCancelled: func(svc *Service, id string) error {
			_, err := svc.CancelCall(ctx, id, patient)
			return err
		},
		calls.StatusEnded: func(svc *Service, id string) error {
			if _, err := svc.AcceptCall(ctx, id, therapist); err != nil {
				return err
			}
			_, err := svc.EndCall(ctx, id, patient)
			return err
		},
	}

	for status, finish := range finishers {
		t.Run(string(status), func(t *testing.T) {
			svc, _, _ := newTestService(t)
			rec := createRinging(t, svc)
			if err := finish(svc, rec.ID); err != nil {
				t.Fatalf("finish: %v", err)
			}

			ops := []func() (calls.Record, error){
				func() (calls.Record, error) { return svc.AcceptCall(ctx, rec.ID, therapist) },
				func() (calls.Record, error) {
					return svc.DeclineCall(ctx, rec.ID, therapist, calls.DeclineReasonDeclined)
				},
				func() (calls.Record, error) {
					return svc.DeclineCall(ctx, rec.ID, therapist, calls.DeclineReasonTimeout)
				},
				func() (calls.Record, error) { return svc.CancelCall(ctx, rec.ID, patient) },
				func() (calls.Record, error) { return svc.EndCall(ctx, rec.ID, therapist) },
				func() (calls.Record, error) {
					return svc.UpdateMediaState(ctx, rec.ID, patient, calls.MediaState{AudioEnabled: true})
				},
			}
			for i, op := range ops {
				got, err := op()
				if !errors.Is(err, calls.ErrInvalidTransition) {
					t.Fatalf("op %d: expected ErrInvalidTransition, got %v", i, err)
				}
				if got.Status != status {
					t.Fatalf("op %d: status changed to %s", i, got.Status)
				}
			}

			// Ringing is a silent no-op on a terminal record.
			got, err := svc.UpdateRinging(ctx, rec.ID, therapist)
			if err != nil || got.Status != status {
				t.Fatalf("expected ringing no-op, got %s %v", got.Status, err)
			}
		})
	}
}

func TestDeclineCall_ReasonSelectsStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec := createRinging(t, svc)
	got, err := svc.DeclineCall(ctx, rec.ID, therapist, calls.DeclineReasonTimeout)
	if err != nil || got.Status != calls.StatusMissed {
		t.Fatalf("expected missed, got %s %v", got.Status, err)
	}

	rec = createRinging(t, svc)
	got, err = svc.DeclineCall(ctx, rec.ID, therapist, "")
	if err != nil || got.Status != calls.StatusDeclined {
		t.Fatalf("expected declined, got %s %v", got.Status, err)
	}

	rec = createRinging(t, svc)
	if _, err := svc.DeclineCall(ctx, rec.ID, therapist, "busy"); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestOperations_EnforceParties(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	rec := createRinging(t, svc)

	checks := []struct {
		name string
		op   func() error
	}{
		{"stranger accept", func() error { _, err := svc.AcceptCall(ctx, rec.ID, stranger); return err }},
		{"caller accept", func() error { _, err := svc.AcceptCall(ctx, rec.ID, patient); return err }},
		{"caller decline", func() error {
			_, err := svc.DeclineCall(ctx, rec.ID, patient, calls.DeclineReasonDeclined)
			return err
		}},
		{"callee cancel", func() error { _, err := svc.CancelCall(ctx, rec.ID, therapist); return err }},
		{"stranger ringing", func() error { _, err := svc.UpdateRinging(ctx, rec.ID, stranger); return err }},
		{"stranger get", func() error { _, err := svc.GetCall(ctx, rec.ID, stranger); return err }},
		{"stranger subscribe", func() error { _, err := svc.SubscribeToCall(ctx, rec.ID, stranger); return err }},
	}
	for _, c := range checks {
		if err := c.op(); !errors.Is(err, calls.ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden, got %v", c.name, err)
		}
	}

	if _, err := svc.AcceptCall(ctx, "missing", therapist); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMediaState_WritesOwnSide(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	rec := createRinging(t, svc)

	if _, err := svc.UpdateMediaState(ctx, rec.ID, patient, calls.MediaState{AudioEnabled: true}); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected media update to be rejected before accept, got %v", err)
	}
	if _, err := svc.AcceptCall(ctx, rec.ID, therapist); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sub, err := svc.SubscribeToCall(ctx, rec.ID, patient)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	next(t, sub)

	got, err := svc.UpdateMediaState(ctx, rec.ID, therapist, calls.MediaState{AudioEnabled: true, VideoEnabled: false})
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	if got.Status != calls.StatusAccepted {
		t.Fatalf("media update changed status to %s", got.Status)
	}
	if got.CalleeMedia == nil || !got.CalleeMedia.AudioEnabled || got.CalleeMedia.VideoEnabled {
		t.Fatalf("unexpected callee media %+v", got.CalleeMedia)
	}
	if got.CallerMedia != nil {
		t.Fatalf("caller media must not be touched")
	}

	pushed := next(t, sub)
	if pushed.CalleeMedia == nil || !pushed.CalleeMedia.AudioEnabled {
		t.Fatalf("expected subscriber to see callee media, got %+v", pushed.CalleeMedia)
	}
}

func TestSubscribeToCall_DeliversInCommitOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec, _ := svc.CreateCall(ctx, CreateCallRequest{CallerID: patient, CalleeID: therapist})
	sub, err := svc.SubscribeToCall(ctx, rec.ID, therapist)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_, _ = svc.UpdateRinging(ctx, rec.ID, therapist)
	_, _ = svc.AcceptCall(ctx, rec.ID, therapist)
	_, _ = svc.EndCall(ctx, rec.ID, patient)

	want := []calls.Status{calls.StatusDialing, calls.StatusRinging, calls.StatusAccepted, calls.StatusEnded}
	for i, w := range want {
		got := next(t, sub)
		if got.Status != w {
			t.Fatalf("delivery %d: expected %s, got %s", i, w, got.Status)
		}
		if got.Version != int64(i+1) {
			t.Fatalf("delivery %d: expected version %d, got %d", i, i+1, got.Version)
		}
	}

	sub.Close()
	if _, ok := <-sub.Updates(); ok {
		t.Fatalf("expected closed feed")
	}
	if sub.Err() != nil {
		t.Fatalf("owner close should leave Err nil, got %v", sub.Err())
	}
}

func TestSubscribeToIncomingCalls_OnlyMatchingCallee(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.SubscribeToIncomingCalls(ctx, therapist)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := svc.CreateCall(ctx, CreateCallRequest{CallerID: patient, CalleeID: "therapist2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := svc.CreateCall(ctx, CreateCallRequest{CallerID: patient, CalleeID: therapist, CallerName: "Pat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got := next(t, sub)
	if got.ID != rec.ID || got.Status != calls.StatusDialing || got.CallerName != "Pat" {
		t.Fatalf("unexpected incoming record %+v", got)
	}
	expectQuiet(t, sub)

	if _, err := svc.SubscribeToIncomingCalls(ctx, ""); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSubscribeToCall_StoreLossSurfaces(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	rec := createRinging(t, svc)

	sub, err := svc.SubscribeToCall(ctx, rec.ID, patient)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	next(t, sub)

	store.DropWatchers()
	if _, ok := <-sub.Updates(); ok {
		t.Fatalf("expected closed feed")
	}
	if !errors.Is(sub.Err(), calls.ErrSubscriptionLost) {
		t.Fatalf("expected ErrSubscriptionLost, got %v", sub.Err())
	}
}
