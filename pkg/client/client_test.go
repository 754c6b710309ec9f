package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"teletherapy-calls/internal/auth"
	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/config"
	"teletherapy-calls/internal/httpapi"
	"teletherapy-calls/internal/inbound"
	"teletherapy-calls/internal/matching"
	"teletherapy-calls/internal/media"
	"teletherapy-calls/internal/mediasync"
	"teletherapy-calls/internal/outbound"
	"teletherapy-calls/internal/signaling"
	"teletherapy-calls/pkg/logger"
	"teletherapy-calls/pkg/utils"
)

const wait = 3 * time.Second

type env struct {
	srv   *httptest.Server
	auth  *auth.Manager
	store *signaling.MemoryStore
	svc   *signaling.Service

	patient, therapist, stranger *Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	store := signaling.NewMemoryStore()
	svc := signaling.NewService(store, nil, logger.Discard())
	source := matching.NewMemorySource(matching.Candidate{ID: "therapist1", RankScore: 9, LanguageTag: "en"})

	r := gin.New()
	httpapi.Register(r, httpapi.Handlers{Auth: m, Calls: svc, Source: source})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	newClient := func(user, role, name string) *Client {
		pair, err := m.IssuePair(time.Now(), user, role, name)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		c, err := New(srv.URL, pair.AccessToken, logger.Discard())
		if err != nil {
			t.Fatalf("client: %v", err)
		}
		return c
	}

	return &env{
		srv:       srv,
		auth:      m,
		store:     store,
		svc:       svc,
		patient:   newClient("patient1", "patient", "Pat"),
		therapist: newClient("therapist1", "therapist", "Dr T"),
		stranger:  newClient("patient2", "patient", ""),
	}
}

func (e *env) create(t *testing.T) calls.Record {
	t.Helper()
	rec, err := e.patient.CreateCall(context.Background(), signaling.CreateCallRequest{CallerID: "patient1", CalleeID: "therapist1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func next(t *testing.T, sub signaling.Subscription) calls.Record {
	t.Helper()
	select {
	case rec, ok := <-sub.Updates():
		if !ok {
			t.Fatalf("feed closed: %v", sub.Err())
		}
		return rec
	case <-time.After(wait):
		t.Fatalf("no update")
	}
	return calls.Record{}
}

func TestNew_DecodesToken(t *testing.T) {
	e := newEnv(t)
	if e.patient.UserID() != "patient1" || e.patient.Role() != "patient" || e.patient.Name() != "Pat" {
		t.Fatalf("unexpected identity %q %q %q", e.patient.UserID(), e.patient.Role(), e.patient.Name())
	}
	if _, err := New("http://x", "not-a-jwt", nil); err == nil {
		t.Fatalf("expected error for malformed token")
	}
}

func TestClient_Refresh(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// An access token already past expiry forces the refresh path.
	stale, err := e.auth.IssuePair(time.Now().Add(-30*time.Minute), "therapist1", "therapist", "Dr T")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c, err := New(e.srv.URL, stale.AccessToken, logger.Discard())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := c.ListAvailable(ctx, ""); !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected expired token to be refused, got %v", err)
	}

	refresh, err := c.Refresh(ctx, stale.RefreshToken)
	if err != nil || refresh == "" {
		t.Fatalf("refresh: %q %v", refresh, err)
	}
	if !c.ExpiresAt().After(time.Now()) {
		t.Fatalf("expected a fresh expiry, got %v", c.ExpiresAt())
	}
	if _, err := c.ListAvailable(ctx, ""); err != nil {
		t.Fatalf("list with refreshed token: %v", err)
	}

	other, _ := e.auth.IssuePair(time.Now(), "patient2", "patient", "")
	if _, err := c.Refresh(ctx, other.RefreshToken); !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected refusal to switch identity, got %v", err)
	}
	if c.UserID() != "therapist1" {
		t.Fatalf("identity changed to %q", c.UserID())
	}
}

func TestClient_LifecycleAndErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.create(t)

	if rec.CallerName != "Pat" || rec.Status != calls.StatusDialing {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := e.therapist.UpdateRinging(ctx, rec.ID, "therapist1"); err != nil {
		t.Fatalf("ringing: %v", err)
	}
	if _, err := e.therapist.AcceptCall(ctx, rec.ID, "therapist1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	cur, err := e.patient.CancelCall(ctx, rec.ID, "patient1")
	if !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if cur.Status != calls.StatusAccepted {
		t.Fatalf("expected current accepted record, got %+v", cur)
	}

	if _, err := e.stranger.GetCall(ctx, rec.ID, "patient2"); !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := e.patient.GetCall(ctx, "missing", "patient1"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.patient.AcceptCall(ctx, rec.ID, "therapist1"); !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected local ErrForbidden for foreign actor, got %v", err)
	}
	if _, err := e.therapist.DeclineCall(ctx, rec.ID, "therapist1", "bored"); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	got, err := e.patient.UpdateMediaState(ctx, rec.ID, "patient1", calls.MediaState{AudioEnabled: true})
	if err != nil || got.CallerMedia == nil || !got.CallerMedia.AudioEnabled {
		t.Fatalf("media: %+v %v", got, err)
	}
	if got, err := e.therapist.EndCall(ctx, rec.ID, "therapist1"); err != nil || got.Status != calls.StatusEnded {
		t.Fatalf("end: %+v %v", got, err)
	}
}

func TestClient_StoreUnavailable(t *testing.T) {
	e := newEnv(t)
	e.store.Fail(errors.New("down"))
	_, err := e.patient.CreateCall(context.Background(), signaling.CreateCallRequest{CallerID: "patient1", CalleeID: "therapist1"})
	if !errors.Is(err, calls.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	e.srv.Close()
	_, err = e.patient.GetCall(context.Background(), "x", "patient1")
	if !errors.Is(err, calls.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable for a dead server, got %v", err)
	}
}

func TestClient_ListAvailable(t *testing.T) {
	e := newEnv(t)
	got, err := e.patient.ListAvailable(context.Background(), "en")
	if err != nil || len(got) != 1 || got[0].ID != "therapist1" {
		t.Fatalf("unexpected pool %+v %v", got, err)
	}
}

func TestSubscribeToCall_UpdatesThenLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.create(t)

	sub, err := e.patient.SubscribeToCall(ctx, rec.ID, "patient1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if got := next(t, sub); got.Status != calls.StatusDialing {
		t.Fatalf("expected snapshot, got %+v", got)
	}
	if _, err := e.svc.UpdateRinging(ctx, rec.ID, "therapist1"); err != nil {
		t.Fatalf("ringing: %v", err)
	}
	if got := next(t, sub); got.Status != calls.StatusRinging {
		t.Fatalf("expected ringing, got %+v", got)
	}
	if _, err := e.svc.DeclineCall(ctx, rec.ID, "therapist1", calls.DeclineReasonDeclined); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got := next(t, sub); got.Status != calls.StatusDeclined {
		t.Fatalf("expected declined, got %+v", got)
	}

	e.store.DropWatchers()
	select {
	case _, ok := <-sub.Updates():
		if ok {
			t.Fatalf("expected feed to end")
		}
	case <-time.After(wait):
		t.Fatalf("feed did not end")
	}
	if !errors.Is(sub.Err(), calls.ErrSubscriptionLost) {
		t.Fatalf("expected ErrSubscriptionLost, got %v", sub.Err())
	}
}

func TestSubscribe_CloseIsClean(t *testing.T) {
	e := newEnv(t)
	rec := e.create(t)
	sub, err := e.therapist.SubscribeToCall(context.Background(), rec.ID, "therapist1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	next(t, sub)
	sub.Close()
	sub.Close()
	if sub.Err() != nil {
		t.Fatalf("expected nil error after Close, got %v", sub.Err())
	}
}

func TestSubscribe_RejectedHandshake(t *testing.T) {
	e := newEnv(t)
	rec := e.create(t)
	if _, err := e.stranger.SubscribeToCall(context.Background(), rec.ID, "patient2"); !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := e.patient.SubscribeToIncomingCalls(context.Background(), "patient1"); !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for patient incoming stream, got %v", err)
	}
}

// readySignaler reports when the listener's incoming feed is open.
type readySignaler struct {
	*Client
	ready chan struct{}
}

func (s readySignaler) SubscribeToIncomingCalls(ctx context.Context, calleeID string) (signaling.Subscription, error) {
	sub, err := s.Client.SubscribeToIncomingCalls(ctx, calleeID)
	if err == nil {
		s.ready <- struct{}{}
	}
	return sub, err
}

type ringUI struct {
	inbound.NopUI
	rings chan calls.Record
}

func (u ringUI) OnRing(rec calls.Record) { u.rings <- rec }

func TestRemote_CallerAndCalleeConnect(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backoff := utils.Backoff{Attempts: 1, Initial: time.Millisecond, Max: time.Millisecond}
	calleeMedia := media.NewLogTransport(logger.Discard())
	callerMedia := media.NewLogTransport(logger.Discard())

	ready := make(chan struct{}, 1)
	ui := ringUI{rings: make(chan calls.Record, 1)}
	l := inbound.New(inbound.Config{UserID: "therapist1", AutoDeclineTimeout: 10 * time.Second, Subscribe: backoff},
		readySignaler{Client: e.therapist, ready: ready}, calleeMedia, ui, logger.Discard())
	go func() { _ = l.Run(ctx) }()
	select {
	case <-ready:
	case <-time.After(wait):
		t.Fatalf("listener did not subscribe")
	}

	go func() {
		select {
		case <-ui.rings:
			_, _ = l.Accept(ctx)
		case <-ctx.Done():
		}
	}()

	o := outbound.New(outbound.Config{
		CallerID:    "patient1",
		Language:    "en",
		RingTimeout: 10 * time.Second,
		Subscribe:   backoff,
	}, e.patient, e.patient, callerMedia, nil, logger.Discard())

	res := o.Run(ctx)
	if res.Outcome != outbound.OutcomeConnected {
		t.Fatalf("expected connected, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Record.Status != calls.StatusAccepted || res.Handle.ChannelName != res.Record.ChannelName {
		t.Fatalf("unexpected result %+v", res)
	}

	// Media flags flow from caller to callee through the remote stream.
	remote := make(chan calls.MediaState, 4)
	callee, err := mediasync.New(res.Record, "therapist1", e.therapist, backoff, func(m calls.MediaState) { remote <- m }, logger.Discard())
	if err != nil {
		t.Fatalf("callee sync: %v", err)
	}
	go func() { _ = callee.Run(ctx) }()

	caller, err := mediasync.New(res.Record, "patient1", e.patient, backoff, nil, logger.Discard())
	if err != nil {
		t.Fatalf("caller sync: %v", err)
	}
	// The callee's stream may still be opening; keep writing until it sees the flag.
	deadline := time.After(wait)
	for {
		if err := caller.SetVideo(ctx, false); err != nil {
			t.Fatalf("set video: %v", err)
		}
		select {
		case m := <-remote:
			if !m.VideoEnabled {
				return
			}
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatalf("callee never observed caller media")
		}
	}
}
