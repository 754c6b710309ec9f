package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/config"
	"teletherapy-calls/internal/inbound"
	"teletherapy-calls/internal/matching"
	"teletherapy-calls/internal/media"
	"teletherapy-calls/internal/mediasync"
	"teletherapy-calls/internal/outbound"
	"teletherapy-calls/internal/rbac"
	"teletherapy-calls/pkg/client"
	"teletherapy-calls/pkg/logger"
)

const (
	tokenEnv        = "CALLSIM_TOKEN"
	refreshTokenEnv = "CALLSIM_REFRESH_TOKEN"
)

type options struct {
	apiURL      string
	role        string
	language    string
	answer      string
	answerDelay time.Duration
	hold        time.Duration
	ringTimeout time.Duration
	autoDecline time.Duration
	env         string
}

func main() {
	var o options
	flag.StringVar(&o.apiURL, "api", "http://localhost:8080", "Signaling API base URL")
	flag.StringVar(&o.role, "role", "caller", "caller or callee")
	flag.StringVar(&o.language, "language", "", "Preferred therapist language (caller)")
	flag.StringVar(&o.answer, "answer", "accept", "accept, decline or ignore (callee)")
	flag.DurationVar(&o.answerDelay, "answer-delay", 2*time.Second, "Delay before answering (callee)")
	flag.DurationVar(&o.hold, "hold", 10*time.Second, "How long to stay connected before hanging up")
	flag.DurationVar(&o.ringTimeout, "ring-timeout", 0, "Per-candidate ring timeout (caller); 0 uses CALL_RING_TIMEOUT or the env default")
	flag.DurationVar(&o.autoDecline, "auto-decline", 0, "Incoming ring timeout (callee); 0 uses CALL_AUTO_DECLINE_TIMEOUT or the env default")
	flag.StringVar(&o.env, "env", "local", "Environment for logging and call timing defaults (local, dev, staging, production)")
	flag.Parse()

	log := logger.NewWithWriter(o.env, os.Stderr).With("service", "callsim", "role", o.role)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, log); err != nil {
		log.Error("callsim failed", "err", err)
		os.Exit(1)
	}
}

// sim is one simulated party.
type sim struct {
	o     options
	calls config.CallsConfig
	c     *client.Client
	log   *slog.Logger
}

func run(ctx context.Context, o options, log *slog.Logger) error {
	cfg, err := config.LoadCalls(o.env)
	if err != nil {
		return err
	}
	if o.ringTimeout > 0 {
		cfg.RingTimeout = o.ringTimeout
	}
	if o.autoDecline > 0 {
		cfg.AutoDeclineTimeout = o.autoDecline
	}

	token := os.Getenv(tokenEnv)
	if token == "" {
		return fmt.Errorf("%s is required", tokenEnv)
	}
	c, err := client.New(o.apiURL, token, log)
	if err != nil {
		return err
	}
	s := sim{o: o, calls: cfg, c: c, log: log.With("user_id", c.UserID())}

	if refresh := os.Getenv(refreshTokenEnv); refresh != "" {
		go s.keepFresh(ctx, refresh)
	}

	switch o.role {
	case "caller":
		if err := requireRole(c.Role(), rbac.RolePatient); err != nil {
			return err
		}
		return s.runCaller(ctx)
	case "callee":
		if err := requireRole(c.Role(), rbac.RoleTherapist); err != nil {
			return err
		}
		return s.runCallee(ctx)
	default:
		return fmt.Errorf("unknown -role %q", o.role)
	}
}

// requireRole fails fast on a token the API would refuse for this side.
func requireRole(have, want string) error {
	if have == want || rbac.IsAdmin(have) {
		return nil
	}
	return fmt.Errorf("token role %q cannot act as %s", have, want)
}

// keepFresh refreshes the access token shortly before it expires until ctx ends.
func (s sim) keepFresh(ctx context.Context, refresh string) {
	for {
		wait := time.Until(s.c.ExpiresAt()) * 4 / 5
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		next, err := s.c.Refresh(ctx, refresh)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("token refresh failed", "err", err)
			continue
		}
		refresh = next
	}
}

// --- caller ---

type logObserver struct{ log *slog.Logger }

func (l logObserver) OnState(s outbound.State) { l.log.Info("state", "state", s) }
func (l logObserver) OnAttempt(c matching.Candidate, rec calls.Record) {
	l.log.Info("ringing candidate", "callee_id", c.ID, "call_id", rec.ID, "language", c.LanguageTag)
}
func (l logObserver) OnRinging(rec calls.Record) {
	l.log.Info("callee device ringing", "call_id", rec.ID)
}

func (s sim) runCaller(ctx context.Context) error {
	log := s.log
	transport := media.NewLogTransport(log)
	orch := outbound.New(outbound.Config{
		CallerID:      s.c.UserID(),
		CallerName:    s.c.Name(),
		Language:      s.o.language,
		RingTimeout:   s.calls.RingTimeout,
		CancelTimeout: s.calls.CancelTimeout,
		Subscribe:     s.calls.SubscribePolicy(),
	}, s.c, s.c, transport, logObserver{log}, log)

	res := orch.Run(ctx)
	switch res.Outcome {
	case outbound.OutcomeConnected:
		log.Info("connected", "call_id", res.Record.ID, "channel", res.Record.ChannelName)
		return s.hold(ctx, transport, res.Record, res.Handle)
	case outbound.OutcomeNoTherapists:
		log.Info("no therapists available")
		return nil
	case outbound.OutcomeCancelled:
		log.Info("search cancelled")
		return nil
	default:
		return fmt.Errorf("call search failed: %w", res.Err)
	}
}

// --- callee ---

type answeringUI struct {
	inbound.NopUI
	rings     chan calls.Record
	connected chan connection
	log       *slog.Logger
}

type connection struct {
	rec    calls.Record
	handle media.Handle
}

func (u answeringUI) OnRing(rec calls.Record) {
	u.log.Info("incoming call", "call_id", rec.ID, "caller", rec.CallerName)
	u.rings <- rec
}

func (u answeringUI) OnDismiss(rec calls.Record, reason inbound.DismissReason) {
	u.log.Info("ring dismissed", "call_id", rec.ID, "reason", reason)
}

func (u answeringUI) OnConnected(rec calls.Record, h media.Handle) {
	u.connected <- connection{rec, h}
}

func (u answeringUI) OnUnavailable(rec calls.Record) {
	u.log.Info("call no longer available", "call_id", rec.ID, "status", rec.Status)
}

func (s sim) runCallee(ctx context.Context) error {
	switch s.o.answer {
	case "accept", "decline", "ignore":
	default:
		return fmt.Errorf("unknown -answer %q", s.o.answer)
	}

	log := s.log
	transport := media.NewLogTransport(log)
	ui := answeringUI{rings: make(chan calls.Record, 1), connected: make(chan connection, 1), log: log}
	l := inbound.New(inbound.Config{
		UserID:             s.c.UserID(),
		AutoDeclineTimeout: s.calls.AutoDeclineTimeout,
		CancelTimeout:      s.calls.CancelTimeout,
		Subscribe:          s.calls.SubscribePolicy(),
	}, s.c, transport, ui, log)

	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	for {
		select {
		case err := <-errc:
			return err

		case rec := <-ui.rings:
			go s.answer(ctx, l, rec)

		case conn := <-ui.connected:
			log.Info("connected", "call_id", conn.rec.ID, "channel", conn.rec.ChannelName)
			go func() {
				if err := s.hold(ctx, transport, conn.rec, conn.handle); err != nil {
					log.Warn("call ended with error", "call_id", conn.rec.ID, "err", err)
				}
			}()
		}
	}
}

func (s sim) answer(ctx context.Context, l *inbound.Listener, rec calls.Record) {
	if s.o.answer == "ignore" {
		return
	}
	select {
	case <-time.After(s.o.answerDelay):
	case <-ctx.Done():
		return
	}

	var err error
	if s.o.answer == "accept" {
		_, err = l.Accept(ctx)
	} else {
		err = l.Decline(ctx)
	}
	if err != nil && !errors.Is(err, inbound.ErrNoActiveCall) {
		s.log.Warn("answer failed", "call_id", rec.ID, "answer", s.o.answer, "err", err)
	}
}

// --- in call ---

// hold keeps the call up for -hold while following the counterparty's media
// flags, toggles local video once, then hangs up and leaves the media session.
func (s sim) hold(ctx context.Context, transport media.Transport, rec calls.Record, h media.Handle) error {
	log, c := s.log, s.c
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), s.calls.CancelTimeout)
		defer cancel()
		_ = transport.Leave(leaveCtx, h)
	}()

	ms, err := mediasync.New(rec, c.UserID(), c, s.calls.SubscribePolicy(), func(m calls.MediaState) {
		log.Info("remote media changed", "call_id", rec.ID, "audio", m.AudioEnabled, "video", m.VideoEnabled)
	}, log)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.o.hold)
	defer cancel()
	syncDone := make(chan error, 1)
	go func() { syncDone <- ms.Run(callCtx) }()

	if err := ms.SetVideo(callCtx, false); err != nil {
		log.Warn("video toggle failed", "call_id", rec.ID, "err", err)
	}

	select {
	case err := <-syncDone:
		// The counterparty hung up first, or the feed was lost.
		log.Info("call left accepted", "call_id", rec.ID)
		return err
	case <-callCtx.Done():
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), s.calls.CancelTimeout)
	defer endCancel()
	if _, err := c.EndCall(endCtx, rec.ID, c.UserID()); err != nil && !errors.Is(err, calls.ErrInvalidTransition) {
		return err
	}
	log.Info("hung up", "call_id", rec.ID)
	<-syncDone
	return nil
}
