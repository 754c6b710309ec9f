package media

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"teletherapy-calls/pkg/logger"
)

// LogTransport is a provider stand-in that only logs joins and leaves.
//
// It keeps the set of active memberships so local runs and tests can check
// that a handoff happened. Configure a real provider adapter for production.
type LogTransport struct {
	log *slog.Logger

	mu      sync.Mutex
	active  map[string]Handle
	joinErr error
}

func NewLogTransport(log *slog.Logger) *LogTransport {
	return &LogTransport{log: logger.OrDefault(log), active: make(map[string]Handle)}
}

func (t *LogTransport) Name() string { return "log" }

// FailJoins makes Join return err until cleared with FailJoins(nil).
func (t *LogTransport) FailJoins(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joinErr = err
}

func (t *LogTransport) Join(ctx context.Context, channelName, identity string) (Handle, error) {
	if channelName == "" || identity == "" {
		return Handle{}, ErrInvalidChannel
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joinErr != nil {
		return Handle{}, t.joinErr
	}

	h := Handle{
		ChannelName: channelName,
		Identity:    identity,
		JoinedAt:    time.Now().UTC(),
		SessionID:   uuid.NewString(),
	}
	t.active[h.SessionID] = h
	t.log.Info("media join", "channel", channelName, "identity", identity, "session_id", h.SessionID)
	return h, nil
}

func (t *LogTransport) Leave(ctx context.Context, h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, h.SessionID)
	t.log.Info("media leave", "channel", h.ChannelName, "identity", h.Identity, "session_id", h.SessionID)
	return nil
}

// Active returns the current memberships.
func (t *LogTransport) Active() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.active))
	for _, h := range t.active {
		out = append(out, h)
	}
	return out
}
