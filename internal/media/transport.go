package media

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transport is the boundary to the real-time audio/video provider.
//
// Rules:
//   - No provider SDK calls outside transport adapters.
//   - Signaling hands off a channel name once a call is accepted; everything
//     after the join (codecs, ICE, tokens) belongs to the provider.
type Transport interface {
	Name() string
	Join(ctx context.Context, channelName, identity string) (Handle, error)
	Leave(ctx context.Context, h Handle) error
}

// Handle identifies one party's membership in a media session.
type Handle struct {
	ChannelName string    `json:"channel_name"`
	Identity    string    `json:"identity"`
	JoinedAt    time.Time `json:"joined_at"`

	// SessionID is the provider's identifier for this membership, if any.
	SessionID string `json:"session_id,omitempty"`
}

var ErrInvalidChannel = errors.New("media: channel name and identity are required")

// NewChannelName returns an opaque, unique media session identifier.
func NewChannelName() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
