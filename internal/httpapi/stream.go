package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/signaling"
	"teletherapy-calls/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// StreamOptions controls websocket keepalive for subscription streams.
type StreamOptions struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	return o
}

// CloseLost is sent when the store dropped the feed behind a stream.
// Clients surface it as calls.ErrSubscriptionLost.
const CloseLost = websocket.CloseInternalServerErr

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Streams authenticate with a bearer token, never cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamCall pushes the current record and every later change as JSON text
// frames. Parties only.
func (h Handlers) StreamCall(c *gin.Context) {
	ctx, actor, ok := h.identity(c)
	if !ok {
		return
	}
	id := c.Param("id")
	sub, err := h.Calls.SubscribeToCall(ctx, id, actor)
	if err != nil {
		writeError(c, err, calls.Record{})
		return
	}
	h.serveStream(c, sub, logger.FromGin(c).With("call_id", id, "stream", "call"))
}

// StreamIncoming pushes each call newly created for the token user.
// RBAC: therapist or admin.
func (h Handlers) StreamIncoming(c *gin.Context) {
	ctx, actor, ok := h.identity(c)
	if !ok {
		return
	}
	sub, err := h.Calls.SubscribeToIncomingCalls(ctx, actor)
	if err != nil {
		writeError(c, err, calls.Record{})
		return
	}
	h.serveStream(c, sub, logger.FromGin(c).With("callee_id", actor, "stream", "incoming"))
}

// serveStream owns sub from here on and closes it when the socket ends.
//
// The handler goroutine is the only writer. A reader goroutine drains client
// frames so pongs and the client's close are processed.
func (h Handlers) serveStream(c *gin.Context, sub signaling.Subscription, log *slog.Logger) {
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	opts := h.Stream.withDefaults()
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("websocket read error", "err", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(opts.PingPeriod)
	defer ticker.Stop()

	log.Debug("stream opened")
	for {
		select {
		case rec, ok := <-sub.Updates():
			if !ok {
				code, text := websocket.CloseNormalClosure, ""
				if err := sub.Err(); err != nil {
					code, text = CloseLost, "subscription lost"
					log.Warn("stream feed lost", "err", err)
				}
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(opts.WriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				log.Debug("stream write failed", "err", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			log.Debug("stream closed by client")
			return
		}
	}
}
