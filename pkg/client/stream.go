package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/signaling"
)

// SubscribeToCall opens the call's websocket stream. The server sends the
// current record first.
func (c *Client) SubscribeToCall(ctx context.Context, id, actor string) (signaling.Subscription, error) {
	if err := c.actAs(actor); err != nil {
		return nil, err
	}
	return c.stream(ctx, callPath(id, "stream"))
}

func (c *Client) SubscribeToIncomingCalls(ctx context.Context, calleeID string) (signaling.Subscription, error) {
	if err := c.actAs(calleeID); err != nil {
		return nil, err
	}
	return c.stream(ctx, "/v1/calls/incoming/stream")
}

// stream dials path and pumps JSON frames into a Feed.
//
// Any end of the socket the owner did not ask for (close 1011, a network
// error, a server restart) fails the feed with calls.ErrSubscriptionLost,
// since records may have been missed.
func (c *Client) stream(ctx context.Context, path string) (signaling.Subscription, error) {
	wsURL := c.baseURL + path
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[len("http"):]
	}
	header := http.Header{}
	header.Set("Authorization", c.bearer())

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, decodeError(resp)
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: dial %s: %v", calls.ErrStoreUnavailable, path, err)
	}

	feed := signaling.NewFeed(c.buffer, func() { _ = conn.Close() })
	log := c.log.With("stream", path)

	go func() {
		for {
			var rec calls.Record
			if err := conn.ReadJSON(&rec); err != nil {
				if feed.Closed() {
					return
				}
				if websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
					log.Warn("server dropped call stream", "err", err)
				} else {
					log.Warn("call stream lost", "err", err)
				}
				feed.Fail(calls.ErrSubscriptionLost)
				return
			}
			if !feed.Publish(rec) {
				// Closed by the owner, or overflowed and already failed.
				_ = conn.Close()
				return
			}
		}
	}()
	return feed, nil
}
