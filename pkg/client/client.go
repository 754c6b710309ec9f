package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"teletherapy-calls/internal/auth"
	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/matching"
	"teletherapy-calls/internal/signaling"
	"teletherapy-calls/pkg/logger"
)

// Client talks to the signaling API as the user its access token names.
//
// It satisfies the Signaler interfaces of the outbound, inbound and mediasync
// packages and matching.Source, so those run unchanged against a remote server.
// Errors come back in the calls taxonomy. Transport failures and 5xx
// responses map to calls.ErrStoreUnavailable.
type Client struct {
	baseURL string

	mu     sync.RWMutex
	token  string
	claims auth.Claims

	httpClient *http.Client
	dialer     *websocket.Dialer
	buffer     int
	log        *slog.Logger
}

// New creates a client for baseURL (e.g. "http://localhost:8080").
// The token is decoded, not verified, to learn the acting user; the server verifies it.
func New(baseURL, token string, log *slog.Logger) (*Client, error) {
	claims, err := decodeToken(token)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		claims:  claims,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		buffer: signaling.DefaultFeedBuffer,
		log:    logger.OrDefault(log),
	}, nil
}

func decodeToken(token string) (auth.Claims, error) {
	var claims auth.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return auth.Claims{}, fmt.Errorf("client: decode token: %w", err)
	}
	if claims.UserID == "" {
		return auth.Claims{}, errors.New("client: token carries no user_id")
	}
	return claims, nil
}

func (c *Client) identity() auth.Claims {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.claims
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "Bearer " + c.token
}

// UserID is the party identity the server will act as.
func (c *Client) UserID() string { return c.identity().UserID }

func (c *Client) Role() string { return c.identity().Role }

// Name is the display name carried on the token, if any.
func (c *Client) Name() string { return c.identity().Name }

// ExpiresAt is the access token expiry, zero when the token carries none.
func (c *Client) ExpiresAt() time.Time {
	if exp := c.identity().ExpiresAt; exp != nil {
		return exp.Time
	}
	return time.Time{}
}

// Refresh trades refreshToken for a new pair, switches the client to the new
// access token and returns the new refresh token. Open streams keep the
// token they were dialed with.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var pair auth.TokenPair
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": refreshToken}, &pair); err != nil {
		return "", err
	}
	claims, err := decodeToken(pair.AccessToken)
	if err != nil {
		return "", err
	}
	if claims.UserID != c.UserID() {
		return "", fmt.Errorf("%w: refreshed token names %q", calls.ErrForbidden, claims.UserID)
	}

	c.mu.Lock()
	c.token, c.claims = pair.AccessToken, claims
	c.mu.Unlock()
	c.log.Debug("access token refreshed", "expires_at", c.ExpiresAt())
	return pair.RefreshToken, nil
}

// --- matching.Source ---

func (c *Client) ListAvailable(ctx context.Context, preference string) ([]matching.Candidate, error) {
	path := "/v1/therapists/available"
	if preference != "" {
		path += "?language=" + url.QueryEscape(preference)
	}
	var out struct {
		Therapists []matching.Candidate `json:"therapists"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Therapists, nil
}

// --- signaling operations ---

type createCallBody struct {
	CalleeID     string     `json:"calleeId"`
	CallerAvatar *string    `json:"callerAvatar,omitempty"`
	Type         calls.Type `json:"type,omitempty"`
}

// CreateCall ignores req.CallerName and req.ChannelName: the server takes the
// caller from the token and generates the channel.
func (c *Client) CreateCall(ctx context.Context, req signaling.CreateCallRequest) (calls.Record, error) {
	if err := c.actAs(req.CallerID); err != nil {
		return calls.Record{}, err
	}
	return c.record(ctx, http.MethodPost, "/v1/calls", createCallBody{
		CalleeID:     req.CalleeID,
		CallerAvatar: req.CallerAvatar,
		Type:         req.Type,
	})
}

func (c *Client) GetCall(ctx context.Context, id, actor string) (calls.Record, error) {
	if err := c.actAs(actor); err != nil {
		return calls.Record{}, err
	}
	return c.record(ctx, http.MethodGet, callPath(id, ""), nil)
}

func (c *Client) UpdateRinging(ctx context.Context, id, actor string) (calls.Record, error) {
	return c.transition(ctx, id, actor, "ringing", nil)
}

func (c *Client) AcceptCall(ctx context.Context, id, actor string) (calls.Record, error) {
	return c.transition(ctx, id, actor, "accept", nil)
}

func (c *Client) DeclineCall(ctx context.Context, id, actor string, reason calls.DeclineReason) (calls.Record, error) {
	return c.transition(ctx, id, actor, "decline", map[string]calls.DeclineReason{"reason": reason})
}

func (c *Client) CancelCall(ctx context.Context, id, actor string) (calls.Record, error) {
	return c.transition(ctx, id, actor, "cancel", nil)
}

func (c *Client) EndCall(ctx context.Context, id, actor string) (calls.Record, error) {
	return c.transition(ctx, id, actor, "end", nil)
}

func (c *Client) UpdateMediaState(ctx context.Context, id, actor string, state calls.MediaState) (calls.Record, error) {
	if err := c.actAs(actor); err != nil {
		return calls.Record{}, err
	}
	return c.record(ctx, http.MethodPut, callPath(id, "media"), state)
}

func (c *Client) transition(ctx context.Context, id, actor, op string, body any) (calls.Record, error) {
	if err := c.actAs(actor); err != nil {
		return calls.Record{}, err
	}
	return c.record(ctx, http.MethodPost, callPath(id, op), body)
}

// actAs rejects operations on behalf of anyone but the token user.
func (c *Client) actAs(actor string) error {
	if me := c.UserID(); actor != me {
		return fmt.Errorf("%w: client acts as %q only", calls.ErrForbidden, me)
	}
	return nil
}

func callPath(id, op string) string {
	p := "/v1/calls/" + url.PathEscape(id)
	if op != "" {
		p += "/" + op
	}
	return p
}

// --- HTTP plumbing ---

type errorBody struct {
	Error string        `json:"error"`
	Code  string        `json:"code"`
	Call  *calls.Record `json:"call,omitempty"`
}

// record performs a call operation. On calls.ErrInvalidTransition the
// returned record is the current one the server reported.
func (c *Client) record(ctx context.Context, method, path string, body any) (calls.Record, error) {
	var rec calls.Record
	err := c.do(ctx, method, path, body, &rec)
	var conflict *conflictError
	if errors.As(err, &conflict) {
		return conflict.current, err
	}
	return rec, err
}

type conflictError struct {
	msg     string
	current calls.Record
}

func (e *conflictError) Error() string { return e.msg }
func (e *conflictError) Unwrap() error { return calls.ErrInvalidTransition }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", calls.ErrInvalidArgument, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("%w: %v", calls.ErrInvalidArgument, err)
	}
	req.Header.Set("Authorization", c.bearer())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", calls.ErrStoreUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", calls.ErrStoreUnavailable, err)
		}
		return nil
	}
	return decodeError(resp)
}

// decodeError maps an error response back to the calls taxonomy.
func decodeError(resp *http.Response) error {
	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
	}
	msg := fmt.Sprintf("status %d: %s", resp.StatusCode, eb.Error)

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", calls.ErrInvalidArgument, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", calls.ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", calls.ErrNotFound, msg)
	case http.StatusConflict:
		ce := &conflictError{msg: calls.ErrInvalidTransition.Error() + ": " + msg}
		if eb.Call != nil {
			ce.current = *eb.Call
		}
		return ce
	default:
		return fmt.Errorf("%w: %s", calls.ErrStoreUnavailable, msg)
	}
}
