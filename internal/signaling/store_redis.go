package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/metrics"
	"teletherapy-calls/pkg/logger"
)

// RedisStore keeps call records in Redis.
//
// Layout:
// - call:{id}                  record JSON, expires after the retention TTL
// - call:{id}:events           pub/sub channel carrying every committed record
// - calls:incoming:{calleeId}  pub/sub channel carrying newly created records
//
// Mutations run as Lua scripts, so read-check-write-publish is atomic per
// record and publish order equals commit order.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	buffer int
	log    *slog.Logger
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl, buffer: DefaultFeedBuffer, log: logger.OrDefault(log)}
}

func recordKey(id string) string           { return "call:" + id }
func eventsChannel(id string) string       { return "call:" + id + ":events" }
func incomingChannel(callee string) string { return "calls:incoming:" + callee }

var createScript = redis.NewScript(`
-- KEYS[1] = record key
-- KEYS[2] = incoming channel of the callee
-- ARGV[1] = record json
-- ARGV[2] = ttl_ms
--
-- Returns 1 if created, 0 if the id already exists.
local ok = redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2], 'NX')
if not ok then
  return 0
end
redis.call('PUBLISH', KEYS[2], ARGV[1])
return 1
`)

var transitionScript = redis.NewScript(`
-- KEYS[1] = record key
-- KEYS[2] = record events channel
-- ARGV[1] = target status
-- ARGV[2] = updatedAt (RFC3339)
-- ARGV[3] = comma separated statuses the transition may start from
-- ARGV[4] = comma separated statuses where the request is a no-op
--
-- Returns {code, record json, previous status}; code is ok, noop, invalid or missing.
local raw = redis.call('GET', KEYS[1])
if not raw then
  return {'missing', '', ''}
end

local function listed(csv, s)
  for v in string.gmatch(csv, '[^,]+') do
    if v == s then
      return true
    end
  end
  return false
end

local rec = cjson.decode(raw)
local prev = rec['status']
if listed(ARGV[4], prev) then
  return {'noop', raw, prev}
end
if not listed(ARGV[3], prev) then
  return {'invalid', raw, prev}
end

rec['status'] = ARGV[1]
rec['updatedAt'] = ARGV[2]
rec['version'] = (tonumber(rec['version']) or 0) + 1
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
redis.call('PUBLISH', KEYS[2], out)
return {'ok', out, prev}
`)

var mediaScript = redis.NewScript(`
-- KEYS[1] = record key
-- KEYS[2] = record events channel
-- ARGV[1] = media field (callerMedia or calleeMedia)
-- ARGV[2] = audio enabled (1/0)
-- ARGV[3] = video enabled (1/0)
-- ARGV[4] = updatedAt (RFC3339)
--
-- Returns {code, record json}; code is ok, invalid or missing.
local raw = redis.call('GET', KEYS[1])
if not raw then
  return {'missing', ''}
end

local rec = cjson.decode(raw)
if rec['status'] ~= 'accepted' then
  return {'invalid', raw}
end

rec[ARGV[1]] = {audioEnabled = ARGV[2] == '1', videoEnabled = ARGV[3] == '1'}
rec['updatedAt'] = ARGV[4]
rec['version'] = (tonumber(rec['version']) or 0) + 1
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
redis.call('PUBLISH', KEYS[2], out)
return {'ok', out}
`)

func (s *RedisStore) Create(ctx context.Context, rec calls.Record) error {
	rec.Version = 1
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	created, err := createScript.Run(ctx, s.rdb,
		[]string{recordKey(rec.ID), incomingChannel(rec.CalleeID)},
		string(payload), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return storeErr("create", err)
	}
	if created != 1 {
		return fmt.Errorf("%w: call id %s already exists", calls.ErrInvalidArgument, rec.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (calls.Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return calls.Record{}, calls.ErrNotFound
		}
		return calls.Record{}, storeErr("get", err)
	}
	return decodeRecord(raw)
}

func (s *RedisStore) Transition(ctx context.Context, id string, rule calls.Rule, at time.Time) (TransitionResult, error) {
	vals, err := transitionScript.Run(ctx, s.rdb,
		[]string{recordKey(id), eventsChannel(id)},
		string(rule.To), at.UTC().Format(time.RFC3339Nano), joinStatuses(rule.From), joinStatuses(rule.NoopFrom),
	).StringSlice()
	if err != nil {
		return TransitionResult{}, storeErr("transition", err)
	}
	if len(vals) != 3 {
		return TransitionResult{}, storeErr("transition", fmt.Errorf("unexpected script reply %v", vals))
	}

	code, raw, prev := vals[0], vals[1], calls.Status(vals[2])
	if code == "missing" {
		return TransitionResult{}, calls.ErrNotFound
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return TransitionResult{}, err
	}

	res := TransitionResult{Record: rec, From: prev}
	switch code {
	case "ok":
		return res, nil
	case "noop":
		res.Noop = true
		return res, nil
	default:
		return res, calls.ErrInvalidTransition
	}
}

func (s *RedisStore) UpdateMedia(ctx context.Context, id string, side calls.Side, state calls.MediaState, at time.Time) (calls.Record, error) {
	field := "calleeMedia"
	if side == calls.SideCaller {
		field = "callerMedia"
	}

	vals, err := mediaScript.Run(ctx, s.rdb,
		[]string{recordKey(id), eventsChannel(id)},
		field, flag(state.AudioEnabled), flag(state.VideoEnabled), at.UTC().Format(time.RFC3339Nano),
	).StringSlice()
	if err != nil {
		return calls.Record{}, storeErr("media", err)
	}
	if len(vals) != 2 {
		return calls.Record{}, storeErr("media", fmt.Errorf("unexpected script reply %v", vals))
	}
	if vals[0] == "missing" {
		return calls.Record{}, calls.ErrNotFound
	}

	rec, err := decodeRecord(vals[1])
	if err != nil {
		return calls.Record{}, err
	}
	if vals[0] != "ok" {
		return rec, calls.ErrInvalidTransition
	}
	return rec, nil
}

func (s *RedisStore) Watch(ctx context.Context, id string) (Subscription, error) {
	ps, err := s.subscribe(ctx, eventsChannel(id))
	if err != nil {
		return nil, err
	}

	// Snapshot after the subscription is confirmed; anything committed in
	// between arrives on the channel and is filtered by version.
	snap, err := s.Get(ctx, id)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	feed := s.startPump(ps, "call", snap.Version)
	feed.Publish(snap)
	return feed, nil
}

func (s *RedisStore) WatchIncoming(ctx context.Context, calleeID string) (Subscription, error) {
	ps, err := s.subscribe(ctx, incomingChannel(calleeID))
	if err != nil {
		return nil, err
	}
	return s.startPump(ps, "incoming", 0), nil
}

func (s *RedisStore) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, storeErr("subscribe", err)
	}
	return ps, nil
}

// startPump forwards pub/sub messages into a feed until the owner closes it
// or the connection breaks. Messages published while the connection is down
// cannot be recovered, so the first receive error ends the feed as lost.
func (s *RedisStore) startPump(ps *redis.PubSub, kind string, seen int64) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	feed := NewFeed(s.buffer, func() {
		cancel()
		metrics.Subscriptions.WithLabelValues(kind).Dec()
	})
	metrics.Subscriptions.WithLabelValues(kind).Inc()

	go func() {
		defer ps.Close()
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("call feed lost", "channel", ps.String(), "err", err)
				metrics.SubscriptionsLost.WithLabelValues(kind).Inc()
				feed.Fail(calls.ErrSubscriptionLost)
				return
			}

			rec, err := decodeRecord(msg.Payload)
			if err != nil {
				s.log.Error("undecodable call record on feed", "channel", msg.Channel, "err", err)
				continue
			}
			// Incoming feeds carry distinct records; only per-record feeds dedupe.
			if kind == "call" {
				if rec.Version <= seen {
					continue
				}
				seen = rec.Version
			}
			if !feed.Publish(rec) {
				if feed.Err() != nil {
					metrics.SubscriptionsLost.WithLabelValues(kind).Inc()
				}
				return
			}
		}
	}()
	return feed
}

func decodeRecord(raw string) (calls.Record, error) {
	var rec calls.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return calls.Record{}, fmt.Errorf("%w: decode record: %v", calls.ErrStoreUnavailable, err)
	}
	if rec.ID == "" || !rec.Status.Valid() {
		return calls.Record{}, fmt.Errorf("%w: corrupt record %q with status %q", calls.ErrStoreUnavailable, rec.ID, rec.Status)
	}
	return rec, nil
}

func storeErr(op string, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %v", calls.ErrStoreUnavailable, op, err)
}

func joinStatuses(list []calls.Status) string {
	out := ""
	for i, s := range list {
		if i > 0 {
			out += ","
		}
		out += string(s)
	}
	return out
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
