package signaling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Notifier wakes a callee who may not hold an open incoming feed.
type Notifier interface {
	NotifyIncoming(ctx context.Context, calleeID string, payload map[string]string) error
}

// PushOutboxKey is the Redis list a push dispatcher pops from (BRPOP).
const PushOutboxKey = "push:outbox"

// maxOutbox bounds the list when no dispatcher is draining it.
const maxOutbox = 10000

// PushMessage is one queued push. Payload carries the call fields from
// calls.Record.PushPayload.
type PushMessage struct {
	ID        string            `json:"id"`
	CalleeID  string            `json:"calleeId"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"createdAt"`
}

// RedisOutbox queues push messages on a Redis list, newest at the head.
type RedisOutbox struct {
	rdb *redis.Client
	key string
	now func() time.Time
}

func NewRedisOutbox(rdb *redis.Client) *RedisOutbox {
	return &RedisOutbox{rdb: rdb, key: PushOutboxKey, now: time.Now}
}

func (o *RedisOutbox) NotifyIncoming(ctx context.Context, calleeID string, payload map[string]string) error {
	msg, err := json.Marshal(PushMessage{
		ID:        uuid.NewString(),
		CalleeID:  calleeID,
		Payload:   payload,
		CreatedAt: o.now().UTC(),
	})
	if err != nil {
		return err
	}

	pipe := o.rdb.TxPipeline()
	pipe.LPush(ctx, o.key, msg)
	pipe.LTrim(ctx, o.key, 0, maxOutbox-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("push outbox", err)
	}
	return nil
}
