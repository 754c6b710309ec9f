package utils

import (
	"context"
	"testing"
	"time"
)

func TestRedisConfigDefaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if c.PoolSize != 20 {
		t.Fatalf("expected pool size 20, got %d", c.PoolSize)
	}
	if c.PingTimeout != 2*time.Second {
		t.Fatalf("expected ping timeout 2s, got %s", c.PingTimeout)
	}
}

func TestOpenRedisRequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
