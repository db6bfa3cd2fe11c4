package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// Budget is a fixed hourly window counter per user and provider. It caps calls
// made with the operator's system keys.
type Budget struct {
	redis *redis.Client
	limit int64
}

func NewBudget(rdb *redis.Client, limit int64) *Budget {
	return &Budget{redis: rdb, limit: limit}
}

func (b *Budget) Allow(ctx context.Context, userID int64, provider string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("convoai:budget:%s:%d:%s", provider, userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, b.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("budget script: %w", err)
	}
	return res <= b.limit, res, windowEnd, nil
}

// SendDeduplicator remembers client idempotency keys for chat sends so a
// retried request does not produce a second turn.
type SendDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSendDeduplicator(rdb *redis.Client, ttl time.Duration) *SendDeduplicator {
	return &SendDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether key is new for the conversation. On a redis error
// callers treat the send as first use, so an outage does not block chats.
func (d *SendDeduplicator) MarkFirst(ctx context.Context, userID int64, conversationID, key string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, sendKey(userID, conversationID, key), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// Release forgets key so a send that stored nothing can be retried with it.
func (d *SendDeduplicator) Release(ctx context.Context, userID int64, conversationID, key string) error {
	if err := d.redis.Del(ctx, sendKey(userID, conversationID, key)).Err(); err != nil {
		return fmt.Errorf("dedupe del: %w", err)
	}
	return nil
}

func sendKey(userID int64, conversationID, key string) string {
	return fmt.Sprintf("convoai:send:%d:%s:%s", userID, conversationID, key)
}
