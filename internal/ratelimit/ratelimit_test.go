package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestBudgetAllow(t *testing.T) {
	_, rdb := newRedis(t)
	b := NewBudget(rdb, 2)
	now := time.Date(2026, 2, 13, 10, 15, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		allowed, used, resetAt, err := b.Allow(context.Background(), 7, "groq", now)
		if err != nil {
			t.Fatalf("allow#%d: %v", i, err)
		}
		if used != i || allowed != (i <= 2) {
			t.Fatalf("call %d: allowed=%v used=%d", i, allowed, used)
		}
		if !resetAt.Equal(time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected reset %v", resetAt)
		}
	}

	allowed, used, _, err := b.Allow(context.Background(), 7, "gemini", now)
	if err != nil || !allowed || used != 1 {
		t.Fatalf("providers must have separate budgets: allowed=%v used=%d err=%v", allowed, used, err)
	}
	allowed, _, _, _ = b.Allow(context.Background(), 7, "groq", now.Add(time.Hour))
	if !allowed {
		t.Fatalf("next window must reset the budget")
	}
}

func TestSendDeduplicator(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewSendDeduplicator(rdb, time.Minute)
	ctx := context.Background()

	first, err := d.MarkFirst(ctx, 1, "c1", "k1")
	if err != nil || !first {
		t.Fatalf("first mark: %v %v", first, err)
	}
	again, err := d.MarkFirst(ctx, 1, "c1", "k1")
	if err != nil || again {
		t.Fatalf("replay must be rejected: %v %v", again, err)
	}
	other, _ := d.MarkFirst(ctx, 1, "c2", "k1")
	if !other {
		t.Fatalf("keys are scoped per conversation")
	}

	mr.FastForward(2 * time.Minute)
	expired, _ := d.MarkFirst(ctx, 1, "c1", "k1")
	if !expired {
		t.Fatalf("key must expire after ttl")
	}

	if err := d.Release(ctx, 1, "c1", "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("convoai:send:1:c1:k1") {
		t.Fatalf("released key must be gone")
	}
	reused, _ := d.MarkFirst(ctx, 1, "c1", "k1")
	if !reused {
		t.Fatalf("released key must be usable again")
	}
	if err := d.Release(ctx, 1, "c9", "missing"); err != nil {
		t.Fatalf("releasing an unknown key is not an error: %v", err)
	}
}
