package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return fixed }

	allowed, _, err := bucket.Allow(ctx, "grok")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "grok")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "grok")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "anthropic")
	if !allowed {
		t.Fatalf("vendors must have separate budgets")
	}

	// The script takes time from the caller, so refill is driven by the clock func.
	fixed = fixed.Add(1500 * time.Millisecond)
	allowed, _, _ = bucket.Allow(ctx, "grok")
	if !allowed {
		t.Fatalf("expected a token after refill")
	}
}

func TestSpacer(t *testing.T) {
	ctx := context.Background()
	s := NewSpacer(20 * time.Millisecond)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Fatalf("three calls should be spaced, elapsed %s", elapsed)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := NewSpacer(time.Hour).Wait(cancelled); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
	if err := NewSpacer(0).Wait(ctx); err != nil {
		t.Fatalf("zero delay spacer should not block: %v", err)
	}
}
