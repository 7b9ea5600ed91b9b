package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a shared per-vendor token bucket in Redis so that
// several processes calling the same LLM vendor draw from one budget.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "rl:vendor:",
		now:      time.Now,
	}
}

// Allow consumes a single token for the vendor if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, vendor string) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + vendor}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", vendor, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %T", vendor, res)
	}
	flag, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return flag == 1, tokens, nil
}

// RetryAfter estimates how long until one token is available again.
func (b *TokenBucket) RetryAfter() time.Duration {
	if b.refill <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / b.refill)
}

// Lua truncates fractional tokens in replies, so the count is advisory.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
