package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript evaluates the token bucket algorithm atomically so
// concurrent requests against the same key from different replicas
// cannot race each other's refill/consume step.
//
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time, microsecond precision
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisStore is a Store backed by Redis, shared across every ingress
// replica.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a RedisStore over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy, cost int) (Decision, error) {
	rate := float64(policy.RequestsPerMinute) / 60.0
	if rate <= 0 {
		rate = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{"ratelimit:" + key}, rate, policy.Burst, cost, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script response")
	}

	allowed, _ := results[0].(int64)
	tokens := toFloat(results[1])
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	retryAfter := 0
	if allowed != 1 {
		retryAfter = 1
		if rate > 0 {
			deficit := float64(cost) - tokens
			retryAfter = int(deficit/rate) + 1
		}
	}

	return Decision{
		Allowed:           allowed == 1,
		Limit:             policy.Burst,
		Remaining:         remaining,
		RetryAfterSeconds: retryAfter,
	}, nil
}

// toFloat normalises the Lua script's numeric reply, which go-redis
// decodes as either int64 or float64 depending on whether Lua rendered
// it as a whole number.
func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
