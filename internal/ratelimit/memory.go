package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// tokenBucket is a thread-safe single-key token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(ratePerSec float64, capacity int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow(cost int) (allowed bool, remaining float64, retryAfterSeconds int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true, tb.tokens, 0
	}

	retryAfter := 1
	if tb.refillRate > 0 {
		deficit := float64(cost) - tb.tokens
		retryAfter = int(deficit/tb.refillRate) + 1
	}
	return false, tb.tokens, retryAfter
}

// shardCount spreads bucket lookups over independent locks; ingress
// traffic hits the IP bucket and the repository bucket on every
// request, so a single map mutex would serialise all of it.
const shardCount = 16

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// MemoryStore is a single-instance Store, suitable for local
// development or a deployment without a shared Redis. Buckets are
// sharded by xxhash of the key.
type MemoryStore struct {
	shards [shardCount]bucketShard
}

// NewMemoryStore builds an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*tokenBucket)
	}
	return s
}

// Allow implements Store.
func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy, cost int) (Decision, error) {
	shard := &s.shards[xxhash.Sum64String(key)%shardCount]

	shard.mu.Lock()
	tb, exists := shard.buckets[key]
	if !exists {
		rate := float64(policy.RequestsPerMinute) / 60.0
		if rate <= 0 {
			rate = 1
		}
		tb = newTokenBucket(rate, policy.Burst)
		shard.buckets[key] = tb
	}
	shard.mu.Unlock()

	allowed, remaining, retryAfter := tb.allow(cost)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:           allowed,
		Limit:             policy.Burst,
		Remaining:         int(remaining),
		RetryAfterSeconds: retryAfter,
	}, nil
}
