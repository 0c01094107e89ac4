// Package secretstore resolves webhook secrets by name and caches them
// for a TTL, so a vault outage degrades to stale-but-working rather
// than failing every request immediately.
package secretstore

import (
	"context"
	"sync"
	"time"

	"github.com/pvandervelde/queue-keeper/internal/breaker"
)

// Source resolves one named secret from its backing system.
type Source interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// entry is one cached secret value with its expiry.
type entry struct {
	value     string
	expiresAt time.Time
}

// Store fronts a Source with a TTL cache and a circuit breaker. When
// the breaker is open, a cached (possibly stale) value is served for
// up to ExtendedTTL past its normal expiry rather than failing the
// request outright.
type Store struct {
	source      Source
	breaker     *breaker.Breaker
	ttl         time.Duration
	extendedTTL time.Duration

	mu    sync.Mutex
	cache map[string]entry
}

// New builds a Store. breaker may be nil, in which case no breaker
// gating is applied (useful for the literal secret source, which has
// no remote dependency to guard).
func New(source Source, br *breaker.Breaker, ttl, extendedTTL time.Duration) *Store {
	return &Store{
		source:      source,
		breaker:     br,
		ttl:         ttl,
		extendedTTL: extendedTTL,
		cache:       make(map[string]entry),
	}
}

// Resolve returns the secret named name, consulting the cache first.
func (s *Store) Resolve(ctx context.Context, name string) (string, bool) {
	now := time.Now()

	s.mu.Lock()
	cached, ok := s.cache[name]
	s.mu.Unlock()

	if ok && now.Before(cached.expiresAt) {
		return cached.value, true
	}

	if s.breaker != nil && !s.breaker.Allow() {
		if ok && now.Before(cached.expiresAt.Add(s.extendedTTL)) {
			return cached.value, true
		}
		return "", false
	}

	value, err := s.source.Resolve(ctx, name)
	if err != nil {
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		if ok && now.Before(cached.expiresAt.Add(s.extendedTTL)) {
			return cached.value, true
		}
		return "", false
	}

	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}

	s.mu.Lock()
	s.cache[name] = entry{value: value, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()

	return value, true
}
