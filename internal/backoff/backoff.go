// Package backoff computes retry delays for queue publish attempts:
// exponential growth from a base delay up to a cap, with random jitter
// to keep concurrently retrying publishers from reconverging on the
// same instant.
package backoff

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Policy configures one dependency's retry schedule.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	JitterFrac  float64 // e.g. 0.25 for +/-25%
	MaxAttempts int
}

// PublisherPolicy is the default retry schedule for queue publish
// attempts: 100ms base, doubling, capped at 16s, +/-25% jitter, up to 5
// attempts before the event is routed to the dead-letter store.
var PublisherPolicy = Policy{
	Base:        100 * time.Millisecond,
	Factor:      2.0,
	Max:         16 * time.Second,
	JitterFrac:  0.25,
	MaxAttempts: 5,
}

// Delay computes the delay before attempt (0-indexed: the first retry
// is attempt 1, since attempt 0 is the initial try) under policy.
func Delay(policy Policy, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	exp := float64(policy.Base)
	for i := 1; i < attempt; i++ {
		exp *= policy.Factor
		if exp > float64(policy.Max) {
			exp = float64(policy.Max)
			break
		}
	}
	if exp > float64(policy.Max) {
		exp = float64(policy.Max)
	}

	jittered := applyJitter(exp, policy.JitterFrac)
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// applyJitter perturbs base by +/- frac using crypto/rand, so the
// result is unpredictable to an adversary that can observe retry
// timing (unlike the deterministic, hash-seeded jitter an idempotent
// effect-replay system needs instead).
func applyJitter(base float64, frac float64) float64 {
	if frac <= 0 {
		return base
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return base
	}
	// Map the random 64 bits onto [-frac, +frac].
	r := float64(binary.BigEndian.Uint64(buf[:])) / float64(^uint64(0))
	offset := (r*2 - 1) * frac
	return base * (1 + offset)
}

// Exhausted reports whether the try that just completed (attempt is
// 0-indexed, so attempt n is the n+1th try) has used up the policy's
// budget and the caller should route to the dead-letter store instead.
func Exhausted(policy Policy, attempt int) bool {
	return attempt+1 >= policy.MaxAttempts
}
