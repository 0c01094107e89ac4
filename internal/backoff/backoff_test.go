package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayZeroAttemptIsZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(PublisherPolicy, 0))
}

func TestDelayGrowsWithinJitterBounds(t *testing.T) {
	policy := Policy{Base: 100 * time.Millisecond, Factor: 2.0, Max: 16 * time.Second, JitterFrac: 0.25, MaxAttempts: 5}

	for attempt := 1; attempt <= 5; attempt++ {
		exp := float64(policy.Base)
		for i := 1; i < attempt; i++ {
			exp *= policy.Factor
			if exp > float64(policy.Max) {
				exp = float64(policy.Max)
				break
			}
		}
		lower := time.Duration(exp * 0.75)
		upper := time.Duration(exp * 1.25)

		for i := 0; i < 20; i++ {
			d := Delay(policy, attempt)
			assert.GreaterOrEqual(t, d, lower, "attempt %d", attempt)
			assert.LessOrEqual(t, d, upper+time.Millisecond, "attempt %d", attempt)
		}
	}
}

func TestDelayNeverExceedsCapByMoreThanJitter(t *testing.T) {
	policy := Policy{Base: 100 * time.Millisecond, Factor: 2.0, Max: 1 * time.Second, JitterFrac: 0.25, MaxAttempts: 10}
	d := Delay(policy, 10)
	assert.LessOrEqual(t, d, time.Duration(float64(policy.Max)*1.25)+time.Millisecond)
}

func TestExhausted(t *testing.T) {
	policy := Policy{MaxAttempts: 5}
	assert.False(t, Exhausted(policy, 3)) // 4th try done, one left
	assert.True(t, Exhausted(policy, 4))  // 5th try done, budget spent
	assert.True(t, Exhausted(policy, 5))
}
