package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("test", Thresholds{FailuresToOpen: 3, SuccessesToClose: 2, OpenTimeout: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State())

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	b := New("test", Thresholds{FailuresToOpen: 1, SuccessesToClose: 1, OpenTimeout: 10 * time.Millisecond})

	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, Open, b.State())
	assert.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())

	// Only one probe allowed while half-open.
	require.True(t, b.Allow())
	assert.False(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := New("test", Thresholds{FailuresToOpen: 1, SuccessesToClose: 1, OpenTimeout: 10 * time.Millisecond})

	require.True(t, b.Allow())
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreakerRequiresConsecutiveSuccessesToClose(t *testing.T) {
	b := New("test", Thresholds{FailuresToOpen: 1, SuccessesToClose: 2, OpenTimeout: 5 * time.Millisecond})

	require.True(t, b.Allow())
	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestRegistryAnyOpen(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.AnyOpen())

	for i := 0; i < r.QueuePublisher.thresholds.FailuresToOpen; i++ {
		r.QueuePublisher.Allow()
		r.QueuePublisher.RecordFailure()
	}
	assert.True(t, r.AnyOpen())

	snaps := r.Snapshots()
	require.Len(t, snaps, 3)
}
