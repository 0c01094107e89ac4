package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireIngressRejectsWhenExhausted(t *testing.T) {
	g := NewGovernor(1, 1)

	release, ok := g.AcquireIngress()
	require.True(t, ok)
	assert.Equal(t, 1, g.IngressInFlight())

	_, ok = g.AcquireIngress()
	assert.False(t, ok)

	release()
	assert.Equal(t, 0, g.IngressInFlight())

	_, ok = g.AcquireIngress()
	assert.True(t, ok)
}

func TestAcquirePublishBlocksThenUnblocks(t *testing.T) {
	g := NewGovernor(1, 1)
	release, err := g.AcquirePublish(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r2, err := g.AcquirePublish(context.Background())
		require.NoError(t, err)
		r2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should have blocked while first permit held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked")
	}
}

func TestAcquirePublishRespectsContextCancellation(t *testing.T) {
	g := NewGovernor(1, 1)
	_, err := g.AcquirePublish(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = g.AcquirePublish(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
