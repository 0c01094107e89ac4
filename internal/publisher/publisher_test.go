package publisher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvandervelde/queue-keeper/internal/apperror"
	"github.com/pvandervelde/queue-keeper/internal/breaker"
	"github.com/pvandervelde/queue-keeper/internal/concurrency"
	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// permanentFailQueue always fails with a non-retryable error, so the
// publisher must dead-letter after the first attempt instead of
// spending its retry budget on a failure that will never clear.
type permanentFailQueue struct {
	calls int
}

func (q *permanentFailQueue) Publish(_ context.Context, _, _ string, _ []byte) error {
	q.calls++
	return apperror.Permanent("queue_not_found", nil)
}

func TestPublishAllSucceeds(t *testing.T) {
	queue := NewMemoryQueue()
	governor := concurrency.NewGovernor(10, 10)
	pub := New(queue, nil, nil, governor)

	env := &types.Envelope{EventID: "e1"}
	targets := []types.RouteTarget{
		{Bot: "bot-a", Queue: "queue-a", SessionKey: "k1"},
		{Bot: "bot-b", Queue: "queue-b"},
	}

	outcomes := pub.PublishAll(context.Background(), env, targets)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.NoError(t, o.Err)
		assert.Equal(t, 0, o.Retries)
	}
	assert.Len(t, queue.Messages(), 2)
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	queue := NewMemoryQueue()
	queue.FailNext(2)
	governor := concurrency.NewGovernor(10, 10)

	pub := New(queue, nil, nil, governor)
	pub.policy.Base = 1 // nanoseconds, keep the test fast
	pub.policy.Max = 10
	pub.policy.JitterFrac = 0

	env := &types.Envelope{EventID: "e1"}
	outcomes := pub.PublishAll(context.Background(), env, []types.RouteTarget{{Bot: "bot-a", Queue: "queue-a"}})

	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, 2, outcomes[0].Retries)
}

func TestPublishExhaustsRetriesAndDeadLetters(t *testing.T) {
	queue := NewMemoryQueue()
	queue.FailNext(100)
	governor := concurrency.NewGovernor(10, 10)
	dl := NewMemoryDeadLetterStore()

	pub := New(queue, dl, nil, governor)
	pub.policy.Base = 1
	pub.policy.Max = 10
	pub.policy.JitterFrac = 0
	pub.policy.MaxAttempts = 2

	env := &types.Envelope{EventID: "e1"}
	outcomes := pub.PublishAll(context.Background(), env, []types.RouteTarget{{Bot: "bot-a", Queue: "queue-a"}})

	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes[0].Err)
	assert.Equal(t, []string{"queue-a"}, dl.Queues())
}

func TestPublishDoesNotRetryPermanentErrors(t *testing.T) {
	queue := &permanentFailQueue{}
	governor := concurrency.NewGovernor(10, 10)
	dl := NewMemoryDeadLetterStore()

	pub := New(queue, dl, nil, governor)
	pub.policy.Base = 1
	pub.policy.Max = 10
	pub.policy.JitterFrac = 0
	pub.policy.MaxAttempts = 5

	env := &types.Envelope{EventID: "e1"}
	outcomes := pub.PublishAll(context.Background(), env, []types.RouteTarget{{Bot: "bot-a", Queue: "queue-a"}})

	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes[0].Err)
	assert.Equal(t, 1, queue.calls, "a permanent error must not be retried")
	assert.Equal(t, []string{"queue-a"}, dl.Queues())
}

func TestPublishRespectsCircuitBreaker(t *testing.T) {
	queue := NewMemoryQueue()
	queue.FailNext(100)
	governor := concurrency.NewGovernor(10, 10)
	br := breaker.New("queue_publisher", breaker.Thresholds{FailuresToOpen: 1, SuccessesToClose: 1, OpenTimeout: 1})
	dl := NewMemoryDeadLetterStore()

	pub := New(queue, dl, br, governor)
	pub.policy.Base = 1
	pub.policy.Max = 10
	pub.policy.JitterFrac = 0
	pub.policy.MaxAttempts = 3

	env := &types.Envelope{EventID: "e1"}
	outcomes := pub.PublishAll(context.Background(), env, []types.RouteTarget{{Bot: "bot-a", Queue: "queue-a"}})

	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes[0].Err)
}
