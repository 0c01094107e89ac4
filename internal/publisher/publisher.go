// Package publisher fans an envelope out to every routed queue,
// retrying transient failures with backoff and falling back to a
// dead-letter store once a queue's retry budget is exhausted.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pvandervelde/queue-keeper/internal/apperror"
	"github.com/pvandervelde/queue-keeper/internal/backoff"
	"github.com/pvandervelde/queue-keeper/internal/breaker"
	"github.com/pvandervelde/queue-keeper/internal/concurrency"
	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// Queue is one queue's publish surface. A session key of "" means the
// message carries no ordering requirement.
type Queue interface {
	Publish(ctx context.Context, queueName string, sessionKey string, body []byte) error
}

// DeadLetterStore records envelopes that exhausted their retry budget,
// so an operator can inspect and manually resubmit them.
type DeadLetterStore interface {
	Put(ctx context.Context, queueName string, env *types.Envelope, lastErr error) error
}

// Publisher fans an envelope out to its routed targets concurrently,
// bounded by a concurrency.Governor publish permit pool.
type Publisher struct {
	queue      Queue
	deadLetter DeadLetterStore
	breaker    *breaker.Breaker
	governor   *concurrency.Governor
	policy     backoff.Policy
}

// New builds a Publisher.
func New(queue Queue, deadLetter DeadLetterStore, br *breaker.Breaker, governor *concurrency.Governor) *Publisher {
	return &Publisher{queue: queue, deadLetter: deadLetter, breaker: br, governor: governor, policy: backoff.PublisherPolicy}
}

// SetPolicy overrides the publisher's retry schedule, mainly so tests
// outside this package can shrink it instead of waiting out the default
// multi-second retry budget.
func (p *Publisher) SetPolicy(policy backoff.Policy) {
	p.policy = policy
}

// Outcome reports what happened when publishing to one target. Err is
// set whenever the queue send itself never succeeded, even if
// DeadLettered is also true: the caller distinguishes "durably captured
// for replay" from "lost" by checking DeadLettered, not by the absence
// of Err.
type Outcome struct {
	Target       types.RouteTarget
	Retries      int
	Err          error
	DeadLettered bool
}

// PublishAll publishes env to every target concurrently, bounded by the
// publisher's governor, and returns one Outcome per target in the same
// order as targets.
func (p *Publisher) PublishAll(ctx context.Context, env *types.Envelope, targets []types.RouteTarget) []Outcome {
	outcomes := make([]Outcome, len(targets))
	done := make(chan int, len(targets))

	for i, target := range targets {
		go func(i int, target types.RouteTarget) {
			release, err := p.governor.AcquirePublish(ctx)
			if err != nil {
				outcomes[i] = Outcome{Target: target, Err: err}
				done <- i
				return
			}
			defer release()

			outcomes[i] = p.publishOne(ctx, env, target)
			done <- i
		}(i, target)
	}

	for range targets {
		<-done
	}
	return outcomes
}

func (p *Publisher) publishOne(ctx context.Context, env *types.Envelope, target types.RouteTarget) Outcome {
	body, err := json.Marshal(env)
	if err != nil {
		return Outcome{Target: target, Err: apperror.Internal("envelope_marshal_failed", err)}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff.Delay(p.policy, attempt)):
			case <-ctx.Done():
				return Outcome{Target: target, Retries: attempt, Err: ctx.Err()}
			}
		}

		if p.breaker != nil && !p.breaker.Allow() {
			lastErr = apperror.Transient("queue_publisher_circuit_open", nil)
			if backoff.Exhausted(p.policy, attempt) {
				break
			}
			continue
		}

		err := p.queue.Publish(ctx, target.Queue, target.SessionKey, body)
		if err == nil {
			if p.breaker != nil {
				p.breaker.RecordSuccess()
			}
			return Outcome{Target: target, Retries: attempt}
		}

		lastErr = err
		if p.breaker != nil {
			p.breaker.RecordFailure()
		}

		var appErr *apperror.Error
		if apperror.As(err, &appErr) && !appErr.Retryable() {
			break
		}
		if backoff.Exhausted(p.policy, attempt) {
			break
		}
	}

	if p.deadLetter != nil {
		if dlErr := p.deadLetter.Put(ctx, target.Queue, env, lastErr); dlErr != nil {
			return Outcome{Target: target, Err: fmt.Errorf("publish failed (%w) and dead-letter also failed: %v", lastErr, dlErr)}
		}
		return Outcome{Target: target, Err: apperror.Transient("publish_retries_exhausted", lastErr), DeadLettered: true}
	}
	return Outcome{Target: target, Err: apperror.Transient("publish_retries_exhausted", lastErr)}
}
