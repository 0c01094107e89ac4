// Package concurrency bounds how many requests are in flight at once,
// using the same buffered-channel-as-semaphore idiom the ingress
// pipeline already used for its event queue.
package concurrency

import "context"

// Governor holds two independent permit pools: one for requests
// currently being authenticated/stored/normalised/routed (ingress) and
// one for the publish fan-out step, which can run longer and must not
// be starved by a burst of new ingress traffic.
type Governor struct {
	ingress chan struct{}
	publish chan struct{}
}

// NewGovernor builds a Governor with the given pool sizes.
func NewGovernor(ingressPermits, publishPermits int) *Governor {
	return &Governor{
		ingress: make(chan struct{}, ingressPermits),
		publish: make(chan struct{}, publishPermits),
	}
}

// AcquireIngress attempts to reserve an ingress permit without
// blocking. ok is false when the pool is exhausted; the caller should
// respond 503 with Retry-After rather than queue the request.
func (g *Governor) AcquireIngress() (release func(), ok bool) {
	select {
	case g.ingress <- struct{}{}:
		return func() { <-g.ingress }, true
	default:
		return func() {}, false
	}
}

// AcquirePublish blocks (respecting ctx) until a publish permit is
// available. Unlike ingress, publish fan-out is allowed to queue: the
// request has already been accepted and stored, so backpressure here
// just delays delivery rather than rejecting the caller.
func (g *Governor) AcquirePublish(ctx context.Context) (release func(), err error) {
	select {
	case g.publish <- struct{}{}:
		return func() { <-g.publish }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}

// IngressInFlight returns the number of ingress permits currently held,
// for /health/deep.
func (g *Governor) IngressInFlight() int { return len(g.ingress) }

// PublishInFlight returns the number of publish permits currently held,
// for /health/deep.
func (g *Governor) PublishInFlight() int { return len(g.publish) }
