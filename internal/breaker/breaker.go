// Package breaker implements a per-dependency circuit breaker: one small
// mutex-guarded record per external collaborator (queue publisher,
// payload store, secret vault), following the design notes' guidance to
// avoid ambient globals by threading an explicit handle into the stages
// that need one.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three classic circuit-breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Thresholds configures when a breaker trips and recovers, per dependency.
type Thresholds struct {
	FailuresToOpen   int
	SuccessesToClose int
	OpenTimeout      time.Duration
}

// Named thresholds per guarded dependency.
var (
	QueuePublisherThresholds = Thresholds{FailuresToOpen: 5, SuccessesToClose: 3, OpenTimeout: 30 * time.Second}
	PayloadStoreThresholds   = Thresholds{FailuresToOpen: 3, SuccessesToClose: 2, OpenTimeout: 10 * time.Second}
	SecretVaultThresholds    = Thresholds{FailuresToOpen: 3, SuccessesToClose: 2, OpenTimeout: 15 * time.Second}
)

// Breaker is a single dependency's circuit breaker. Safe for concurrent
// use by multiple request goroutines.
type Breaker struct {
	name       string
	thresholds Thresholds

	mu               sync.Mutex
	state            State
	consecutiveFail  int
	consecutiveOK    int
	openedAt         time.Time
	halfOpenInFlight bool
}

// New creates a breaker for the named dependency with the given
// thresholds.
func New(name string, thresholds Thresholds) *Breaker {
	return &Breaker{name: name, thresholds: thresholds, state: Closed}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

func (b *Breaker) currentStateLocked() State {
	if b.state == Open && time.Since(b.openedAt) >= b.thresholds.OpenTimeout {
		return HalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed, and if so, reserves the
// single half-open probe slot when the breaker is transitioning. Callers
// that receive allow=false must not perform the guarded operation.
func (b *Breaker) Allow() (allow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case Closed:
		return true
	case HalfOpen:
		if b.state == Open {
			// Transition into half-open on this call.
			b.state = HalfOpen
			b.consecutiveOK = 0
		}
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default: // Open, still cooling down
		return false
	}
}

// RecordSuccess reports a successful guarded call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail = 0
	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		b.consecutiveOK++
		if b.consecutiveOK >= b.thresholds.SuccessesToClose {
			b.state = Closed
			b.consecutiveOK = 0
		}
	case Open:
		// A success while formally Open means the timeout elapsed and
		// currentStateLocked already treats us as half-open; normalise.
		b.state = Closed
	}
}

// RecordFailure reports a failed guarded call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveOK = 0
	if b.state == HalfOpen || (b.state == Open && b.halfOpenInFlight) {
		// Probe failed: back to Open for the full timeout.
		b.halfOpenInFlight = false
		b.state = Open
		b.openedAt = time.Now()
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.thresholds.FailuresToOpen {
		b.state = Open
		b.openedAt = time.Now()
		b.consecutiveFail = 0
	}
}

// Snapshot is the health-check view of one breaker.
type Snapshot struct {
	Name  string `json:"name"`
	State State  `json:"state"`
}

func (b *Breaker) Snapshot() Snapshot {
	return Snapshot{Name: b.name, State: b.State()}
}

// Registry holds the fixed set of per-dependency breakers the pipeline
// consults.
type Registry struct {
	QueuePublisher *Breaker
	PayloadStore   *Breaker
	SecretVault    *Breaker
}

// NewRegistry builds the standard three breakers with their default
// thresholds.
func NewRegistry() *Registry {
	return &Registry{
		QueuePublisher: New("queue_publisher", QueuePublisherThresholds),
		PayloadStore:   New("payload_store", PayloadStoreThresholds),
		SecretVault:    New("secret_vault", SecretVaultThresholds),
	}
}

// Snapshots returns the state of every breaker, for /health/deep.
func (r *Registry) Snapshots() []Snapshot {
	return []Snapshot{
		r.QueuePublisher.Snapshot(),
		r.PayloadStore.Snapshot(),
		r.SecretVault.Snapshot(),
	}
}

// AnyOpen reports whether any critical dependency breaker is fully open
// (not half-open), used by /health/deep.
func (r *Registry) AnyOpen() bool {
	for _, s := range r.Snapshots() {
		if s.State == Open {
			return true
		}
	}
	return false
}
