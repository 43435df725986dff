// Package resilience guards slow or failing collaborators.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected
	StateHalfOpen              // one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without invoking the collaborator while open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Cooldown is how long the breaker stays open before a probe.
	Cooldown time.Duration
}

// DefaultBreakerOpts trips after five straight failures and probes after 30s.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Cooldown:      30 * time.Second,
}

// Breaker is a consecutive-failure circuit breaker safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// NewBreaker creates a circuit breaker, filling zero options from defaults.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultBreakerOpts.Cooldown
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState moves open to half-open once the cooldown elapsed. Must hold mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
	return b.state
}

// Call executes f through the circuit breaker. Context cancellation by the
// caller is not counted as a collaborator failure.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	b.mu.Lock()
	switch b.currentState() {
	case StateOpen:
		b.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := f(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil && !errors.Is(err, context.Canceled) {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
		}
		return err
	}
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	b.failures = 0
	return err
}
