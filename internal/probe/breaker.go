package probe

import (
	"context"
	"sync"
	"time"
)

// breakerState mirrors the classic closed/open/half-open circuit breaker
// machine: once a host accumulates maxFailures consecutive failures, calls
// fast-fail until resetTimeout elapses, then a single probe call decides
// whether to close again or reopen.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// hostBreaker fast-fails availability checks against a host that has been
// failing, so a single unreachable upstream doesn't burn the Probe's whole
// retry budget on every acquisition that references it.
type hostBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu       sync.Mutex
	state    breakerState
	fails    int
	openedAt time.Time
}

func newHostBreaker(maxFailures int, resetTimeout time.Duration) *hostBreaker {
	return &hostBreaker{maxFailures: maxFailures, resetTimeout: resetTimeout, state: stateClosed}
}

// Allow reports whether a call should proceed now, transitioning an Open
// breaker whose resetTimeout has elapsed into HalfOpen.
func (b *hostBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = stateHalfOpen
		return true
	default:
		return true
	}
}

// Record updates the breaker after a call completes.
func (b *hostBreaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.state = stateClosed
		b.fails = 0
		return
	}

	b.fails++
	if b.state == stateHalfOpen || b.fails >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = time.Now()
	}
}

// breakerRegistry hands out one hostBreaker per upstream host, created
// lazily and shared across calls.
type breakerRegistry struct {
	maxFailures  int
	resetTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*hostBreaker
}

func newBreakerRegistry(maxFailures int, resetTimeout time.Duration) *breakerRegistry {
	return &breakerRegistry{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		breakers:     make(map[string]*hostBreaker),
	}
}

func (r *breakerRegistry) For(host string) *hostBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[host]
	if !ok {
		b = newHostBreaker(r.maxFailures, r.resetTimeout)
		r.breakers[host] = b
	}
	return b
}

// guard wraps a host-scoped check with the registry's breaker, returning
// ErrCircuitOpen without invoking fn when the breaker is tripped.
func (r *breakerRegistry) guard(ctx context.Context, host string, fn func(ctx context.Context) (bool, error)) (bool, error) {
	b := r.For(host)
	if !b.Allow() {
		return false, ErrCircuitOpen
	}
	ok, err := fn(ctx)
	b.Record(err == nil)
	return ok, err
}
