package mail

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of the transport circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets sends through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects sends until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned without contacting the server while the
// transport is considered down.
var ErrBreakerOpen = eris.New("mail: transport circuit open")

// breaker trips after threshold consecutive transport failures and probes
// again once reset has elapsed since the last failure.
type breaker struct {
	threshold int
	reset     time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time

	nowFunc func() time.Time
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 30 * time.Second
	}
	return &breaker{threshold: threshold, reset: reset, nowFunc: time.Now}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.nowFunc().Sub(b.lastFailure) >= b.reset {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return nil
	}
	if b.nowFunc().Sub(b.lastFailure) >= b.reset {
		b.state = BreakerHalfOpen
		return nil
	}
	return ErrBreakerOpen
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.nowFunc()
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
	}
}
