// Package breaker implements the weighted circuit breaker described in
// spec.md §4.1: a CLOSED/OPEN/HALF_OPEN state machine that trips on
// accumulated failure weight and resets after a cooldown window.
package breaker

import (
	"sync"
	"time"

	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/internal/herrors"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Breaker tracks weighted failures for one logical upstream and decides
// when calls should be rejected outright. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            State
	weight           float64
	lastFailure      time.Time
	hasLastFailure   bool
	failureThreshold float64
	resetAfter       time.Duration
	clock            clock.Clock
}

// Config configures a Breaker.
type Config struct {
	FailureThreshold float64
	ResetAfter       time.Duration
	Clock            clock.Clock
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Breaker{
		state:            Closed,
		failureThreshold: cfg.FailureThreshold,
		resetAfter:       cfg.ResetAfter,
		clock:            c,
	}
}

// State returns the current state without mutating it (testing helper).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Check must be called before issuing a request for endpoint. It trips
// the OPEN→HALF_OPEN transition when the cooldown has elapsed and
// returns a *herrors.CircuitOpenError while the breaker is still OPEN.
func (b *Breaker) Check(endpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		elapsed := b.clock.Now().Sub(b.lastFailure)
		if elapsed > b.resetAfter {
			b.state = HalfOpen
			b.weight = 0
			return nil
		}
		remaining := b.resetAfter - elapsed
		return &herrors.CircuitOpenError{
			Endpoint:      endpoint,
			RemainingWait: int(remaining.Seconds()),
		}
	}
	return nil
}

// RecordSuccess clears the breaker. HALF_OPEN moves atomically to
// CLOSED with the weight reset; CLOSED simply zeroes its weight.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.state = Closed
	}
	b.weight = 0
}

// RecordFailure adds the weight of err to the running total and trips
// the breaker to OPEN once the threshold is met or exceeded. A
// CircuitOpenError never contributes weight — the breaker must not trip
// itself.
func (b *Breaker) RecordFailure(err error) {
	w := failureWeight(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.weight += w
	b.lastFailure = b.clock.Now()
	b.hasLastFailure = true
	if b.weight >= b.failureThreshold {
		b.state = Open
	} else if b.state == HalfOpen {
		// A failure while probing reopens the breaker immediately,
		// regardless of accumulated weight against the threshold.
		b.state = Open
	}
}

// failureWeight implements the tie-break ladder from spec.md §4.1: a
// CircuitOpenError never trips the breaker itself, retryable transient
// statuses count half, everything else counts full weight.
func failureWeight(err error) float64 {
	if _, ok := err.(*herrors.CircuitOpenError); ok {
		return 0
	}
	if apiErr, ok := err.(*herrors.ApiError); ok {
		switch apiErr.Status {
		case 429, 502, 503, 504:
			return 0.5
		}
	}
	return 1.0
}
