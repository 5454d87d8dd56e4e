package httpclient

import (
	"sync"
	"time"
)

// BreakerState is the state of a per-host circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// Breaker opens after Failures consecutive failures inside Window, stays open
// for Cooldown, then lets exactly one trial call through.
type Breaker struct {
	failures int
	window   time.Duration
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	state    BreakerState
	recent   []time.Time
	openedAt time.Time
	trial    bool
	trips    int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(failures int, window, cooldown time.Duration) *Breaker {
	if failures <= 0 {
		failures = 5
	}
	return &Breaker{
		failures: failures,
		window:   window,
		cooldown: cooldown,
		now:      time.Now,
		state:    StateClosed,
	}
}

// Allow reports whether a call may proceed. In half-open state only the
// first caller is admitted until it reports an outcome.
func (b *Breaker) Allow() bool {
	ok, _ := b.admit()
	return ok
}

// admit is Allow that also reports whether the caller holds the half-open
// trial. The trial holder must end with Success, Failure or Abort.
func (b *Breaker) admit() (ok, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, false
		}
		b.state = StateHalfOpen
		b.trial = true
		return true, true
	case StateHalfOpen:
		if b.trial {
			return false, false
		}
		b.trial = true
		return true, true
	default:
		return true, false
	}
}

// Abort releases a half-open trial that ended without an outcome (the caller
// was cancelled). The breaker reopens with a fresh cooldown. No-op once
// Success or Failure has run.
func (b *Breaker) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateHalfOpen || !b.trial {
		return
	}
	b.state = StateOpen
	b.openedAt = b.now()
	b.trial = false
}

// Success closes the breaker and clears the failure streak.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.recent = b.recent[:0]
	b.trial = false
}

// Failure records a failed call and trips the breaker when the streak inside
// the window reaches the threshold. A failed half-open trial reopens at once.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateHalfOpen {
		b.open(now)
		return
	}

	b.recent = append(b.recent, now)
	if b.window > 0 {
		cutoff := now.Add(-b.window)
		i := 0
		for i < len(b.recent) && b.recent[i].Before(cutoff) {
			i++
		}
		b.recent = b.recent[i:]
	}
	if len(b.recent) >= b.failures {
		b.open(now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.trial = false
	b.recent = b.recent[:0]
	b.trips++
}

// State returns the current state without transitioning it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Trips returns how many times the breaker has opened.
func (b *Breaker) Trips() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
