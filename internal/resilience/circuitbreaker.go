// Package resilience wraps outbound dependencies with a three-state
// circuit breaker so a dead LLM endpoint fails fast instead of stalling
// every interview session behind its timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without forwarding
// it to the protected dependency.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call; consecutive failures are counted.
	Closed State = iota
	// Open rejects every call until the cooldown elapses.
	Open
	// HalfOpen lets a bounded number of probe calls through to test
	// whether the dependency recovered.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string
	// FailureThreshold is how many consecutive failures trip the breaker.
	// Default 5.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before probing.
	// Default 30s.
	Cooldown time.Duration
	// ProbeBudget is how many half-open probes may run before the breaker
	// decides. Default 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker with explicit outcome
// reporting, which lets it guard calls whose result arrives
// asynchronously (a streamed completion fails long after it started).
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	budget    int
	now       func() time.Time

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probes     int
	probeFails int
}

// NewBreaker creates a Breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		budget:    cfg.ProbeBudget,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed now. A permitted call must be
// followed by exactly one Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("circuit breaker probing", "name", b.name)
	case HalfOpen:
		if b.probes >= b.budget {
			return ErrOpen
		}
	}
	if b.state == HalfOpen {
		b.probes++
	}
	return nil
}

// Success records a completed call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		if b.probes-b.probeFails >= b.budget {
			b.state = Closed
			b.failures = 0
			slog.Info("circuit breaker closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// Failure records a failed call. In half-open any failure re-opens
// immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.openedAt = b.now()
	if b.state == HalfOpen {
		b.probeFails++
		b.state = Open
		slog.Warn("circuit breaker re-opened", "name", b.name)
		return
	}
	b.failures++
	if b.state == Closed && b.failures >= b.threshold {
		b.state = Open
		slog.Warn("circuit breaker opened",
			"name", b.name, "consecutive_failures", b.failures)
	}
}

// Execute guards a synchronous call.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.Failure()
	} else {
		b.Success()
	}
	return err
}

// State returns the breaker's effective state. An open breaker past its
// cooldown reads as half-open; the transition itself happens on the next
// Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
}
