package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] when the breaker has tripped
// and the cool-down has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all calls.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrBreakerOpen] until the cool-down
	// elapses.
	BreakerOpen

	// BreakerProbing lets a limited number of calls through after the
	// cool-down; their outcome decides whether the breaker closes or trips
	// again.
	BreakerProbing
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// TripAfter is the number of consecutive failures before the breaker
	// opens. Default: 5.
	TripAfter int

	// CoolDown is how long the breaker stays open before probing.
	// Default: 30s.
	CoolDown time.Duration

	// ProbeQuota is how many consecutive probe calls must succeed for the
	// breaker to close again. Default: 2.
	ProbeQuota int
}

// Breaker is a three-state circuit breaker guarding repeated calls to a
// flaky dependency. Summarisation uses one so that a wedged provider stops
// being hammered on every turn while chat itself keeps flowing.
type Breaker struct {
	name       string
	tripAfter  int
	coolDown   time.Duration
	probeQuota int

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a [Breaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 2
	}
	return &Breaker{
		name:       cfg.Name,
		tripAfter:  cfg.TripAfter,
		coolDown:   cfg.CoolDown,
		probeQuota: cfg.ProbeQuota,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns
// [ErrBreakerOpen] without calling fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

// admit decides whether a call may proceed, transitioning open → probing
// when the cool-down has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) < b.coolDown {
			return ErrBreakerOpen
		}
		b.state = BreakerProbing
		b.successes = 0
		slog.Info("breaker probing after cool-down", "name", b.name)
	}
	return nil
}

// record updates failure/success accounting after a call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		// Any probe failure trips immediately; in the closed state the
		// consecutive-failure budget applies.
		if b.state == BreakerProbing || b.failures >= b.tripAfter {
			b.trip()
		}
		return
	}

	b.failures = 0
	if b.state == BreakerProbing {
		b.successes++
		if b.successes >= b.probeQuota {
			b.state = BreakerClosed
			slog.Info("breaker closed after successful probes", "name", b.name)
		}
	}
}

// trip moves the breaker to the open state. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
}

// State returns the current [BreakerState]. An open breaker whose cool-down
// has elapsed reports [BreakerProbing]; the actual transition happens on the
// next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.coolDown {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker back to [BreakerClosed], clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	slog.Info("breaker manually reset", "name", b.name)
}
