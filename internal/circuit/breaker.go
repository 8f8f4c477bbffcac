// Package circuit implements the failure-windowed restart breaker used by
// the process supervisor.
package circuit

import (
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/common/errs"
)

// State is the breaker position.
type State string

const (
	// StateClosed allows restarts.
	StateClosed State = "closed"
	// StateOpen rejects restarts until the recovery time elapses.
	StateOpen State = "open"
	// StateHalfOpen allows a single probe restart.
	StateHalfOpen State = "half_open"
)

// Config holds the breaker transition parameters.
type Config struct {
	// FailureThreshold opens the breaker when this many failures land
	// within Window.
	FailureThreshold int
	// Window is the sliding failure-counting window.
	Window time.Duration
	// RecoveryTime is the open duration before a half-open probe is allowed.
	RecoveryTime time.Duration
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int
}

// Breaker tracks restart failures per session key.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state         State
	failures      []time.Time
	successes     int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

// NewBreaker creates a closed breaker. Zero config fields get working
// defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow reports whether a restart may proceed. In the open state it
// transitions to half-open once the recovery time has elapsed; half-open
// admits exactly one probe at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTime {
			return errs.ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return errs.ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess notes a successful spawn that reached readiness.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = nil
			b.successes = 0
		}
	case StateClosed:
		// Steady state.
	}
}

// RecordFailure notes a spawn error or quick exit. In the closed state the
// failure joins the sliding window; in half-open it reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.open(now)
		}
	case StateHalfOpen:
		b.open(now)
	case StateOpen:
		// Failures of processes spawned before opening do not extend
		// the recovery clock.
	}
}

// State reports the effective state, accounting for an elapsed recovery
// time without mutating.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTime {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot describes the breaker for events and logs.
type Snapshot struct {
	State             State         `json:"state"`
	RecentFailures    int           `json:"recent_failures"`
	RecoveryRemaining time.Duration `json:"recovery_remaining"`
}

// Snapshot returns the current observable breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{State: b.state, RecentFailures: len(b.failures)}
	if b.state == StateOpen {
		remaining := b.cfg.RecoveryTime - b.now().Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
			snap.State = StateHalfOpen
		}
		snap.RecoveryRemaining = remaining
	}
	return snap
}

// Reset returns the breaker to closed with no recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = nil
	b.successes = 0
	b.probeInFlight = false
}

func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = nil
	b.successes = 0
	b.probeInFlight = false
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	idx := 0
	for idx < len(b.failures) && b.failures[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.failures = append([]time.Time(nil), b.failures[idx:]...)
	}
}
