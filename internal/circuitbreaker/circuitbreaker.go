// Package circuitbreaker implements the failure-threshold/open-duration/
// success-threshold breaker shape shared by the embedding client (C1) and the
// vector index adapter (C3), per spec §4.1/§4.3.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker's current mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls when the breaker opens and how it recovers.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	OpenDuration     time.Duration // how long the circuit stays open before a probe
	SuccessThreshold int           // consecutive half-open successes that close it
}

// DefaultConfig matches the spec's documented defaults (failure_threshold=3,
// open_duration_ms=30000, success_threshold=2).
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, OpenDuration: 30 * time.Second, SuccessThreshold: 2}
}

// Breaker is safe for concurrent use by multiple goroutines.
type Breaker struct {
	mu sync.Mutex
	cfg Config

	state           State
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
	halfOpenInUse   bool
}

// New builds a closed breaker with the given config. Zero-value fields in cfg
// fall back to DefaultConfig's values.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call should proceed. When the circuit is open and
// the open duration has elapsed, Allow transitions to half-open and permits
// exactly one in-flight probe at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		if b.halfOpenInUse {
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenInUse = true
		b.consecutiveOK = 0
		return true
	case StateHalfOpen:
		if b.halfOpenInUse {
			return false
		}
		b.halfOpenInUse = true
		return true
	default:
		return true
	}
}

// RecordSuccess notes a successful call, closing the circuit once enough
// consecutive successes have been observed in half-open state.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.consecutiveOK++
		b.halfOpenInUse = false
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFail = 0
			b.consecutiveOK = 0
		}
	case StateClosed:
		b.consecutiveFail = 0
	}
}

// RecordFailure notes a failed call, opening the circuit once the failure
// threshold is reached (or immediately, if the probe in half-open fails).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInUse = false
		b.state = StateOpen
		b.openedAt = time.Now()
		b.consecutiveOK = 0
	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case StateOpen:
		b.openedAt = time.Now()
	}
}

// State reports the current breaker state for health/metrics reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether the breaker is currently refusing calls outright
// (open and not yet eligible for a half-open probe).
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && time.Since(b.openedAt) < b.cfg.OpenDuration
}

// Failures reports the current consecutive-failure count, for diagnostics.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFail
}
