package storage

import (
	"sync"
	"time"

	"cortex/internal/logging"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailThreshold int           // consecutive hard failures to open
	Window        time.Duration // failures older than this don't count
	CoolDown      time.Duration // open -> half-open delay
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailThreshold: 5,
		Window:        30 * time.Second,
		CoolDown:      10 * time.Second,
	}
}

// CircuitBreaker implements the Closed -> Open -> Half-Open state machine.
// While Open all calls fail fast; after CoolDown a single probe is let
// through, its outcome decides between Closed and Open again.
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	firstFailAt time.Time
	openedAt    time.Time
	probing     bool
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = DefaultBreakerConfig().FailThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultBreakerConfig().Window
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultBreakerConfig().CoolDown
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// Allow reports whether a call may proceed. In Half-Open only one probe
// call at a time is admitted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(cb.openedAt) >= cb.cfg.CoolDown {
			cb.state = BreakerHalfOpen
			cb.probing = true
			logging.Pool("circuit breaker half-open after %v cool-down", cb.cfg.CoolDown)
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		logging.Pool("circuit breaker closed after successful probe")
	}
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probing = false
}

// RecordFailure reports a hard failure. Enough consecutive failures within
// the window open the breaker; a half-open probe failure re-opens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = now
		cb.probing = false
		logging.PoolWarn("circuit breaker re-opened: probe failed")
	case BreakerClosed:
		if cb.failures == 0 || now.Sub(cb.firstFailAt) > cb.cfg.Window {
			cb.failures = 0
			cb.firstFailAt = now
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailThreshold {
			cb.state = BreakerOpen
			cb.openedAt = now
			logging.PoolWarn("circuit breaker opened after %d failures within %v", cb.failures, cb.cfg.Window)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	// Reflect cool-down expiry without requiring a call.
	if cb.state == BreakerOpen && time.Since(cb.openedAt) >= cb.cfg.CoolDown {
		return BreakerHalfOpen
	}
	return cb.state
}
