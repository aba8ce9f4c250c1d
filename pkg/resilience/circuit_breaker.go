// Package resilience guards outbound calls to the orchestration server
// behind a circuit breaker, so a server that is down or rate-limiting us
// doesn't get hammered by the lease renewer's and completion reporter's own
// retry loops on top of the breaker's.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker is refusing calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// CircuitState is one of Closed, Open, HalfOpen.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes trip/recovery behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	MaxRequests      int
}

// DefaultCircuitBreakerConfig matches the orchestration client's connection
// envelope: trip after 5 consecutive failures, the same count the lease
// renewer uses for its pre-first-success retry budget, and probe again
// after 30s, the renewer's post-error connection timeout.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
	}
}

// CircuitBreaker wraps calls to a single named upstream (one per
// ConnectionKind) and tracks Closed/Open/HalfOpen state for it.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu               sync.RWMutex
	state            CircuitState
	failures         int
	successes        int
	halfOpenRequests int
	lastFailure      time.Time
}

func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{name: name, config: config, state: CircuitClosed}
}

// State reports the breaker's current state, resolving an Open breaker
// whose cooldown has elapsed to HalfOpen without mutating it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.resolvedState()
}

func (cb *CircuitBreaker) resolvedState() CircuitState {
	if cb.state == CircuitOpen && time.Since(cb.lastFailure) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Execute runs fn if the breaker allows it, otherwise returns ErrCircuitOpen
// without calling fn at all.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.resolvedState() {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.state == CircuitOpen {
			cb.state = CircuitHalfOpen
			cb.halfOpenRequests = 0
		}
		if cb.halfOpenRequests >= cb.config.MaxRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenRequests++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch cb.resolvedState() {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.halfOpenRequests = 0
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.halfOpenRequests = 0
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.resolvedState() {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
			cb.halfOpenRequests = 0
		}
	}
}

// Reset forces the breaker back to Closed, for a caller that already knows
// the upstream recovered.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
}

// Snapshot reports the breaker's state for metrics/diagnostics export.
func (cb *CircuitBreaker) Snapshot() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return map[string]interface{}{
		"name":        cb.name,
		"state":       cb.resolvedState().String(),
		"failures":    cb.failures,
		"successes":   cb.successes,
		"lastFailure": cb.lastFailure,
	}
}
