package transport

import (
	"sync"
	"time"
)

// breakerState mirrors the teacher's CircuitBreaker (internal/aws/circuit_breaker.go):
// Closed lets connection attempts through; Open rejects them outright until
// cooldown elapses; HalfOpen permits a bounded number of probe
// attempts before deciding whether to close or re-open.
type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker guards a transport client's lazy reconnect attempts: after
// failureThreshold consecutive dial failures it opens and fails fast for
// cooldown, then allows a small number of half-open probes before fully
// closing again. This composes with the Disconnected/Connecting/Connected/
// Draining state machine — the breaker decides whether a Disconnected
// client is even allowed to *attempt* Connecting.
type circuitBreaker struct {
	mu sync.Mutex

	name string

	state           breakerState
	failureCount    int
	successCount    int
	failureThreshold int
	successThreshold int
	cooldown        time.Duration
	openedAt        time.Time

	halfOpenInFlight int
	maxHalfOpen      int
}

func newCircuitBreaker(name string, failureThreshold, successThreshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		maxHalfOpen:      1,
	}
}

// Allow reports whether a new connection attempt may proceed right now.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			b.halfOpenInFlight = 0
			b.successCount = 0
		} else {
			return false
		}
		fallthrough
	case breakerHalfOpen:
		if b.halfOpenInFlight >= b.maxHalfOpen {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess reports a successful connection attempt.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = breakerClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case breakerClosed:
		b.failureCount = 0
	}
}

// RecordFailure reports a failed connection attempt.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.trip()
	case breakerClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.trip()
		}
	}
}

func (b *circuitBreaker) trip() {
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
}

// State returns the current breaker state name, for status reporting.
func (b *circuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
