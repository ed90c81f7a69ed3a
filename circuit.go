package gp51

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the cool-down elapsed and a trial request is allowed.
	StateHalfOpen

	// StateOpen means requests are held back until the cool-down elapses.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// CircuitHealth reports the rate limiter's circuit breaker for health endpoints.
// Closed and half-open circuits are healthy; an open circuit holds calls until ReopensAt.
type CircuitHealth struct {
	ReopensAt           *time.Time `json:"reopens_at,omitempty"`
	State               string     `json:"state"`
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	TotalFailures       uint32     `json:"total_failures"`
	TotalSuccesses      uint32     `json:"total_successes"`
}
