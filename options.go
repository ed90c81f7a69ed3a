package gp51

import (
	"log/slog"
	"time"
)

// RateLimiterConfig holds rate limiter, retry and circuit breaker configuration.
type RateLimiterConfig struct {
	// ErrorClassifier determines which errors trigger retries.
	// Default: KindClassifier
	ErrorClassifier ErrorClassifier

	// CircuitClassifier determines which errors count towards the circuit threshold.
	// Default: KindClassifier
	CircuitClassifier CircuitBreakerErrorClassifier

	// Logger for rate limiter operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives request and circuit events. Optional.
	Metrics *Metrics

	// MinInterval is the minimum time between two outbound requests.
	// Default: 1 second
	MinInterval time.Duration

	// BaseDelay is the delay before the first retry.
	// Default: 3 seconds
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 30 seconds
	MaxDelay time.Duration

	// CircuitCooldown is how long the circuit stays open before a trial request.
	// Default: 60 seconds
	CircuitCooldown time.Duration

	// Multiplier is the backoff multiplier: delay = BaseDelay * (Multiplier ^ retry).
	// Default: 1.5
	Multiplier float64

	// MaxAttempts is the maximum number of attempts, including the initial request.
	// Default: 3
	MaxAttempts int

	// CircuitBreakerThreshold is the number of consecutive failures that opens the circuit.
	// Default: 5
	CircuitBreakerThreshold uint32

	// BatchSize is the number of items ProcessBatch runs together.
	// Default: 5
	BatchSize int
}

// RateLimiterOption is a functional option for configuring a RateLimiter.
type RateLimiterOption func(*RateLimiterConfig)

// WithMinInterval sets the minimum interval between outbound requests.
func WithMinInterval(d time.Duration) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.MinInterval = d
	}
}

// WithMaxAttempts sets the maximum number of attempts per operation.
// The total number of calls will be MaxAttempts (including the initial attempt).
//
// Example:
//
//	gp51.WithMaxAttempts(5) // Try up to 5 times total
func WithMaxAttempts(attempts int) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.MaxAttempts = attempts
	}
}

// WithBackoff configures the exponential backoff.
//
// Example:
//
//	gp51.WithBackoff(3*time.Second, 1.5, 30*time.Second)
//	// Delays: ~3s, ~4.5s, ~6.75s, ... 30s (capped)
func WithBackoff(baseDelay time.Duration, multiplier float64, maxDelay time.Duration) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.BaseDelay = baseDelay
		c.Multiplier = multiplier
		c.MaxDelay = maxDelay
	}
}

// WithCircuitBreaker sets the consecutive failure threshold and the open-state cool-down.
//
// Example:
//
//	gp51.WithCircuitBreaker(5, 60*time.Second)
func WithCircuitBreaker(threshold uint32, cooldown time.Duration) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.CircuitBreakerThreshold = threshold
		c.CircuitCooldown = cooldown
	}
}

// WithBatchSize sets the number of items ProcessBatch runs together.
func WithBatchSize(size int) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.BatchSize = size
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
func WithErrorClassifier(classifier ErrorClassifier) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithCircuitClassifier sets a custom classifier for circuit breaker decisions.
func WithCircuitClassifier(classifier CircuitBreakerErrorClassifier) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.CircuitClassifier = classifier
	}
}

// WithLogger sets a custom logger for rate limiter operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	gp51.WithLogger(logger)
func WithLogger(logger *slog.Logger) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.Logger = logger
	}
}

// WithMetrics attaches a Metrics collector.
func WithMetrics(m *Metrics) RateLimiterOption {
	return func(c *RateLimiterConfig) {
		c.Metrics = m
	}
}

// DefaultRateLimiterConfig returns rate limiter configuration with the GP51 defaults.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		MinInterval:             time.Second,
		MaxAttempts:             3,
		BaseDelay:               3 * time.Second,
		Multiplier:              1.5,
		MaxDelay:                30 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitCooldown:         60 * time.Second,
		BatchSize:               5,
		ErrorClassifier:         DefaultErrorClassifier(),
		CircuitClassifier:       DefaultCircuitBreakerErrorClassifier(),
		Logger:                  slog.Default(),
	}
}
