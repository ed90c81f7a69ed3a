package gp51

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/panjf2000/ants/v2"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
)

// RateLimiter throttles outbound GP51 calls, retries failures with exponential backoff and
// delays calls while its circuit breaker is open. Each RateLimiter owns its own state; share
// one value per GP51 account or process rather than relying on globals.
type RateLimiter struct {
	config            *RateLimiterConfig
	logger            *slog.Logger
	classifier        ErrorClassifier
	circuitClassifier CircuitBreakerErrorClassifier
	metrics           *Metrics

	breaker atomic.Pointer[gobreaker.CircuitBreaker[any]]

	// waitMu serialises WaitForRateLimit callers.
	waitMu      sync.Mutex
	lastRequest time.Time

	mu       sync.RWMutex
	stats    rateLimitStats
	openedAt time.Time

	// stateChanged is closed and replaced on every breaker state change.
	stateChanged chan struct{}
}

type rateLimitStats struct {
	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	rateLimitedRequests int64
	lastRequestTime     time.Time
	lastError           error
}

// RateLimitStats is a snapshot of rate limiter statistics. The counters live for the
// lifetime of the RateLimiter and are cleared by ResetStats.
type RateLimitStats struct {
	// LastRequestTime is the time of the last attempt.
	LastRequestTime time.Time `json:"last_request_time"`

	// LastError is the last error an operation returned.
	LastError error `json:"-"`

	// TotalRequests counts every attempt that reached the operation.
	TotalRequests int64 `json:"total_requests"`

	// SuccessfulRequests counts attempts that returned no error.
	SuccessfulRequests int64 `json:"successful_requests"`

	// FailedRequests counts attempts that returned an error.
	FailedRequests int64 `json:"failed_requests"`

	// RateLimitedRequests counts failed attempts classified as KindRateLimited.
	RateLimitedRequests int64 `json:"rate_limited_requests"`

	// ConsecutiveFailures is the breaker's current consecutive failure count.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// CircuitOpen is true while calls are held back for the cool-down.
	CircuitOpen bool `json:"circuit_open"`
}

// NewRateLimiter creates a RateLimiter with the GP51 defaults overridden by opts.
//
// Example:
//
//	limiter := gp51.NewRateLimiter(
//	    gp51.WithMinInterval(500*time.Millisecond),
//	    gp51.WithBackoff(3*time.Second, 1.5, 30*time.Second),
//	    gp51.WithCircuitBreaker(5, time.Minute),
//	)
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	config := DefaultRateLimiterConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier()
	}
	if config.CircuitClassifier == nil {
		config.CircuitClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.CircuitBreakerThreshold == 0 {
		config.CircuitBreakerThreshold = 1
	}

	r := &RateLimiter{
		config:            config,
		logger:            config.Logger,
		classifier:        config.ErrorClassifier,
		circuitClassifier: config.CircuitClassifier,
		metrics:           config.Metrics,
		stateChanged:      make(chan struct{}),
	}
	r.breaker.Store(r.newBreaker())
	return r
}

// newBreaker builds the circuit breaker. MaxRequests is 1 so a single success after the
// cool-down closes the circuit and clears the failure count. Errors that should not trip
// the circuit are excluded: they neither count as failures nor reset the failure streak.
func (r *RateLimiter) newBreaker() *gobreaker.CircuitBreaker[any] {
	threshold := r.config.CircuitBreakerThreshold
	classifier := r.circuitClassifier

	settings := gobreaker.Settings{
		Name:        "gp51",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     r.config.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			r.mu.Lock()
			if to == gobreaker.StateOpen {
				r.openedAt = time.Now()
			}
			r.signalStateChange()
			r.mu.Unlock()
			r.metrics.setCircuitState(convertGobreakerState(to))
		},
		IsExcluded: func(err error) bool {
			return err != nil && !classifier.ShouldTripCircuit(err)
		},
	}

	return gobreaker.NewCircuitBreaker[any](settings)
}

// signalStateChange wakes callers blocked in waitForTrial. r.mu must be held.
func (r *RateLimiter) signalStateChange() {
	close(r.stateChanged)
	r.stateChanged = make(chan struct{})
}

// trialPollInterval bounds how long waitForTrial sleeps without a state change.
const trialPollInterval = 50 * time.Millisecond

// waitForTrial blocks while the breaker is half-open and its single trial request is in
// flight. It returns when the breaker changes state, after trialPollInterval, or when ctx
// is done.
func (r *RateLimiter) waitForTrial(ctx context.Context) error {
	r.mu.RLock()
	changed := r.stateChanged
	r.mu.RUnlock()

	if r.breaker.Load().State() != gobreaker.StateHalfOpen {
		return nil
	}

	t := time.NewTimer(trialPollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	case <-t.C:
		return nil
	}
}

// WaitForRateLimit blocks until MinInterval has elapsed since the previous request and any
// open circuit has cooled down. Consecutive callers are served one at a time.
func (r *RateLimiter) WaitForRateLimit(ctx context.Context) error {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()

	if err := r.waitForCircuit(ctx); err != nil {
		return err
	}

	if !r.lastRequest.IsZero() {
		if wait := r.config.MinInterval - time.Since(r.lastRequest); wait > 0 {
			r.logger.Debug("rate limiting request", "wait", wait)
			if err := sleepContext(ctx, wait); err != nil {
				return err
			}
		}
	}

	r.lastRequest = time.Now()
	return nil
}

// waitForCircuit delays the caller until the open circuit's cool-down has elapsed.
func (r *RateLimiter) waitForCircuit(ctx context.Context) error {
	cb := r.breaker.Load()
	if cb.State() != gobreaker.StateOpen {
		return nil
	}

	r.mu.RLock()
	until := r.openedAt.Add(r.config.CircuitCooldown)
	r.mu.RUnlock()

	wait := time.Until(until)
	if wait <= 0 {
		return nil
	}

	r.logger.Warn("circuit breaker is open, delaying request",
		"wait", wait,
		"counts", cb.Counts())

	if err := sleepContext(ctx, wait); err != nil {
		counts := cb.Counts()
		return jperrors.NewCircuitBreakerError(
			"wait for circuit cool-down aborted",
			"wait_for_rate_limit",
			"open",
			jperrors.WithCause(err),
			jperrors.WithCounts(jperrors.CircuitCounts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			}),
		)
	}
	return nil
}

// ExecuteWithRetry runs op through the limiter: every attempt waits for WaitForRateLimit,
// executes through the circuit breaker, and retryable failures back off exponentially
// up to MaxAttempts. The last error is returned once attempts are exhausted.
//
// Example:
//
//	tree, err := gp51.ExecuteWithRetry(ctx, limiter, "querydevicestree",
//	    func(ctx context.Context) (*gp51.DeviceTree, error) {
//	        return client.QueryDevicesTree(ctx, token)
//	    })
func ExecuteWithRetry[T any](
	ctx context.Context,
	r *RateLimiter,
	name string,
	op func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	if r.config.MaxAttempts <= 0 {
		return zero, errors.New("max attempts must be positive")
	}

	select {
	case <-ctx.Done():
		r.logger.Warn("context already done before request (expected condition)",
			"operation", name,
			"error", ctx.Err())
		return zero, ctx.Err()
	default:
	}

	var result T
	var attempts int

	err := retry.Do(ctx, NewBackoff(r.config), func(ctx context.Context) error {
		attempts++

		value, executed, err := r.executeOnce(ctx, name, func() (any, error) {
			return op(ctx)
		})
		if !executed {
			return err
		}
		if err == nil {
			if attempts > 1 {
				r.logger.Info("request succeeded after retry",
					"operation", name,
					"attempts", attempts)
			}
			result, _ = value.(T)
			r.recordSuccess(name)
			return nil
		}

		r.recordFailure(name, err)

		if !r.classifier.IsRetryable(err) {
			r.logger.Debug("non-retryable error, giving up",
				"operation", name,
				"kind", KindOf(err).String(),
				"error", err,
				"attempts", attempts)
			return err
		}

		r.logger.Debug("retrying request after delay",
			"operation", name,
			"attempt", attempts,
			"kind", KindOf(err).String(),
			"error", err)

		return retry.RetryableError(err)
	})
	if err != nil {
		r.logger.Warn("request failed after retries",
			"operation", name,
			"attempts", attempts,
			"error", err)
		return zero, err
	}

	return result, nil
}

// executeOnce runs call as a single attempt. A breaker rejection never consumes the attempt:
// the caller waits for the cool-down or for the half-open trial to settle and tries again.
// executed is false when ctx ended before call could run.
func (r *RateLimiter) executeOnce(ctx context.Context, name string, call func() (any, error)) (any, bool, error) {
	for {
		if err := r.WaitForRateLimit(ctx); err != nil {
			return nil, false, err
		}

		value, err := r.breaker.Load().Execute(func() (any, error) {
			r.recordAttempt()
			return call()
		})
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			return value, true, err
		}

		r.logger.Debug("circuit breaker held request back, waiting",
			"operation", name,
			"error", err)
		if err := r.waitForTrial(ctx); err != nil {
			return nil, false, err
		}
	}
}

// BatchError records the failure of a single ProcessBatch item.
type BatchError struct {
	Err   error
	Index int
}

// Error implements the error interface.
func (e BatchError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e BatchError) Unwrap() error {
	return e.Err
}

// BatchResult holds the successful results of ProcessBatch in input order, and the
// per-item failures.
type BatchResult[R any] struct {
	Results []R
	Errors  []BatchError
}

// ProcessBatch applies fn to every item through ExecuteWithRetry, BatchSize items at a time.
// A failing item never aborts the batch; its error is collected instead. The returned error
// is non-nil only when the batch could not be started.
func ProcessBatch[T, R any](
	ctx context.Context,
	r *RateLimiter,
	name string,
	items []T,
	fn func(ctx context.Context, item T) (R, error),
) (*BatchResult[R], error) {
	size := r.config.BatchSize
	if size <= 0 {
		size = 1
	}

	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create batch pool: %w", err)
	}
	defer pool.Release()

	type outcome struct {
		value R
		err   error
	}
	outcomes := make([]outcome, len(items))

	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			submitErr := pool.Submit(func() {
				defer wg.Done()
				value, err := ExecuteWithRetry(ctx, r, name, func(ctx context.Context) (R, error) {
					return fn(ctx, items[i])
				})
				outcomes[i] = outcome{value: value, err: err}
			})
			if submitErr != nil {
				wg.Done()
				outcomes[i] = outcome{err: fmt.Errorf("submit batch item: %w", submitErr)}
			}
		}
		wg.Wait()

		r.logger.Debug("batch chunk processed",
			"operation", name,
			"from", start,
			"to", end)
	}

	result := &BatchResult[R]{
		Results: make([]R, 0, len(items)),
	}
	for i, o := range outcomes {
		if o.err != nil {
			result.Errors = append(result.Errors, BatchError{Index: i, Err: o.err})
			continue
		}
		result.Results = append(result.Results, o.value)
	}

	if len(result.Errors) > 0 {
		r.logger.Warn("batch completed with failures",
			"operation", name,
			"succeeded", len(result.Results),
			"failed", len(result.Errors))
	}

	return result, nil
}

// NewBackoff returns the retry delay sequence for cfg: BaseDelay * Multiplier^n with
// jitter of up to a tenth of BaseDelay (less for multipliers below 1.4), capped at MaxDelay, stopping after MaxAttempts-1
// retries.
func NewBackoff(cfg *RateLimiterConfig) retry.Backoff {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if maxAttempts > 1000 {
		maxAttempts = 1000
	}

	maxRetries := maxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	b := newExponential(cfg.BaseDelay, cfg.Multiplier)
	if jitter := backoffJitter(cfg.BaseDelay, cfg.Multiplier); jitter > 0 {
		b = retry.WithJitter(jitter, b)
	}

	return retry.WithMaxRetries(
		uint64(maxRetries), // #nosec G115 - bounds checked above
		retry.WithCappedDuration(cfg.MaxDelay, b),
	)
}

// backoffJitter is a tenth of baseDelay, shrunk for multipliers close to 1 so that two
// consecutive jittered delays never overlap: the gap between them is at least
// baseDelay*(multiplier-1), which stays above twice the jitter.
func backoffJitter(baseDelay time.Duration, multiplier float64) time.Duration {
	if multiplier <= 1 {
		return 0
	}
	jitter := baseDelay / 10
	if bound := time.Duration(float64(baseDelay) * (multiplier - 1) / 4); bound < jitter {
		jitter = bound
	}
	return jitter
}

// newExponential creates an exponential backoff with a configurable multiplier.
// The delay for retry N is: baseDelay * (multiplier ^ N)
func newExponential(baseDelay time.Duration, multiplier float64) retry.Backoff {
	if multiplier <= 0 {
		multiplier = 2.0
	}

	if multiplier == 2.0 && baseDelay > 0 {
		return retry.NewExponential(baseDelay)
	}

	attempt := uint64(0)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay := float64(baseDelay)
		for i := uint64(0); i < attempt; i++ {
			delay *= multiplier
			if delay > float64(1<<63-1) {
				attempt++
				return time.Duration(1<<63 - 1), false
			}
		}
		attempt++
		return time.Duration(delay), false
	})
}

func (r *RateLimiter) recordAttempt() {
	r.mu.Lock()
	r.stats.totalRequests++
	r.stats.lastRequestTime = time.Now()
	r.mu.Unlock()
}

func (r *RateLimiter) recordSuccess(name string) {
	r.mu.Lock()
	r.stats.successfulRequests++
	r.mu.Unlock()

	r.metrics.observeRequest(name, outcomeSuccess)
}

func (r *RateLimiter) recordFailure(name string, err error) {
	rateLimited := KindOf(err) == KindRateLimited

	r.mu.Lock()
	r.stats.failedRequests++
	if rateLimited {
		r.stats.rateLimitedRequests++
	}
	r.stats.lastError = err
	r.mu.Unlock()

	if rateLimited {
		r.logger.Warn("gp51 rate limit detected",
			"operation", name,
			"error", err)
		r.metrics.observeRequest(name, outcomeRateLimited)
		return
	}
	r.metrics.observeRequest(name, outcomeFailure)
}

// Stats returns a snapshot of the limiter statistics.
// This method is thread-safe.
func (r *RateLimiter) Stats() RateLimitStats {
	cb := r.breaker.Load()
	state := cb.State()
	counts := cb.Counts()

	r.mu.RLock()
	defer r.mu.RUnlock()

	return RateLimitStats{
		TotalRequests:       r.stats.totalRequests,
		SuccessfulRequests:  r.stats.successfulRequests,
		FailedRequests:      r.stats.failedRequests,
		RateLimitedRequests: r.stats.rateLimitedRequests,
		LastRequestTime:     r.stats.lastRequestTime,
		LastError:           r.stats.lastError,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		CircuitOpen:         state == gobreaker.StateOpen,
	}
}

// ResetStats clears the counters and closes the circuit.
func (r *RateLimiter) ResetStats() {
	r.breaker.Store(r.newBreaker())

	r.mu.Lock()
	r.stats = rateLimitStats{}
	r.openedAt = time.Time{}
	r.signalStateChange()
	r.mu.Unlock()

	r.metrics.setCircuitState(StateClosed)
	r.logger.Info("rate limiter stats reset")
}

// CircuitState returns the current state of the circuit breaker.
func (r *RateLimiter) CircuitState() CircuitBreakerState {
	return convertGobreakerState(r.breaker.Load().State())
}

// Counts returns the current counts of the circuit breaker.
func (r *RateLimiter) Counts() CircuitBreakerCounts {
	counts := r.breaker.Load().Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// GetHealth reports the circuit breaker state. ReopensAt is set only while the circuit is open.
func (r *RateLimiter) GetHealth() CircuitHealth {
	state := r.CircuitState()
	counts := r.Counts()

	health := CircuitHealth{
		State:               state.String(),
		Healthy:             state != StateOpen,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
		TotalSuccesses:      counts.TotalSuccesses,
	}
	if state == StateOpen {
		r.mu.RLock()
		reopens := r.openedAt.Add(r.config.CircuitCooldown)
		r.mu.RUnlock()
		health.ReopensAt = &reopens
	}
	return health
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
