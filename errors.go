package gp51

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrorKind is the coarse category of a GP51 failure. It drives retry, circuit breaker and
// health classification decisions.
type ErrorKind int

const (
	// KindUnknown is any failure that could not be categorised.
	KindUnknown ErrorKind = iota

	// KindRateLimited means GP51 refused the call because of request volume (IP limit).
	KindRateLimited

	// KindAuthExpired means the token or credentials are no longer accepted.
	KindAuthExpired

	// KindNetwork covers transport failures and timeouts.
	KindNetwork
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthExpired:
		return "auth_expired"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// GP51 response status codes with a known meaning.
const (
	StatusOK           = 0
	StatusIPLimit      = 8902
	StatusTokenInvalid = 9903
)

// APIError is returned by Client for any non-OK GP51 response or transport failure.
type APIError struct {
	Err    error
	Action string
	Cause  string
	Kind   ErrorKind
	Status int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gp51 %s: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("gp51 %s: status %d: %s", e.Action, e.Status, e.Cause)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is reports rate-limited API errors as jperrors.ErrRateLimited.
func (e *APIError) Is(target error) bool {
	return target == jperrors.ErrRateLimited && e.Kind == KindRateLimited
}

// rateLimitSignatures is a stopgap: GP51 has no structured rate-limit code beyond 8902,
// so error text is matched until upstream provides one.
var rateLimitSignatures = []string{
	"ip limit",
	"rate limit",
	"8902",
}

// KindOf resolves the ErrorKind of err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind != KindUnknown {
		return apiErr.Kind
	}

	if errors.Is(err, jperrors.ErrRateLimited) {
		return KindRateLimited
	}
	if jperrors.IsTimeout(err) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	if looksRateLimited(err.Error()) {
		return KindRateLimited
	}
	return KindUnknown
}

func looksRateLimited(msg string) bool {
	msg = strings.ToLower(msg)
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// classifyStatus maps a GP51 response status to an ErrorKind.
func classifyStatus(action string, status int, cause string) ErrorKind {
	switch {
	case status == StatusIPLimit:
		return KindRateLimited
	case status == StatusTokenInvalid:
		return KindAuthExpired
	case action == ActionLogin:
		return KindAuthExpired
	case looksRateLimited(cause):
		return KindRateLimited
	default:
		return KindUnknown
	}
}

// ErrorClassifier determines whether an error should trigger a retry.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error counts towards opening the circuit.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious enough
	// to stop calling GP51 for the cool-down period.
	ShouldTripCircuit(err error) bool
}

// KindClassifier classifies errors by ErrorKind.
type KindClassifier struct {
	// RetryableKinds lists kinds that are retried. Defaults to rate limited, network and unknown.
	RetryableKinds []ErrorKind

	// TripKinds lists kinds that count towards the circuit threshold.
	// Defaults to rate limited, network and unknown.
	TripKinds []ErrorKind
}

// NewKindClassifier creates a KindClassifier with the default kind lists.
func NewKindClassifier() *KindClassifier {
	return &KindClassifier{
		RetryableKinds: defaultRetryableKinds(),
		TripKinds:      defaultTripKinds(),
	}
}

// IsRetryable implements ErrorClassifier.
func (c *KindClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Retrying with a finished context fails immediately.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	kinds := c.RetryableKinds
	if kinds == nil {
		kinds = defaultRetryableKinds()
	}
	return containsKind(kinds, KindOf(err))
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
func (c *KindClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	kinds := c.TripKinds
	if kinds == nil {
		kinds = defaultTripKinds()
	}
	return containsKind(kinds, KindOf(err))
}

func defaultRetryableKinds() []ErrorKind {
	return []ErrorKind{KindRateLimited, KindNetwork, KindUnknown}
}

func defaultTripKinds() []ErrorKind {
	return []ErrorKind{KindRateLimited, KindNetwork, KindUnknown}
}

func containsKind(kinds []ErrorKind, kind ErrorKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultErrorClassifier retries rate limits, network failures and unknown errors.
func DefaultErrorClassifier() ErrorClassifier {
	return NewKindClassifier()
}

// DefaultCircuitBreakerErrorClassifier trips on rate limits, network failures and unknown
// errors, but never on expired authentication.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return NewKindClassifier()
}
