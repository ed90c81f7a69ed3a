// Package gp51 provides a reliability layer for the GP51 GPS tracking web API.
// It throttles and retries outbound calls behind a circuit breaker, monitors connection
// health, authenticates through an ordered chain of fallback levels, and runs end-to-end
// connection tests with short-lived result caching.
package gp51

import (
	"context"
)

// ResilientClient defines a generic interface for executing requests against GP51 or any
// service that needs the same throttling and retry treatment.
//
// Example:
//
//	limiter := gp51.NewRateLimiter(gp51.WithMinInterval(time.Second))
//	client := gp51.NewRateLimitedClient[gp51.Request, *gp51.Response](apiClient, limiter, "gp51")
//	resp, err := client.Execute(ctx, gp51.Request{Action: "querydevicestree", Token: token})
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context should be used to control timeouts and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// RateLimitedClient wraps a ResilientClient so every request goes through
// RateLimiter.ExecuteWithRetry.
type RateLimitedClient[Req, Resp any] struct {
	client  ResilientClient[Req, Resp]
	limiter *RateLimiter
	name    string
}

// NewRateLimitedClient creates a client whose Execute calls are throttled, retried and
// guarded by the limiter's circuit breaker. The name labels log lines and metrics.
func NewRateLimitedClient[Req, Resp any](
	client ResilientClient[Req, Resp],
	limiter *RateLimiter,
	name string,
) *RateLimitedClient[Req, Resp] {
	return &RateLimitedClient[Req, Resp]{
		client:  client,
		limiter: limiter,
		name:    name,
	}
}

// Execute implements ResilientClient.
func (c *RateLimitedClient[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return ExecuteWithRetry(ctx, c.limiter, c.name, func(ctx context.Context) (Resp, error) {
		return c.client.Execute(ctx, req)
	})
}
