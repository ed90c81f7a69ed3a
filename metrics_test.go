package gp51_test

import (
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

var _ = Describe("Metrics", func() {
	var reg *prometheus.Registry

	BeforeEach(func() {
		reg = prometheus.NewRegistry()
	})

	It("counts request outcomes per operation", func() {
		limiter := fastLimiter(gp51.WithMetrics(gp51.NewMetrics(reg)))
		limited := &gp51.APIError{Kind: gp51.KindRateLimited, Status: gp51.StatusIPLimit}
		var calls int

		_, err := gp51.ExecuteWithRetry(context.Background(), limiter, "querydevicestree", func(context.Context) (int, error) {
			calls++
			switch calls {
			case 1:
				return 0, limited
			case 2:
				return 0, errors.New("reset by peer")
			default:
				return 1, nil
			}
		})
		Expect(err).NotTo(HaveOccurred())

		expected := `
# HELP gp51_requests_total GP51 request attempts by operation and outcome.
# TYPE gp51_requests_total counter
gp51_requests_total{operation="querydevicestree",outcome="failure"} 1
gp51_requests_total{operation="querydevicestree",outcome="rate_limited"} 1
gp51_requests_total{operation="querydevicestree",outcome="success"} 1
`
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "gp51_requests_total")).To(Succeed())
	})

	It("tracks the circuit state", func() {
		limiter := fastLimiter(
			gp51.WithMetrics(gp51.NewMetrics(reg)),
			gp51.WithMaxAttempts(1),
			gp51.WithCircuitBreaker(1, time.Minute),
		)

		_, _ = gp51.ExecuteWithRetry(context.Background(), limiter, "login", func(context.Context) (int, error) {
			return 0, errors.New("down")
		})

		expected := `
# HELP gp51_circuit_state Circuit breaker state: 0 closed, 1 half-open, 2 open.
# TYPE gp51_circuit_state gauge
gp51_circuit_state 2
`
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected), "gp51_circuit_state")).To(Succeed())

		limiter.ResetStats()
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(strings.Replace(expected, "state 2", "state 0", 1)), "gp51_circuit_state")).To(Succeed())
	})

	It("registers nothing without a registerer", func() {
		Expect(func() { gp51.NewMetrics(nil) }).NotTo(Panic())
	})
})
