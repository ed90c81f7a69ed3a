package gp51_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

var _ = Describe("CircuitHealth", func() {
	It("omits reopens_at while the circuit is closed", func() {
		data, err := json.Marshal(fastLimiter().GetHealth())
		Expect(err).NotTo(HaveOccurred())

		var fields map[string]interface{}
		Expect(json.Unmarshal(data, &fields)).To(Succeed())
		Expect(fields["healthy"]).To(BeTrue())
		Expect(fields["state"]).To(Equal("closed"))
		Expect(fields).NotTo(HaveKey("reopens_at"))
	})

	It("reports when an open circuit reopens", func() {
		limiter := fastLimiter(gp51.WithMaxAttempts(1), gp51.WithCircuitBreaker(1, time.Minute))
		before := time.Now()
		_, _ = gp51.ExecuteWithRetry(context.Background(), limiter, "test", func(context.Context) (string, error) {
			return "", errors.New("boom")
		})

		health := limiter.GetHealth()
		Expect(health.ReopensAt).NotTo(BeNil())
		Expect(*health.ReopensAt).To(BeTemporally("~", before.Add(time.Minute), time.Second))
		Expect(health.ConsecutiveFailures).To(BeNumerically("==", 1))
		Expect(health.TotalFailures).To(BeNumerically("==", 1))
	})

	DescribeTable("GetHealth by circuit state",
		func(failures int, wantHealthy bool, wantState string) {
			limiter := fastLimiter(gp51.WithMaxAttempts(1), gp51.WithCircuitBreaker(2, time.Minute))
			for i := 0; i < failures; i++ {
				_, _ = gp51.ExecuteWithRetry(context.Background(), limiter, "test", func(context.Context) (string, error) {
					return "", errors.New("boom")
				})
			}

			health := limiter.GetHealth()
			Expect(health.Healthy).To(Equal(wantHealthy))
			Expect(health.State).To(Equal(wantState))
		},
		Entry("closed", 0, true, "closed"),
		Entry("closed with one failure", 1, true, "closed"),
		Entry("open", 2, false, "open"),
	)

	It("names every circuit state", func() {
		Expect(gp51.StateClosed.String()).To(Equal("closed"))
		Expect(gp51.StateHalfOpen.String()).To(Equal("half-open"))
		Expect(gp51.StateOpen.String()).To(Equal("open"))
		Expect(gp51.CircuitBreakerState(42).String()).To(Equal("unknown"))
	})
})
