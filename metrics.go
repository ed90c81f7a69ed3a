package gp51

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeRateLimited = "rate_limited"
)

// Metrics exports rate limiter, health monitor and authentication events to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	circuitState  prometheus.Gauge
	healthChecks  *prometheus.CounterVec
	healthLatency prometheus.Histogram
	authAttempts  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gp51",
			Name:      "requests_total",
			Help:      "GP51 request attempts by operation and outcome.",
		}, []string{"operation", "outcome"}),
		circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gp51",
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gp51",
			Name:      "health_checks_total",
			Help:      "Health checks by resulting connection status.",
		}, []string{"status"}),
		healthLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gp51",
			Name:      "health_check_latency_seconds",
			Help:      "Latency of GP51 health checks.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gp51",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by fallback level and outcome.",
		}, []string{"level", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.circuitState, m.healthChecks, m.healthLatency, m.authAttempts)
	}
	return m
}

func (m *Metrics) observeRequest(operation, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) setCircuitState(state CircuitBreakerState) {
	if m == nil {
		return
	}
	m.circuitState.Set(float64(state))
}

func (m *Metrics) observeHealthCheck(status ConnectionStatus, latency time.Duration) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(string(status)).Inc()
	m.healthLatency.Observe(latency.Seconds())
}

func (m *Metrics) observeAuth(level AuthLevel, success bool) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if !success {
		outcome = outcomeFailure
	}
	m.authAttempts.WithLabelValues(string(level), outcome).Inc()
}
