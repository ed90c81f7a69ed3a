package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type healthMonitor interface {
	Status() gp51.ConnectionHealthStatus
	AttemptReconnection(ctx context.Context) gp51.ConnectionHealthStatus
}

type limiterStats interface {
	Stats() gp51.RateLimitStats
	GetHealth() gp51.CircuitHealth
}

type authState interface {
	CurrentLevel() gp51.AuthLevel
	Tracker() *gp51.DegradationTracker
	Logout(ctx context.Context, username string) error
}

type reportGenerator interface {
	GenerateConnectionReport(ctx context.Context) *gp51.ConnectionReport
	InvalidateCache()
}

type historySource interface {
	Recent(ctx context.Context, limit int) ([]gp51.HealthMetric, error)
}

type routerDeps struct {
	monitor  healthMonitor
	limiter  limiterStats
	auth     authState
	tester   reportGenerator
	history  historySource
	gatherer prometheus.Gatherer
	ready    map[string]func() error

	// username is the GP51 account POST /logout signs out.
	username string
}

// statusResponse is the /status body.
type statusResponse struct {
	Connection gp51.ConnectionHealthStatus   `json:"connection"`
	RateLimit  gp51.RateLimitStats           `json:"rate_limit"`
	Circuit    gp51.CircuitHealth            `json:"circuit"`
	AuthLevel  gp51.AuthLevel                `json:"auth_level"`
	Services   map[string]gp51.ServiceStatus `json:"services"`
}

func newRouter(deps routerDeps) *mux.Router {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	for name, check := range deps.ready {
		health.AddReadinessCheck(name, check)
	}

	r := mux.NewRouter()
	r.HandleFunc("/live", health.LiveEndpoint).Methods(http.MethodGet)
	r.HandleFunc("/ready", health.ReadyEndpoint).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(deps.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Connection: deps.monitor.Status(),
			RateLimit:  deps.limiter.Stats(),
			Circuit:    deps.limiter.GetHealth(),
			AuthLevel:  deps.auth.CurrentLevel(),
			Services:   deps.auth.Tracker().All(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/report", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, deps.tester.GenerateConnectionReport(req.Context()))
	}).Methods(http.MethodGet)

	r.HandleFunc("/history", func(w http.ResponseWriter, req *http.Request) {
		limit := defaultHistoryLimit
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		metrics, err := deps.history.Recent(req.Context(), limit)
		if err != nil {
			slog.Error("load health history failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, metrics)
	}).Methods(http.MethodGet)

	r.HandleFunc("/reconnect", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, deps.monitor.AttemptReconnection(req.Context()))
	}).Methods(http.MethodPost)

	r.HandleFunc("/logout", func(w http.ResponseWriter, req *http.Request) {
		err := deps.auth.Logout(req.Context(), deps.username)
		deps.tester.InvalidateCache()
		if err != nil {
			slog.Error("gp51 logout failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "logout incomplete"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"auth_level": string(deps.auth.CurrentLevel())})
	}).Methods(http.MethodPost)

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}
