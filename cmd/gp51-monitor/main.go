// Command gp51-monitor keeps a GP51 session alive, monitors the connection and serves
// health, status and Prometheus endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
	"github.com/JohnPlummer/jp-go-gp51/config"
	"github.com/JohnPlummer/jp-go-gp51/pgstore"
	"github.com/JohnPlummer/jp-go-gp51/rediscache"
)

func main() {
	configPath := flag.String("config", "configs/gp51-monitor.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("gp51-monitor failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}

	logger.Info("configuration loaded",
		"config", configPath,
		"gp51_url", cfg.GP51.BaseURL,
		"username", cfg.GP51.Username)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name)

	pool, err := pgstore.Connect(ctx, cfg.Database, 30*time.Second)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pgstore.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		// The offline cache is the last fallback level; run without it rather than refuse to start.
		logger.Warn("redis unreachable, offline sessions will not be available", "addr", cfg.Redis.Addr, "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := gp51.NewMetrics(registry)

	sessions := pgstore.NewSessions(pool)
	healthMetrics := pgstore.NewHealthMetrics(pool)
	users := pgstore.NewUsers(pool)
	offline := rediscache.NewOfflineCache(rdb, cfg.Redis.OfflineMaxAge)

	limiter := gp51.NewRateLimiter(
		gp51.WithMinInterval(cfg.RateLimit.MinInterval),
		gp51.WithMaxAttempts(cfg.RateLimit.MaxAttempts),
		gp51.WithBackoff(cfg.RateLimit.BaseDelay, cfg.RateLimit.Multiplier, cfg.RateLimit.MaxDelay),
		gp51.WithCircuitBreaker(cfg.RateLimit.CircuitBreakerThreshold, cfg.RateLimit.CircuitCooldown),
		gp51.WithBatchSize(cfg.RateLimit.BatchSize),
		gp51.WithLogger(logger),
		gp51.WithMetrics(metrics),
	)

	client := gp51.NewClient(cfg.GP51.BaseURL,
		gp51.WithRateLimiter(limiter),
		gp51.WithTimeout(cfg.GP51.Timeout),
		gp51.WithSessionTTL(cfg.GP51.SessionTTL),
		gp51.WithClientLogger(logger),
	)

	tracker := gp51.NewDegradationTracker()
	auth := gp51.NewFallbackAuthenticator([]gp51.Authenticator{
		&gp51.DirectAuthenticator{Client: client, Provisioner: users, Sessions: sessions, Offline: offline, Logger: logger},
		&gp51.CachedSessionAuthenticator{Sessions: sessions, Users: users},
		&gp51.LocalPasswordAuthenticator{Users: users, TTL: cfg.GP51.SessionTTL},
		&gp51.OfflineSessionAuthenticator{Cache: offline, MaxAge: cfg.Redis.OfflineMaxAge},
	},
		gp51.WithTracker(tracker),
		gp51.WithAuthLogger(logger),
		gp51.WithAuthMetrics(metrics),
	)

	result := auth.AuthenticateWithFallback(ctx, cfg.GP51.Username, cfg.GP51.Password)
	if !result.Success {
		logger.Warn("starting without a usable gp51 session", "error", result.Error)
	}

	monitor := gp51.NewConnectionHealthMonitor(
		&gp51.SessionChecker{Client: client, Sessions: sessions, Invalidator: sessions, Logger: logger},
		gp51.WithRecorder(healthMetrics),
		gp51.WithRefresher(&gp51.CredentialRefresher{
			Client:   client,
			Store:    sessions,
			Username: cfg.GP51.Username,
			Password: cfg.GP51.Password,
		}),
		gp51.WithSessionSource(sessions),
		gp51.WithDegradedLatency(cfg.Monitor.DegradedLatency),
		gp51.WithCheckTimeout(cfg.Monitor.CheckTimeout),
		gp51.WithMonitorLogger(logger),
		gp51.WithMonitorMetrics(metrics),
	)

	tester := gp51.NewRealConnectionTester(client, sessions,
		gp51.WithCacheTTL(cfg.Monitor.TestCacheTTL),
		gp51.WithSessionInvalidator(sessions),
		gp51.WithTesterLogger(logger))

	unsubscribe := monitor.Subscribe(reconnectOnAuthError(ctx, monitor, tester, logger))
	defer unsubscribe()

	monitor.StartMonitoring(ctx, cfg.Monitor.Interval)
	defer monitor.StopMonitoring()

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: newRouter(routerDeps{
			monitor:  monitor,
			limiter:  limiter,
			auth:     auth,
			tester:   tester,
			history:  healthMetrics,
			gatherer: registry,
			ready: map[string]func() error{
				"gp51":     monitor.ReadinessCheck(),
				"postgres": pingCheck(pool.Ping),
			},
			username: cfg.GP51.Username,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting http server", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}

	logger.Info("gp51-monitor stopped")
	return nil
}

// reconnectOnAuthError triggers a reconnection when a check reports auth_error. The
// reconnection runs in its own goroutine because observers are called synchronously, and
// at most one runs at a time.
func reconnectOnAuthError(ctx context.Context, m *gp51.ConnectionHealthMonitor, t *gp51.RealConnectionTester, logger *slog.Logger) gp51.Observer {
	var inFlight atomic.Bool
	return func(status gp51.ConnectionHealthStatus) {
		if status.Status != gp51.StatusAuthError || !inFlight.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer inFlight.Store(false)
			logger.Info("gp51 session rejected, reconnecting")
			if after := m.AttemptReconnection(ctx); after.Status == gp51.StatusConnected {
				t.InvalidateCache()
			}
		}()
	}
}

func pingCheck(ping func(context.Context) error) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return ping(ctx)
	}
}
