package gp51

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
)

// ConnectionStatus is the coarse state of the GP51 connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusDegraded     ConnectionStatus = "degraded"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusAuthError    ConnectionStatus = "auth_error"
)

// ConnectionHealthStatus is the result of the latest health check. It is recomputed on every
// check and broadcast to subscribers.
type ConnectionHealthStatus struct {
	LastCheck    time.Time        `json:"last_check"`
	SessionInfo  *SessionInfo     `json:"session_info,omitempty"`
	Status       ConnectionStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Latency      time.Duration    `json:"latency"`
}

// SessionInfo summarises the session a health check ran with.
type SessionInfo struct {
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Valid     bool      `json:"valid"`
}

// Observer receives health status updates.
type Observer func(ConnectionHealthStatus)

// MonitorConfig holds ConnectionHealthMonitor configuration.
type MonitorConfig struct {
	// Recorder persists one HealthMetric per check. Optional.
	Recorder HealthMetricRecorder

	// Refresher is used by AttemptReconnection. Optional.
	Refresher SessionRefresher

	// Sessions populates ConnectionHealthStatus.SessionInfo. Optional.
	Sessions SessionSource

	// Logger for monitor operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives health check events. Optional.
	Metrics *Metrics

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time

	// DegradedLatency is the latency above which a successful check is "degraded".
	// Default: 2 seconds
	DegradedLatency time.Duration

	// CheckTimeout bounds a single check.
	// Default: 10 seconds
	CheckTimeout time.Duration
}

// MonitorOption is a functional option for configuring a ConnectionHealthMonitor.
type MonitorOption func(*MonitorConfig)

// WithRecorder sets where health metrics are persisted.
func WithRecorder(r HealthMetricRecorder) MonitorOption {
	return func(c *MonitorConfig) {
		c.Recorder = r
	}
}

// WithRefresher sets the session refresher used by AttemptReconnection.
func WithRefresher(r SessionRefresher) MonitorOption {
	return func(c *MonitorConfig) {
		c.Refresher = r
	}
}

// WithSessionSource sets the source of SessionInfo.
func WithSessionSource(s SessionSource) MonitorOption {
	return func(c *MonitorConfig) {
		c.Sessions = s
	}
}

// WithDegradedLatency sets the slow-response threshold.
func WithDegradedLatency(d time.Duration) MonitorOption {
	return func(c *MonitorConfig) {
		c.DegradedLatency = d
	}
}

// WithCheckTimeout bounds a single check.
func WithCheckTimeout(d time.Duration) MonitorOption {
	return func(c *MonitorConfig) {
		c.CheckTimeout = d
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(c *MonitorConfig) {
		c.Logger = logger
	}
}

// WithMonitorMetrics attaches a Metrics collector.
func WithMonitorMetrics(m *Metrics) MonitorOption {
	return func(c *MonitorConfig) {
		c.Metrics = m
	}
}

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(c *MonitorConfig) {
		c.Now = now
	}
}

// DefaultMonitorConfig returns monitor configuration with sensible defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		DegradedLatency: 2 * time.Second,
		CheckTimeout:    10 * time.Second,
		Logger:          slog.Default(),
		Now:             time.Now,
	}
}

// DefaultMonitorInterval is the StartMonitoring interval used when none is given.
const DefaultMonitorInterval = 60 * time.Second

// ConnectionHealthMonitor periodically checks GP51, records latency and success, and
// publishes the resulting status to subscribers.
type ConnectionHealthMonitor struct {
	checker ConnectionChecker
	config  *MonitorConfig
	logger  *slog.Logger

	mu          sync.RWMutex
	status      ConnectionHealthStatus
	subscribers map[uint64]Observer
	nextID      uint64

	// checkMu serialises health checks so metrics and notifications stay ordered.
	checkMu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnectionHealthMonitor creates a monitor around checker. The initial status is
// disconnected until the first check runs.
func NewConnectionHealthMonitor(checker ConnectionChecker, opts ...MonitorOption) *ConnectionHealthMonitor {
	config := DefaultMonitorConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &ConnectionHealthMonitor{
		checker:     checker,
		config:      config,
		logger:      config.Logger,
		status:      ConnectionHealthStatus{Status: StatusDisconnected},
		subscribers: make(map[uint64]Observer),
	}
}

// PerformHealthCheck checks GP51 once, classifies the result, persists exactly one
// HealthMetric, notifies subscribers and returns the new status.
func (m *ConnectionHealthMonitor) PerformHealthCheck(ctx context.Context) ConnectionHealthStatus {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	checkCtx := ctx
	if m.config.CheckTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, m.config.CheckTimeout)
		defer cancel()
	}

	start := m.config.Now()
	err := m.checker.TestConnection(checkCtx)
	latency := m.config.Now().Sub(start)

	status := ConnectionHealthStatus{
		LastCheck:   m.config.Now(),
		Latency:     latency,
		Status:      m.classify(err, latency),
		SessionInfo: m.sessionInfo(ctx),
	}
	if err != nil {
		status.ErrorMessage = err.Error()
	}

	m.record(ctx, status, err == nil)
	m.config.Metrics.observeHealthCheck(status.Status, latency)

	if status.Status != StatusConnected {
		m.logger.Warn("gp51 health check not healthy",
			"status", status.Status,
			"latency", latency,
			"error", err)
	} else {
		m.logger.Debug("gp51 health check passed", "latency", latency)
	}

	m.publish(status)
	return status
}

func (m *ConnectionHealthMonitor) classify(err error, latency time.Duration) ConnectionStatus {
	switch {
	case err != nil && KindOf(err) == KindAuthExpired:
		return StatusAuthError
	case err != nil:
		return StatusDisconnected
	case latency > m.config.DegradedLatency:
		return StatusDegraded
	default:
		return StatusConnected
	}
}

func (m *ConnectionHealthMonitor) sessionInfo(ctx context.Context) *SessionInfo {
	if m.config.Sessions == nil {
		return nil
	}
	sess, err := m.config.Sessions.ActiveSession(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			m.logger.Debug("load session info failed", "error", err)
		}
		return nil
	}
	return &SessionInfo{
		Username:  sess.Username,
		ExpiresAt: sess.ExpiresAt,
		Valid:     sess.Valid(m.config.Now()),
	}
}

// record persists the health metric. Persistence failures are logged, never returned,
// so a check always yields a status.
func (m *ConnectionHealthMonitor) record(ctx context.Context, status ConnectionHealthStatus, success bool) {
	if m.config.Recorder == nil {
		return
	}

	metric := HealthMetric{
		ID:           uuid.New(),
		Timestamp:    status.LastCheck,
		Latency:      status.Latency,
		Success:      success,
		Status:       status.Status,
		ErrorDetails: status.ErrorMessage,
	}
	if err := m.config.Recorder.RecordHealthMetric(ctx, metric); err != nil {
		m.logger.Error("failed to record health metric",
			"id", metric.ID,
			"error", err)
	}
}

// AttemptReconnection publishes a connecting status, refreshes the session and re-runs
// the health check.
func (m *ConnectionHealthMonitor) AttemptReconnection(ctx context.Context) ConnectionHealthStatus {
	m.mu.RLock()
	connecting := m.status
	m.mu.RUnlock()
	connecting.Status = StatusConnecting
	connecting.ErrorMessage = ""
	m.publish(connecting)

	m.logger.Info("attempting gp51 reconnection")

	if m.config.Refresher != nil {
		if err := m.config.Refresher.RefreshSession(ctx); err != nil {
			m.logger.Warn("session refresh failed during reconnection", "error", err)
		}
	}

	return m.PerformHealthCheck(ctx)
}

// Subscribe registers fn for status updates. fn is called immediately with the latest status
// and then after every check. The returned function removes the subscription.
func (m *ConnectionHealthMonitor) Subscribe(fn Observer) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	current := m.status
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// publish stores status and calls every subscriber synchronously, in no particular order.
func (m *ConnectionHealthMonitor) publish(status ConnectionHealthStatus) {
	m.mu.Lock()
	m.status = status
	observers := make([]Observer, 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}

// Status returns the latest status.
func (m *ConnectionHealthMonitor) Status() ConnectionHealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// StartMonitoring runs a health check immediately and then every interval until
// StopMonitoring is called or ctx is done. A non-positive interval uses
// DefaultMonitorInterval. Calling StartMonitoring while running restarts the loop.
func (m *ConnectionHealthMonitor) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	m.StopMonitoring()

	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.PerformHealthCheck(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.PerformHealthCheck(loopCtx)
			}
		}
	}()

	m.logger.Info("gp51 health monitoring started", "interval", interval)
}

// StopMonitoring cancels the monitoring loop and waits for it to exit. It is safe to call
// when monitoring is not running.
func (m *ConnectionHealthMonitor) StopMonitoring() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("gp51 health monitoring stopped")
}

// ReadinessCheck adapts the monitor to heptiolabs/healthcheck: ready unless the last check
// reported disconnected or auth_error.
func (m *ConnectionHealthMonitor) ReadinessCheck() healthcheck.Check {
	return func() error {
		status := m.Status()
		switch status.Status {
		case StatusDisconnected, StatusAuthError:
			return fmt.Errorf("gp51 %s: %s", status.Status, status.ErrorMessage)
		default:
			return nil
		}
	}
}
