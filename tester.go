package gp51

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTestCacheTTL is how long a RealConnectionTester result is reused.
const DefaultTestCacheTTL = 30 * time.Second

// GP51API is the subset of *Client the connection tester exercises.
type GP51API interface {
	TestConnection(ctx context.Context, token string) error
	QueryDevicesTree(ctx context.Context, token string) (*DeviceTree, error)
}

// ConnectionTestResult is the outcome of one end-to-end connection test.
type ConnectionTestResult struct {
	Timestamp    time.Time     `json:"timestamp"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Latency      time.Duration `json:"latency"`
	DeviceCount  int           `json:"device_count"`
	Success      bool          `json:"success"`
	SessionValid bool          `json:"session_valid"`
	APIReachable bool          `json:"api_reachable"`
	DataFlowing  bool          `json:"data_flowing"`
}

// ReportSummary is the coarse verdict of a connection report.
type ReportSummary string

const (
	SummaryHealthy  ReportSummary = "Healthy"
	SummaryDegraded ReportSummary = "Degraded"
	SummaryCritical ReportSummary = "Critical"
)

// ConnectionReport pairs a test result with a verdict and remediation suggestions.
type ConnectionReport struct {
	Result      *ConnectionTestResult `json:"result"`
	Summary     ReportSummary         `json:"summary"`
	Suggestions []string              `json:"suggestions"`
}

// RealConnectionTester checks session validity, API reachability and data flow in order,
// caching the result for CacheTTL.
type RealConnectionTester struct {
	api         GP51API
	sessions    SessionSource
	invalidator SessionInvalidator
	logger      *slog.Logger
	now         func() time.Time
	cacheTTL    time.Duration

	mu     sync.Mutex
	cached *ConnectionTestResult
}

// TesterOption configures a RealConnectionTester.
type TesterOption func(*RealConnectionTester)

// WithCacheTTL sets how long results are reused.
func WithCacheTTL(ttl time.Duration) TesterOption {
	return func(t *RealConnectionTester) {
		t.cacheTTL = ttl
	}
}

// WithSessionInvalidator invalidates the session when GP51 rejects its token.
func WithSessionInvalidator(inv SessionInvalidator) TesterOption {
	return func(t *RealConnectionTester) {
		t.invalidator = inv
	}
}

// WithTesterLogger sets the logger.
func WithTesterLogger(logger *slog.Logger) TesterOption {
	return func(t *RealConnectionTester) {
		t.logger = logger
	}
}

// WithTesterClock overrides the time source.
func WithTesterClock(now func() time.Time) TesterOption {
	return func(t *RealConnectionTester) {
		t.now = now
	}
}

// NewRealConnectionTester creates a tester.
func NewRealConnectionTester(api GP51API, sessions SessionSource, opts ...TesterOption) *RealConnectionTester {
	t := &RealConnectionTester{
		api:      api,
		sessions: sessions,
		logger:   slog.Default(),
		now:      time.Now,
		cacheTTL: DefaultTestCacheTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TestRealConnection returns the cached result when it is younger than the cache TTL,
// otherwise runs the checks. The first failing check ends the test; later checks are
// reported false. A run cut short by ctx is returned but not cached.
func (t *RealConnectionTester) TestRealConnection(ctx context.Context) *ConnectionTestResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached != nil && t.now().Sub(t.cached.Timestamp) < t.cacheTTL {
		return t.cached
	}

	result := t.run(ctx)
	if ctx.Err() == nil {
		t.cached = result
	}
	return result
}

func (t *RealConnectionTester) run(ctx context.Context) *ConnectionTestResult {
	start := t.now()
	result := &ConnectionTestResult{Timestamp: start}
	defer func() {
		result.Latency = t.now().Sub(start)
	}()

	sess, err := t.sessions.ActiveSession(ctx)
	if err != nil {
		result.ErrorMessage = "session check failed: " + err.Error()
		t.logger.Warn("gp51 connection test: no usable session", "error", err)
		return result
	}
	if !sess.Valid(start) {
		result.ErrorMessage = "session expired"
		t.logger.Warn("gp51 connection test: session expired", "username", sess.Username)
		return result
	}
	result.SessionValid = true

	if err := t.api.TestConnection(ctx, sess.Token); err != nil {
		if KindOf(err) == KindAuthExpired {
			result.SessionValid = false
			result.ErrorMessage = "session rejected: " + err.Error()
			invalidateRejected(ctx, t.invalidator, t.logger, sess.Username, err)
			return result
		}
		result.ErrorMessage = "api unreachable: " + err.Error()
		t.logger.Warn("gp51 connection test: api unreachable", "error", err)
		return result
	}
	result.APIReachable = true

	tree, err := t.api.QueryDevicesTree(ctx, sess.Token)
	if err != nil {
		result.ErrorMessage = "data fetch failed: " + err.Error()
		t.logger.Warn("gp51 connection test: data fetch failed", "error", err)
		return result
	}
	result.DataFlowing = true
	result.DeviceCount = tree.DeviceCount()
	result.Success = true

	return result
}

// InvalidateCache forces the next TestRealConnection to run the checks.
func (t *RealConnectionTester) InvalidateCache() {
	t.mu.Lock()
	t.cached = nil
	t.mu.Unlock()
}

// GenerateConnectionReport runs (or reuses) a connection test and derives a verdict with
// remediation suggestions.
func (t *RealConnectionTester) GenerateConnectionReport(ctx context.Context) *ConnectionReport {
	result := t.TestRealConnection(ctx)
	report := &ConnectionReport{Result: result, Suggestions: []string{}}

	switch {
	case result.Success:
		report.Summary = SummaryHealthy
	case !result.SessionValid:
		report.Summary = SummaryCritical
		report.Suggestions = append(report.Suggestions,
			"Re-authenticate with GP51 to obtain a fresh session",
			"Check that the GP51 credentials are still valid")
	case !result.APIReachable:
		report.Summary = SummaryCritical
		report.Suggestions = append(report.Suggestions,
			"Check network connectivity to the GP51 API",
			"Check the GP51 service status",
			"Wait for any rate limit or circuit breaker cool-down to pass")
	default:
		report.Summary = SummaryDegraded
		report.Suggestions = append(report.Suggestions,
			"Verify the account has devices assigned in GP51",
			"Retry the data fetch; GP51 may be returning partial results")
	}

	return report
}
