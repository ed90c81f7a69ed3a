package gp51

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// AuthLevel is the fallback tier an authentication succeeded at.
type AuthLevel string

const (
	// LevelFull is direct GP51 authentication.
	LevelFull AuthLevel = "full"

	// LevelDegraded reuses a stored, unexpired GP51 session.
	LevelDegraded AuthLevel = "degraded"

	// LevelMinimal is local password authentication without GP51.
	LevelMinimal AuthLevel = "minimal"

	// LevelOffline reuses a locally cached session.
	LevelOffline AuthLevel = "offline"
)

// Credentials are the username and password presented by the caller.
type Credentials struct {
	Username string
	Password string
}

// Authenticator is one fallback level.
type Authenticator interface {
	// Level is the level reported when Authenticate succeeds.
	Level() AuthLevel

	// Authenticate returns a session or an error explaining why this level cannot serve.
	Authenticate(ctx context.Context, creds Credentials) (*Session, error)
}

// SessionTerminator is implemented by levels that hold session state to clear on logout.
type SessionTerminator interface {
	Terminate(ctx context.Context, username string) error
}

// AuthResult is the outcome of AuthenticateWithFallback.
type AuthResult struct {
	Error   error
	Session *Session
	Level   AuthLevel
	Success bool
}

// ErrAllLevelsFailed is wrapped by AuthResult.Error when no level succeeded.
var ErrAllLevelsFailed = errors.New("all authentication levels failed")

// FallbackAuthenticator tries its levels in order and stops at the first success.
type FallbackAuthenticator struct {
	tracker *DegradationTracker
	logger  *slog.Logger
	metrics *Metrics
	levels  []Authenticator

	mu      sync.RWMutex
	current AuthLevel
}

// AuthOption configures a FallbackAuthenticator.
type AuthOption func(*FallbackAuthenticator)

// WithTracker shares a DegradationTracker with other components.
func WithTracker(t *DegradationTracker) AuthOption {
	return func(f *FallbackAuthenticator) {
		f.tracker = t
	}
}

// WithAuthLogger sets the logger.
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(f *FallbackAuthenticator) {
		f.logger = logger
	}
}

// WithAuthMetrics attaches a Metrics collector.
func WithAuthMetrics(m *Metrics) AuthOption {
	return func(f *FallbackAuthenticator) {
		f.metrics = m
	}
}

// NewFallbackAuthenticator creates an authenticator trying levels in slice order.
//
// Example:
//
//	auth := gp51.NewFallbackAuthenticator([]gp51.Authenticator{
//	    &gp51.DirectAuthenticator{Client: client, Provisioner: users, Sessions: sessions, Offline: cache},
//	    &gp51.CachedSessionAuthenticator{Sessions: sessions, Users: users},
//	    &gp51.LocalPasswordAuthenticator{Users: users},
//	    &gp51.OfflineSessionAuthenticator{Cache: cache},
//	})
func NewFallbackAuthenticator(levels []Authenticator, opts ...AuthOption) *FallbackAuthenticator {
	f := &FallbackAuthenticator{
		levels:  levels,
		logger:  slog.Default(),
		current: LevelOffline,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tracker == nil {
		f.tracker = NewDegradationTracker()
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// AuthenticateWithFallback tries each level in order until one succeeds. Every failing level
// is marked degraded in the tracker. When all levels fail the result has Success false and
// Level offline.
func (f *FallbackAuthenticator) AuthenticateWithFallback(ctx context.Context, username, password string) AuthResult {
	creds := Credentials{Username: strings.TrimSpace(username), Password: password}
	if creds.Username == "" {
		return f.fail(errors.New("username is required"))
	}

	var failures []string
	for _, level := range f.levels {
		if err := ctx.Err(); err != nil {
			return f.fail(err)
		}

		service := serviceName(level.Level())
		sess, err := level.Authenticate(ctx, creds)
		if err == nil {
			f.tracker.MarkHealthy(service)
			f.metrics.observeAuth(level.Level(), true)
			f.setLevel(level.Level())

			f.logger.Info("gp51 authentication succeeded",
				"username", creds.Username,
				"level", level.Level())
			return AuthResult{Success: true, Level: level.Level(), Session: sess}
		}

		f.tracker.MarkDegraded(service, err.Error())
		f.metrics.observeAuth(level.Level(), false)
		failures = append(failures, fmt.Sprintf("%s: %v", level.Level(), err))

		f.logger.Warn("authentication level failed, falling back",
			"username", creds.Username,
			"level", level.Level(),
			"error", err)
	}

	return f.fail(fmt.Errorf("%w: %s", ErrAllLevelsFailed, strings.Join(failures, "; ")))
}

// Logout clears the session state every level holds for username and drops the current
// level to offline. All levels are cleared even when one fails; the failures are joined.
func (f *FallbackAuthenticator) Logout(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("username is required")
	}

	var errs []error
	for _, level := range f.levels {
		t, ok := level.(SessionTerminator)
		if !ok {
			continue
		}
		if err := t.Terminate(ctx, username); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", level.Level(), err))
		}
	}
	f.setLevel(LevelOffline)

	if err := errors.Join(errs...); err != nil {
		f.logger.Error("gp51 logout incomplete", "username", username, "error", err)
		return err
	}
	f.logger.Info("gp51 logout complete", "username", username)
	return nil
}

func (f *FallbackAuthenticator) fail(err error) AuthResult {
	f.setLevel(LevelOffline)
	f.logger.Error("gp51 authentication failed", "error", err)
	return AuthResult{Success: false, Level: LevelOffline, Error: err}
}

func (f *FallbackAuthenticator) setLevel(level AuthLevel) {
	f.mu.Lock()
	f.current = level
	f.mu.Unlock()
}

// CurrentLevel returns the level of the most recent authentication.
func (f *FallbackAuthenticator) CurrentLevel() AuthLevel {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Tracker returns the degradation tracker.
func (f *FallbackAuthenticator) Tracker() *DegradationTracker {
	return f.tracker
}

func serviceName(level AuthLevel) string {
	return "gp51_auth_" + string(level)
}
