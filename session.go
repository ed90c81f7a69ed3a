package gp51

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL is how long a GP51 token is treated as valid after login.
const DefaultSessionTTL = 24 * time.Hour

// ErrNoSession is returned by session sources that hold no usable session.
var ErrNoSession = errors.New("no active gp51 session")

// Session is a GP51 token plus the metadata needed to decide whether it can be reused.
type Session struct {
	ExpiresAt     time.Time `json:"expires_at"`
	LastValidated time.Time `json:"last_validated"`
	Username      string    `json:"username"`
	Token         string    `json:"token"`
	IsValid       bool      `json:"is_valid"`
}

// NewSession creates a valid session expiring ttl after now.
func NewSession(username, token string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		Username:      username,
		Token:         token,
		ExpiresAt:     now.Add(ttl),
		LastValidated: now,
		IsValid:       true,
	}
}

// Valid reports whether the session is usable at now. A session is never valid past
// its expiry, whatever IsValid says.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.IsValid && s.ExpiresAt.After(now)
}

// SessionSource returns the session GP51 calls should currently use.
type SessionSource interface {
	ActiveSession(ctx context.Context) (*Session, error)
}

// SessionInvalidator marks the sessions of a user invalid.
type SessionInvalidator interface {
	Invalidate(ctx context.Context, username string) error
}

// SessionStore persists GP51 sessions (the gp51_sessions table).
type SessionStore interface {
	SessionSource
	SessionInvalidator

	// Save inserts or refreshes the session for its username.
	Save(ctx context.Context, s *Session) error

	// Lookup returns the most recent valid session for username, or ErrNoSession.
	Lookup(ctx context.Context, username string) (*Session, error)
}

// HealthMetric is one persisted health check result (the gp51_health_metrics table).
type HealthMetric struct {
	Timestamp    time.Time        `json:"timestamp"`
	ErrorDetails string           `json:"error_details,omitempty"`
	Status       ConnectionStatus `json:"status"`
	Latency      time.Duration    `json:"latency"`
	ID           uuid.UUID        `json:"id"`
	Success      bool             `json:"success"`
}

// HealthMetricRecorder appends health metrics.
type HealthMetricRecorder interface {
	RecordHealthMetric(ctx context.Context, m HealthMetric) error
}
