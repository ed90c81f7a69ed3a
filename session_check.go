package gp51

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ConnectionChecker checks GP51 connectivity.
type ConnectionChecker interface {
	TestConnection(ctx context.Context) error
}

// SessionRefresher obtains a fresh GP51 session.
type SessionRefresher interface {
	RefreshSession(ctx context.Context) error
}

// SessionChecker tests GP51 with the token of the active session. When GP51 rejects the
// token, the session is invalidated through Invalidator so no other component reuses it.
type SessionChecker struct {
	Client      GP51API
	Sessions    SessionSource
	Invalidator SessionInvalidator
	Logger      *slog.Logger
	Now         func() time.Time
}

// TestConnection implements ConnectionChecker. A missing or expired session is reported
// as a KindAuthExpired error without calling GP51.
func (p *SessionChecker) TestConnection(ctx context.Context) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	sess, err := p.Sessions.ActiveSession(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return &APIError{Action: "test_connection", Kind: KindAuthExpired, Err: err}
		}
		return fmt.Errorf("load active session: %w", err)
	}
	if !sess.Valid(now()) {
		return &APIError{Action: "test_connection", Kind: KindAuthExpired, Cause: "session expired"}
	}

	err = p.Client.TestConnection(ctx, sess.Token)
	if KindOf(err) == KindAuthExpired {
		invalidateRejected(ctx, p.Invalidator, p.Logger, sess.Username, err)
	}
	return err
}

// invalidateRejected marks the sessions of username invalid after GP51 rejected its token.
func invalidateRejected(ctx context.Context, inv SessionInvalidator, logger *slog.Logger, username string, cause error) {
	if inv == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := inv.Invalidate(ctx, username); err != nil {
		logger.Error("failed to invalidate rejected gp51 session",
			"username", username,
			"error", err)
		return
	}
	logger.Warn("gp51 rejected session token, session invalidated",
		"username", username,
		"cause", cause)
}

// CredentialRefresher logs in again with stored credentials and saves the new session.
type CredentialRefresher struct {
	Client   *Client
	Store    SessionStore
	Username string
	Password string
}

// RefreshSession implements SessionRefresher.
func (r *CredentialRefresher) RefreshSession(ctx context.Context) error {
	sess, err := r.Client.Login(ctx, r.Username, r.Password)
	if err != nil {
		return fmt.Errorf("refresh gp51 session: %w", err)
	}
	if err := r.Store.Save(ctx, sess); err != nil {
		return fmt.Errorf("save refreshed session: %w", err)
	}
	return nil
}
