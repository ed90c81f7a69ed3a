package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

// Sessions is a gp51.SessionStore backed by the gp51_sessions table.
type Sessions struct {
	db  Querier
	now func() time.Time
}

// NewSessions creates a session store.
func NewSessions(db Querier) *Sessions {
	return &Sessions{db: db, now: time.Now}
}

const upsertSession = `
INSERT INTO gp51_sessions (username, token, expires_at, last_validated, is_valid)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (username) DO UPDATE SET
    token = EXCLUDED.token,
    expires_at = EXCLUDED.expires_at,
    last_validated = EXCLUDED.last_validated,
    is_valid = EXCLUDED.is_valid`

// Save implements gp51.SessionStore.
func (s *Sessions) Save(ctx context.Context, sess *gp51.Session) error {
	if sess == nil {
		return errors.New("save session: nil session")
	}
	_, err := s.db.Exec(ctx, upsertSession,
		sess.Username, sess.Token, sess.ExpiresAt, sess.LastValidated, sess.IsValid)
	if err != nil {
		return fmt.Errorf("save session for %s: %w", sess.Username, err)
	}
	return nil
}

const selectSessionByUser = `
SELECT username, token, expires_at, last_validated, is_valid
FROM gp51_sessions
WHERE username = $1 AND is_valid AND expires_at > $2`

// Lookup implements gp51.SessionStore.
func (s *Sessions) Lookup(ctx context.Context, username string) (*gp51.Session, error) {
	return s.scanOne(ctx, "lookup session", selectSessionByUser, username, s.now())
}

const selectActiveSession = `
SELECT username, token, expires_at, last_validated, is_valid
FROM gp51_sessions
WHERE is_valid AND expires_at > $1
ORDER BY last_validated DESC
LIMIT 1`

// ActiveSession implements gp51.SessionSource: the most recently validated usable session.
func (s *Sessions) ActiveSession(ctx context.Context) (*gp51.Session, error) {
	return s.scanOne(ctx, "load active session", selectActiveSession, s.now())
}

func (s *Sessions) scanOne(ctx context.Context, op, query string, args ...any) (*gp51.Session, error) {
	var sess gp51.Session
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&sess.Username, &sess.Token, &sess.ExpiresAt, &sess.LastValidated, &sess.IsValid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gp51.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &sess, nil
}

// Invalidate implements gp51.SessionStore.
func (s *Sessions) Invalidate(ctx context.Context, username string) error {
	if _, err := s.db.Exec(ctx, `UPDATE gp51_sessions SET is_valid = FALSE WHERE username = $1`, username); err != nil {
		return fmt.Errorf("invalidate session for %s: %w", username, err)
	}
	return nil
}
