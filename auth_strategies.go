package gp51

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultOfflineMaxAge is how long an offline cached session can be used.
const DefaultOfflineMaxAge = 24 * time.Hour

// ErrInvalidCredentials is returned when a password does not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// GP51Login performs direct GP51 authentication. *Client implements it.
type GP51Login interface {
	Login(ctx context.Context, username, password string) (*Session, error)
	Logout(ctx context.Context, token string) error
}

// UserProvisioner creates or signs in the application user that mirrors a GP51 account.
type UserProvisioner interface {
	EnsureUser(ctx context.Context, username, password string) error
}

// LocalUserStore provides password hashes for local authentication.
type LocalUserStore interface {
	// PasswordHash returns the bcrypt hash for username, or ErrInvalidCredentials.
	PasswordHash(ctx context.Context, username string) (string, error)
}

// OfflineEntry is a session cached for use when GP51 and the database are unreachable.
type OfflineEntry struct {
	CachedAt     time.Time `json:"cached_at"`
	Session      Session   `json:"session"`
	PasswordHash string    `json:"password_hash"`
}

// OfflineCache stores offline entries by username.
type OfflineCache interface {
	Put(ctx context.Context, entry OfflineEntry) error

	// Get returns the entry for username, or ErrNoSession.
	Get(ctx context.Context, username string) (*OfflineEntry, error)

	Delete(ctx context.Context, username string) error
}

// DirectAuthenticator logs in to GP51, provisions the local user and stores the session.
type DirectAuthenticator struct {
	Client      GP51Login
	Provisioner UserProvisioner
	Sessions    SessionStore
	Offline     OfflineCache
	Logger      *slog.Logger
	Now         func() time.Time
}

// Level implements Authenticator.
func (a *DirectAuthenticator) Level() AuthLevel { return LevelFull }

// Authenticate implements Authenticator. Failing to cache the session is logged; failing to
// provision the user fails the level.
func (a *DirectAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Password == "" {
		return nil, ErrInvalidCredentials
	}

	sess, err := a.Client.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("gp51 login: %w", err)
	}

	if a.Provisioner != nil {
		if err := a.Provisioner.EnsureUser(ctx, creds.Username, creds.Password); err != nil {
			return nil, fmt.Errorf("provision user: %w", err)
		}
	}

	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if a.Sessions != nil {
		if err := a.Sessions.Save(ctx, sess); err != nil {
			logger.Warn("failed to store gp51 session", "username", creds.Username, "error", err)
		}
	}

	if a.Offline != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
		if err != nil {
			logger.Warn("failed to hash password for offline cache", "error", err)
			return sess, nil
		}
		entry := OfflineEntry{Session: *sess, PasswordHash: string(hash), CachedAt: nowOr(a.Now)}
		if err := a.Offline.Put(ctx, entry); err != nil {
			logger.Warn("failed to cache offline session", "username", creds.Username, "error", err)
		}
	}

	return sess, nil
}

// Terminate implements SessionTerminator: it ends the GP51 session, invalidates the stored
// session and drops the offline entry. A failed GP51 logout is logged; the local state is
// cleared regardless.
func (a *DirectAuthenticator) Terminate(ctx context.Context, username string) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	if a.Sessions != nil {
		sess, err := a.Sessions.Lookup(ctx, username)
		switch {
		case err == nil && sess.Token != "":
			if err := a.Client.Logout(ctx, sess.Token); err != nil {
				logger.Warn("gp51 logout failed", "username", username, "error", err)
			}
		case err != nil && !errors.Is(err, ErrNoSession):
			logger.Warn("lookup session for logout failed", "username", username, "error", err)
		}

		if err := a.Sessions.Invalidate(ctx, username); err != nil {
			errs = append(errs, fmt.Errorf("invalidate session: %w", err))
		}
	}

	if a.Offline != nil {
		if err := a.Offline.Delete(ctx, username); err != nil {
			errs = append(errs, fmt.Errorf("delete offline session: %w", err))
		}
	}

	return errors.Join(errs...)
}

// CachedSessionAuthenticator reuses an unexpired session from the session store once the
// password matches the locally stored bcrypt hash.
type CachedSessionAuthenticator struct {
	Sessions SessionStore
	Users    LocalUserStore
	Now      func() time.Time
}

// Level implements Authenticator.
func (a *CachedSessionAuthenticator) Level() AuthLevel { return LevelDegraded }

// Authenticate implements Authenticator.
func (a *CachedSessionAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	if a.Users == nil {
		return nil, errors.New("cached session level has no password store")
	}
	if err := verifyPassword(ctx, a.Users, creds); err != nil {
		return nil, err
	}

	sess, err := a.Sessions.Lookup(ctx, creds.Username)
	if err != nil {
		return nil, fmt.Errorf("lookup cached session: %w", err)
	}
	if !sess.Valid(nowOr(a.Now)) {
		return nil, fmt.Errorf("cached session for %s: %w", creds.Username, ErrNoSession)
	}
	return sess, nil
}

// LocalPasswordAuthenticator checks the password against a locally stored bcrypt hash.
// The returned session carries no GP51 token.
type LocalPasswordAuthenticator struct {
	Users LocalUserStore
	Now   func() time.Time
	TTL   time.Duration
}

// Level implements Authenticator.
func (a *LocalPasswordAuthenticator) Level() AuthLevel { return LevelMinimal }

// Authenticate implements Authenticator.
func (a *LocalPasswordAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	if err := verifyPassword(ctx, a.Users, creds); err != nil {
		return nil, err
	}

	ttl := a.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return NewSession(creds.Username, "", nowOr(a.Now), ttl), nil
}

// OfflineSessionAuthenticator accepts a cached offline session younger than MaxAge whose
// password hash matches.
type OfflineSessionAuthenticator struct {
	Cache  OfflineCache
	Now    func() time.Time
	MaxAge time.Duration
}

// Level implements Authenticator.
func (a *OfflineSessionAuthenticator) Level() AuthLevel { return LevelOffline }

// Authenticate implements Authenticator.
func (a *OfflineSessionAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	entry, err := a.Cache.Get(ctx, creds.Username)
	if err != nil {
		return nil, fmt.Errorf("load offline session: %w", err)
	}

	maxAge := a.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultOfflineMaxAge
	}
	if nowOr(a.Now).Sub(entry.CachedAt) >= maxAge {
		return nil, fmt.Errorf("offline session for %s expired: %w", creds.Username, ErrNoSession)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	sess := entry.Session
	return &sess, nil
}

// verifyPassword checks creds against the bcrypt hash in users.
func verifyPassword(ctx context.Context, users LocalUserStore, creds Credentials) error {
	if creds.Password == "" {
		return ErrInvalidCredentials
	}

	hash, err := users.PasswordHash(ctx, creds.Username)
	if err != nil {
		return fmt.Errorf("load password hash: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.Password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func nowOr(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}
