package gp51_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // Quiet during tests
	}))
}

// fastLimiter returns a limiter with millisecond backoff and no request spacing.
func fastLimiter(opts ...gp51.RateLimiterOption) *gp51.RateLimiter {
	base := []gp51.RateLimiterOption{
		gp51.WithMinInterval(0),
		gp51.WithBackoff(time.Millisecond, 1.5, 5*time.Millisecond),
		gp51.WithLogger(quietLogger()),
	}
	return gp51.NewRateLimiter(append(base, opts...)...)
}

// memSessionStore is an in-memory gp51.SessionStore.
type memSessionStore struct {
	mu            sync.Mutex
	sessions      map[string]*gp51.Session
	active        *gp51.Session
	saveErr       error
	lookupErr     error
	invalidateErr error
	saves         atomic.Int32
	invalidations atomic.Int32
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[string]*gp51.Session{}}
}

func (s *memSessionStore) ActiveSession(context.Context) (*gp51.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || !s.active.IsValid {
		return nil, gp51.ErrNoSession
	}
	return s.active, nil
}

func (s *memSessionStore) Save(_ context.Context, sess *gp51.Session) error {
	s.saves.Add(1)
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Username] = sess
	s.active = sess
	return nil
}

func (s *memSessionStore) Lookup(_ context.Context, username string) (*gp51.Session, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[username]
	if !ok || !sess.IsValid {
		return nil, gp51.ErrNoSession
	}
	return sess, nil
}

func (s *memSessionStore) Invalidate(_ context.Context, username string) error {
	s.invalidations.Add(1)
	if s.invalidateErr != nil {
		return s.invalidateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[username]; ok {
		sess.IsValid = false
	}
	return nil
}

// memOfflineCache is an in-memory gp51.OfflineCache.
type memOfflineCache struct {
	mu        sync.Mutex
	entries   map[string]gp51.OfflineEntry
	putErr    error
	deleteErr error
}

func newMemOfflineCache() *memOfflineCache {
	return &memOfflineCache{entries: map[string]gp51.OfflineEntry{}}
}

func (c *memOfflineCache) Put(_ context.Context, entry gp51.OfflineEntry) error {
	if c.putErr != nil {
		return c.putErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Session.Username] = entry
	return nil
}

func (c *memOfflineCache) Get(_ context.Context, username string) (*gp51.OfflineEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[username]
	if !ok {
		return nil, gp51.ErrNoSession
	}
	return &entry, nil
}

func (c *memOfflineCache) Delete(_ context.Context, username string) error {
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, username)
	return nil
}

// memUsers implements gp51.UserProvisioner and gp51.LocalUserStore.
type memUsers struct {
	mu        sync.Mutex
	hashes    map[string]string
	ensureErr error
	ensured   []string
}

func newMemUsers() *memUsers {
	return &memUsers{hashes: map[string]string{}}
}

func (u *memUsers) EnsureUser(_ context.Context, username, password string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ensureErr != nil {
		return u.ensureErr
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	u.hashes[username] = string(hash)
	u.ensured = append(u.ensured, username)
	return nil
}

func (u *memUsers) PasswordHash(_ context.Context, username string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	hash, ok := u.hashes[username]
	if !ok {
		return "", gp51.ErrInvalidCredentials
	}
	return hash, nil
}

// memRecorder collects health metrics.
type memRecorder struct {
	mu      sync.Mutex
	metrics []gp51.HealthMetric
	err     error
}

func (r *memRecorder) RecordHealthMetric(_ context.Context, m gp51.HealthMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
	return r.err
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.metrics)
}

func (r *memRecorder) all() []gp51.HealthMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gp51.HealthMetric(nil), r.metrics...)
}
