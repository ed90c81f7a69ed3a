package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

// Users mirrors GP51 accounts into envio_users. It implements gp51.UserProvisioner and
// gp51.LocalUserStore.
type Users struct {
	db   Querier
	now  func() time.Time
	cost int
}

// NewUsers creates a user store hashing passwords at bcrypt.DefaultCost.
func NewUsers(db Querier) *Users {
	return &Users{db: db, now: time.Now, cost: bcrypt.DefaultCost}
}

const upsertUser = `
INSERT INTO envio_users (username, password_hash, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (username) DO UPDATE SET
    password_hash = EXCLUDED.password_hash,
    updated_at = EXCLUDED.updated_at`

// EnsureUser implements gp51.UserProvisioner. The stored hash is refreshed so the local
// password tracks the last successful GP51 login.
func (u *Users) EnsureUser(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := u.db.Exec(ctx, upsertUser, username, string(hash), u.now()); err != nil {
		return fmt.Errorf("upsert user %s: %w", username, err)
	}
	return nil
}

// PasswordHash implements gp51.LocalUserStore.
func (u *Users) PasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := u.db.QueryRow(ctx, `SELECT password_hash FROM envio_users WHERE username = $1`, username).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", gp51.ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("load password hash for %s: %w", username, err)
	}
	return hash, nil
}
