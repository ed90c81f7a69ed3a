package pgstore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JohnPlummer/jp-go-gp51/config"
)

// Querier is the subset of *pgxpool.Pool the stores use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect creates a connection pool and pings it, retrying the ping with exponential
// backoff for up to maxWait.
func Connect(ctx context.Context, cfg config.DBConfig, maxWait time.Duration) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns) // #nosec G115 - validated config
	poolCfg.MaxConns = int32(cfg.MaxConns) // #nosec G115 - validated config

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxWait
	ping := func() error {
		return pool.Ping(ctx)
	}
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.DBConfig) string {
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// Schema creates the tables used by this package. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS gp51_sessions (
    username        TEXT PRIMARY KEY,
    token           TEXT NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL,
    last_validated  TIMESTAMPTZ NOT NULL,
    is_valid        BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS gp51_health_metrics (
    id              UUID PRIMARY KEY,
    checked_at      TIMESTAMPTZ NOT NULL,
    latency_ms      BIGINT NOT NULL,
    success         BOOLEAN NOT NULL,
    status          TEXT NOT NULL,
    error_details   TEXT
);

CREATE INDEX IF NOT EXISTS gp51_health_metrics_checked_at_idx
    ON gp51_health_metrics (checked_at DESC);

CREATE TABLE IF NOT EXISTS envio_users (
    username        TEXT PRIMARY KEY,
    password_hash   TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db Querier) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
