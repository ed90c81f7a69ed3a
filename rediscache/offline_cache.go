// Package rediscache keeps offline GP51 sessions in Redis so the last authentication
// level keeps working when GP51 and PostgreSQL are unreachable.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

// KeyPrefix namespaces offline entries.
const KeyPrefix = "gp51:offline:"

// Client is the subset of redis.Cmdable the cache uses.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// OfflineCache implements gp51.OfflineCache on Redis. Entries expire after maxAge.
type OfflineCache struct {
	rdb    Client
	maxAge time.Duration
}

// NewOfflineCache creates a cache. A non-positive maxAge uses gp51.DefaultOfflineMaxAge.
func NewOfflineCache(rdb Client, maxAge time.Duration) *OfflineCache {
	if maxAge <= 0 {
		maxAge = gp51.DefaultOfflineMaxAge
	}
	return &OfflineCache{rdb: rdb, maxAge: maxAge}
}

// Key returns the Redis key for username.
func Key(username string) string {
	return KeyPrefix + username
}

// Put implements gp51.OfflineCache.
func (c *OfflineCache) Put(ctx context.Context, entry gp51.OfflineEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal offline entry: %w", err)
	}
	if err := c.rdb.Set(ctx, Key(entry.Session.Username), data, c.maxAge).Err(); err != nil {
		return fmt.Errorf("store offline entry for %s: %w", entry.Session.Username, err)
	}
	return nil
}

// Get implements gp51.OfflineCache.
func (c *OfflineCache) Get(ctx context.Context, username string) (*gp51.OfflineEntry, error) {
	data, err := c.rdb.Get(ctx, Key(username)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gp51.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load offline entry for %s: %w", username, err)
	}

	var entry gp51.OfflineEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal offline entry: %w", err)
	}
	return &entry, nil
}

// Delete implements gp51.OfflineCache. Logout uses it to drop the entry.
func (c *OfflineCache) Delete(ctx context.Context, username string) error {
	if err := c.rdb.Del(ctx, Key(username)).Err(); err != nil {
		return fmt.Errorf("delete offline entry for %s: %w", username, err)
	}
	return nil
}
