package rediscache_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
	"github.com/JohnPlummer/jp-go-gp51/rediscache"
)

// memoryClient stores values in a map and records the TTL of every Set.
type memoryClient struct {
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func newMemoryClient() *memoryClient {
	return &memoryClient{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryClient) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		m.values[key] = string(v)
	case string:
		m.values[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryClient) Get(_ context.Context, key string) *redis.StringCmd {
	if m.getErr != nil {
		return redis.NewStringResult("", m.getErr)
	}
	v, ok := m.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memoryClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := m.values[k]; ok {
			delete(m.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

var _ = Describe("OfflineCache", func() {
	var (
		ctx   context.Context
		rdb   *memoryClient
		cache *rediscache.OfflineCache
		now   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		rdb = newMemoryClient()
		cache = rediscache.NewOfflineCache(rdb, 0)
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	It("namespaces keys by username", func() {
		Expect(rediscache.Key("fleet")).To(Equal("gp51:offline:fleet"))
	})

	It("round-trips an entry with the default max age", func() {
		entry := gp51.OfflineEntry{
			Session:      *gp51.NewSession("fleet", "tok", now, time.Hour),
			PasswordHash: "$2a$10$abc",
			CachedAt:     now,
		}
		Expect(cache.Put(ctx, entry)).To(Succeed())
		Expect(rdb.ttls["gp51:offline:fleet"]).To(Equal(24 * time.Hour))

		got, err := cache.Get(ctx, "fleet")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Session.Token).To(Equal("tok"))
		Expect(got.PasswordHash).To(Equal("$2a$10$abc"))
		Expect(got.CachedAt.Equal(now)).To(BeTrue())
	})

	It("reports a missing entry as ErrNoSession", func() {
		_, err := cache.Get(ctx, "nobody")
		Expect(err).To(MatchError(gp51.ErrNoSession))
	})

	It("wraps redis failures", func() {
		rdb.getErr = errors.New("connection refused")
		_, err := cache.Get(ctx, "fleet")
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
		Expect(errors.Is(err, gp51.ErrNoSession)).To(BeFalse())
	})

	It("deletes entries", func() {
		rdb.values["gp51:offline:fleet"] = "{}"
		Expect(cache.Delete(ctx, "fleet")).To(Succeed())
		Expect(rdb.values).NotTo(HaveKey("gp51:offline:fleet"))
	})
})
