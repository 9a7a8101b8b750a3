package eta

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"

	"github.com/example/campus-escort/internal/models"
)

// RedisCache shares leg durations across API instances.
type RedisCache struct {
	cache  *cache.Cache[string]
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	rs := redisstore.NewRedis(client, store.WithExpiration(ttl))
	return &RedisCache{cache: cache.New[string](rs), logger: logger}
}

func redisKey(a, b models.Coord) string { return "route_leg:" + keyFor(a, b) }

func (c *RedisCache) Get(ctx context.Context, a, b models.Coord) (time.Duration, bool) {
	v, err := c.cache.Get(ctx, redisKey(a, b))
	if err != nil || v == "" {
		return 0, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func (c *RedisCache) Set(ctx context.Context, a, b models.Coord, d time.Duration) {
	if err := c.cache.Set(ctx, redisKey(a, b), strconv.FormatInt(int64(d/time.Second), 10)); err != nil {
		c.logger.Warn("route cache write failed", "error", err)
	}
}
