package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/satindergrewal/tunequiz/internal/metrics"
)

const redisSegmentPrefix = "tunequiz:segment:"

// RedisCache serves segments from Redis and fills it from the wrapped Source
// on a miss. Cache failures fall through to the source.
type RedisCache struct {
	next   Source
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache wraps next with a Redis-backed cache.
func NewRedisCache(next Source, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(key uuid.UUID, index int) string {
	return fmt.Sprintf("%s%s:%d", redisSegmentPrefix, key, index)
}

// Fetch returns the cached segment or fetches and stores it.
func (c *RedisCache) Fetch(ctx context.Context, key uuid.UUID, index int) ([]byte, error) {
	k := cacheKey(key, index)
	data, err := c.client.Get(ctx, k).Bytes()
	switch {
	case err == nil:
		metrics.SegmentCacheHits.Inc()
		return data, nil
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("segment cache read failed", slog.String("key", k), slog.String("error", err.Error()))
	}
	metrics.SegmentCacheMisses.Inc()

	data, err = c.next.Fetch(ctx, key, index)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, k, data, c.ttl).Err(); err != nil {
		c.logger.Warn("segment cache write failed", slog.String("key", k), slog.String("error", err.Error()))
	}
	return data, nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
