package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/face-attendance/internal/faceverify"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis. A miss returns redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// cachedVerification is the JSON document stored per probe.
type cachedVerification struct {
	RequestID string            `json:"request_id"`
	Result    faceverify.Result `json:"result"`
	CreatedAt time.Time         `json:"created_at"`
}

func digest(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// cacheKey scopes a probe digest to the reference digest and the backend options.
func cacheKey(referenceDigest, probeDigest string, opts faceverify.Options) string {
	fingerprint := digest([]byte(referenceDigest + "|" + opts.ModelName + "|" + opts.DetectorBackend + "|" + opts.DistanceMetric))
	return "verification:" + fingerprint[:16] + ":" + probeDigest
}
