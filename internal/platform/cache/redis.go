// Package cache wraps Redis for the fingerprint lookup cache and shared rate limit counters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	fingerprintKeyPrefix = "fp:"
	rateLimitKeyPrefix   = "rl:"
	defaultDialTimeout   = 5 * time.Second
)

// RedisClient is the shared Redis connection.
type RedisClient struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, addr, password string, db int, log *zap.Logger) (*RedisClient, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("cache: redis address is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}

	log.Info("redis connected", zap.String("addr", addr))
	return &RedisClient{client: rdb, log: log}, nil
}

// Ping reports whether Redis answers. Used by readiness checks.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// FingerprintCache maps fingerprints to product ids with a TTL.
type FingerprintCache struct {
	redis *RedisClient
	ttl   time.Duration
}

// NewFingerprintCache returns a cache with the given entry TTL.
func NewFingerprintCache(client *RedisClient, ttl time.Duration) *FingerprintCache {
	return &FingerprintCache{redis: client, ttl: ttl}
}

func fingerprintKey(fp int32) string {
	return fingerprintKeyPrefix + strconv.FormatInt(int64(fp), 10)
}

// Lookup returns the cached product id for fp.
func (c *FingerprintCache) Lookup(ctx context.Context, fp int32) (string, bool, error) {
	id, err := c.redis.client.Get(ctx, fingerprintKey(fp)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Remember stores productID under fp.
func (c *FingerprintCache) Remember(ctx context.Context, fp int32, productID string) error {
	return c.redis.client.Set(ctx, fingerprintKey(fp), productID, c.ttl).Err()
}

// WindowCounter is a fixed-window counter shared across instances.
type WindowCounter struct {
	redis  *RedisClient
	limit  int
	window time.Duration
}

// NewWindowCounter allows limit hits per key per window.
func NewWindowCounter(client *RedisClient, limit int, window time.Duration) *WindowCounter {
	return &WindowCounter{redis: client, limit: limit, window: window}
}

// Allow counts a hit for key and reports whether it fits in the window, plus the time until the
// window resets.
func (w *WindowCounter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := rateLimitKeyPrefix + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := w.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, w.window)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("cache: rate limit %s: %w", key, err)
	}
	retryAfter := ttl.Val()
	if retryAfter < 0 {
		retryAfter = w.window
	}
	return incr.Val() <= int64(w.limit), retryAfter, nil
}
