package api

import (
	"context"
	"fmt"
	"time"

	"github.com/kevinms/leakybucket-go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Limiter enforces the per-key request budget: a 1-second window with a
// fixed burst. Implementations are interchangeable as long as they hold the
// same steady-state and burst bounds.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// BucketLimiter is the in-process implementation, one leaky bucket per API
// key id.
type BucketLimiter struct {
	collector *leakybucket.Collector
}

var _ Limiter = (*BucketLimiter)(nil)

// NewBucketLimiter builds a collector that leaks burst tokens per second
// with capacity burst.
func NewBucketLimiter(burst int64) *BucketLimiter {
	return &BucketLimiter{
		collector: leakybucket.NewCollector(float64(burst), burst, true /* deleteEmptyBuckets */),
	}
}

// Allow consumes one token for key.
func (l *BucketLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.collector.Add(key, 1) > 0, nil
}

// RedisLimiter is the shared-cache implementation for multi-process
// deployments: a fixed 1-second window counter per key.
type RedisLimiter struct {
	client *redis.Client
	burst  int64
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter connects to redisURL and verifies the connection.
func NewRedisLimiter(ctx context.Context, redisURL string, burst int64) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return &RedisLimiter{client: client, burst: burst}, nil
}

// Allow increments the current window's counter. A cache failure fails open
// so a degraded Redis cannot take the write path down with it.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := fmt.Sprintf("rl:%s:%d", key, time.Now().Unix())
	count, err := l.client.Incr(ctx, bucket).Result()
	if err != nil {
		return true, errors.Wrap(err, "rate limit incr")
	}
	if count == 1 {
		if err := l.client.Expire(ctx, bucket, 2*time.Second).Err(); err != nil {
			return true, errors.Wrap(err, "rate limit expire")
		}
	}
	return count <= l.burst, nil
}
