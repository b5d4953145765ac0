package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds enqueue throughput per queue using a sliding-window
// count in Redis. The scheduler's admission path consults it before
// touching the queue.
type RateLimiter interface {
	Allow(ctx context.Context, queueID string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a sliding-window limiter allowing at most limit
// enqueues per window for each queue.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow records the enqueue attempt and reports whether it falls within the
// window's budget. A Redis sorted set per queue acts as a timestamp ring
// buffer: expired entries are evicted, the new timestamp added, and the
// remaining cardinality compared against the limit, all in one pipeline.
func (r *slidingWindowLimiter) Allow(ctx context.Context, queueID string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "enqueue:" + queueID

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for queue %q: %w", queueID, err)
	}
	return countCmd.Val() <= int64(r.limit), nil
}
