package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter caps webhook throughput per event type. Rejected deliveries
// get a retriable response so the provider's own redelivery succeeds once
// the window rolls over.
type RateLimiter interface {
	Allow(ctx context.Context, eventType string) (bool, error)
}

// redisRateLimiter keeps the sliding counter in Redis, keyed by event type
// and time bucket, so every instance of the service shares one budget. The
// counter is an atomic INCR with an expiry of twice the window; no state
// lives in process memory.
type redisRateLimiter struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	logger *zap.Logger
}

func NewRedisRateLimiter(client redis.Cmdable, limit int64, window time.Duration, logger *zap.Logger) RateLimiter {
	// The bucket arithmetic divides by whole seconds; a window under one
	// second would divide by zero.
	if window < time.Second {
		logger.Warn("Rate limit window below one second, using one minute",
			zap.Duration("window", window),
		)
		window = time.Minute
	}
	return &redisRateLimiter{client: client, limit: limit, window: window, logger: logger}
}

func (l *redisRateLimiter) Allow(ctx context.Context, eventType string) (bool, error) {
	bucket := time.Now().Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("webhook:ratelimit:%s:%d", eventType, bucket)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: the idempotent admission guard still protects
		// correctness, the limiter only protects throughput.
		l.logger.Warn("Rate limiter unavailable, allowing event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return true, nil
	}

	return incr.Val() <= l.limit, nil
}
