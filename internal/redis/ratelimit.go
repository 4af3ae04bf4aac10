package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window rate limiter shared by every gateway instance
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewLimiter allows limit actions per key in every window
func NewLimiter(c *Client, limit int, window time.Duration) *Limiter {
	return &Limiter{client: c.client, limit: limit, window: window}
}

func rateKey(key string) string {
	return fmt.Sprintf("ratelimit:bids:%s", key)
}

// Allow counts one action for key
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	k := rateKey(key)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// starts the window on first use, a no-op while it is open
		pipe.SetNX(ctx, k, 0, l.window)
		incr = pipe.Incr(ctx, k)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to count action: %w", err)
	}
	return incr.Val() <= int64(l.limit), nil
}
