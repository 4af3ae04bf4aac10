package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is a distributed per-unit lock so several gateway instances can share
// one store. Each lock carries a random token; only the holder may release it.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	// deletes the lock only if it still holds our token
	releaseScript *redis.Script
}

// NewLocker creates a Locker whose locks expire after ttl if never released
func NewLocker(c *Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Locker{
		client: c.client,
		ttl:    ttl,
		retry:  5 * time.Millisecond,
		releaseScript: redis.NewScript(`
			if redis.call('GET', KEYS[1]) == ARGV[1] then
				return redis.call('DEL', KEYS[1])
			end
			return 0
		`),
	}
}

func lockKey(unitID string) string {
	return fmt.Sprintf("lock:unit:{%s}", unitID)
}

// Lock polls SET NX until the lock is ours or ctx is done
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	k := lockKey(key)

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			// an expired lock is released by Redis itself
			_ = l.releaseScript.Run(releaseCtx, l.client, []string{k}, token).Err()
		})
	}, nil
}
