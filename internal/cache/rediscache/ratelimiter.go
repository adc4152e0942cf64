package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	c      *redis.Client
	prefix string
}

func NewRateLimiter(addr, prefix string) *RateLimiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &RateLimiter{
		c:      redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Allow делает INCR по ключу субъекта и продлевает TTL окна.
// Возвращает (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, subject string, limit int64, window time.Duration) (bool, int64, error) {
	key := fmt.Sprintf("%s:%s", rl.prefix, subject)
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
