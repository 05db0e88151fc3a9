package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryCounter counts failed deliveries per message in Redis. A counter
// expires ttl after the first failure, so a message that stops failing
// eventually starts again from zero even without a Reset.
type RetryCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRetryCounter(rdb *redis.Client, ttl time.Duration) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl}
}

// IncrementAndGet bumps the counter for key and returns the new value.
// The increment and the expiry are sent in one MULTI so a counter is never
// left without a ttl.
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// FormatRetryKey is the counter key for one message seen by one handler.
func FormatRetryKey(handler string, id string) string {
	return "retry:" + handler + ":" + id
}
