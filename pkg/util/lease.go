package util

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a best-effort exclusive lock on a Redis key with a TTL.
type Lease struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewLease(rdb *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, key: key, ttl: ttl}
}

// TryAcquire returns a release func when the lease was taken, or ok=false
// when another holder owns it.
func (l *Lease) TryAcquire(ctx context.Context) (release func(), ok bool, err error) {
	token := uuid.NewString()
	ok, err = l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return func() {}, ok, err
	}
	return func() {
		_ = releaseScript.Run(context.Background(), l.rdb, []string{l.key}, token).Err()
	}, true, nil
}
