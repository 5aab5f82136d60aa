package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/minegrid/curtaild/core/lock"
)

// releaseScript deletes the key only when it still holds our token, so a
// holder whose TTL expired cannot release a lock someone else re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0`)

// refreshScript extends the TTL only while the token still matches.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Locker implements lock.Locker on Redis with SET NX and token-checked Lua
// release and refresh.
type Locker struct {
	cli *redis.Client
}

// NewLocker creates a Locker on the given client.
func NewLocker(cli *redis.Client) *Locker {
	return &Locker{cli: cli}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", lock.ErrUnavailable, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.cli, []string{key}, token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("%w: %v", lock.ErrUnavailable, err)
	}
	return n == 1, nil
}

func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.cli, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("%w: %v", lock.ErrUnavailable, err)
	}
	return n == 1, nil
}
