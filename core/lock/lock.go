// Package lock provides cluster-wide mutual exclusion keyed by resource
// identity. The backend is pluggable; a Redis implementation lives in
// infra/redis and an in-process one below.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable signals that the lock backend itself cannot be reached.
// Callers may opt into graceful degradation on this error; contention is
// reported separately through an empty token.
var ErrUnavailable = errors.New("lock backend unavailable")

// Locker is a distributed lock with fencing tokens. Acquire returns an
// empty token when the lock is held by someone else. Release and Refresh
// only act when the stored token still matches, so a caller that lost its
// lock to TTL expiry cannot release a re-acquired lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) (bool, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
