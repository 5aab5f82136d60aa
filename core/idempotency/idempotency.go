// Package idempotency caches the result of named operations keyed by a
// hash of their arguments, so retries replay the original result instead
// of re-executing side effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the key-value contract backing idempotency and SWR caching.
// Implementations live in infra/redis and in memory.go.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key derives the idempotency key for an operation and its arguments. Args
// are serialized to JSON, so identical argument values always map to the
// same key.
func Key(op string, args any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("idempotency: marshal args: %w", err)
	}
	sum := sha256.Sum256(append([]byte(op+":"), b...))
	return "idem:" + op + ":" + hex.EncodeToString(sum[:]), nil
}

// Do executes fn at most once per (op, args) within the TTL window. A
// replay returns the cached first result decoded into T. Errors are never
// cached; a failed attempt leaves the next caller free to retry.
func Do[T any](ctx context.Context, store Store, op string, args any, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	key, err := Key(op, args)
	if err != nil {
		return zero, err
	}
	if cached, ok, err := store.Get(ctx, key); err == nil && ok {
		var out T
		if err := json.Unmarshal(cached, &out); err == nil {
			return out, nil
		}
		// Fall through on a corrupt entry and recompute.
	} else if err != nil {
		return zero, fmt.Errorf("idempotency: get: %w", err)
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("idempotency: marshal result: %w", err)
	}
	if err := store.Set(ctx, key, b, ttl); err != nil {
		return zero, fmt.Errorf("idempotency: set: %w", err)
	}
	return out, nil
}
