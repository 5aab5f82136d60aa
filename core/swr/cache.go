// Package swr implements a read-through cache with stale-while-revalidate
// semantics: a stale value is served immediately while a single background
// refresh repopulates the entry.
package swr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/minegrid/curtaild/core/idempotency"
	"github.com/minegrid/curtaild/core/logger"
)

// Loader produces the authoritative value for a cache key.
type Loader func(ctx context.Context) ([]byte, error)

type envelope struct {
	Value    []byte `json:"v"`
	StoredAt int64  `json:"t"` // unix nanoseconds
}

// Cache serves values from a key-value store with SWR semantics. Values
// are fresh for FreshFor, then served stale for another StaleFor while a
// revalidation runs; beyond that, a miss loads synchronously.
type Cache struct {
	store    idempotency.Store
	freshFor time.Duration
	staleFor time.Duration
	group    singleflight.Group
	log      logger.Logger
	now      func() time.Time
	// refreshDone is signalled after an async revalidation finishes. It
	// exists for tests; production callers leave it nil.
	refreshDone chan struct{}
}

// New creates a Cache on top of the given store.
func New(store idempotency.Store, freshFor, staleFor time.Duration, log logger.Logger) *Cache {
	return &Cache{store: store, freshFor: freshFor, staleFor: staleFor, log: log, now: time.Now}
}

// Get returns the cached value for key, loading it when missing. A stale
// hit is returned immediately; one deduplicated background refresh then
// revalidates the entry for later readers.
func (c *Cache) Get(ctx context.Context, key string, load Loader) ([]byte, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warnf("swr: store read failed for %s, loading directly: %v", key, err)
		return load(ctx)
	}
	if ok {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			age := c.now().Sub(time.Unix(0, env.StoredAt))
			if age <= c.freshFor {
				return env.Value, nil
			}
			if age <= c.freshFor+c.staleFor {
				c.revalidate(key, load)
				return env.Value, nil
			}
		}
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.loadAndStore(ctx, key, load)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// revalidate refreshes the entry in the background. Concurrent stale reads
// of the same key share one refresh.
func (c *Cache) revalidate(key string, load Loader) {
	go func() {
		_, err, _ := c.group.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return c.loadAndStore(ctx, key, load)
		})
		if err != nil {
			c.log.Warnf("swr: revalidation of %s failed: %v", key, err)
		}
		if c.refreshDone != nil {
			c.refreshDone <- struct{}{}
		}
	}()
}

func (c *Cache) loadAndStore(ctx context.Context, key string, load Loader) ([]byte, error) {
	value, err := load(ctx)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(envelope{Value: value, StoredAt: c.now().UnixNano()})
	if err != nil {
		return nil, fmt.Errorf("swr: marshal envelope: %w", err)
	}
	if err := c.store.Set(ctx, key, b, c.freshFor+c.staleFor); err != nil {
		c.log.Warnf("swr: store write failed for %s: %v", key, err)
	}
	return value, nil
}
