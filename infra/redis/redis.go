// Package redis provides the Redis-backed distributed lock and idempotency
// store used when the engine runs on more than one node.
package redis

import (
	"github.com/redis/go-redis/v9"
)

// Config defines the Redis connection parameters.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NewClient creates a go-redis client from the config.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
