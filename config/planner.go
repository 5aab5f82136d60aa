package config

import (
	"fmt"
	"time"

	"github.com/minegrid/curtaild/core/plan"
)

// RedisConfig defines the backend for the distributed lock and the
// idempotency store. When disabled, both fall back to their in-process
// implementations, which is only safe on a single node.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PlannerConfig tunes the plan service.
type PlannerConfig struct {
	LockTTLSeconds        int     `json:"lock_ttl_seconds"`
	AckTimeoutMS          int     `json:"ack_timeout_ms"`
	IdempotencyTTLSeconds int     `json:"idempotency_ttl_seconds"`
	DegradeOnLockOutage   bool    `json:"degrade_on_lock_outage"`
	TargetUptime          float64 `json:"target_uptime"`
	MinUptime             float64 `json:"min_uptime"`
}

// SetDefaults applies sane defaults.
func (c *PlannerConfig) SetDefaults() {
	if c.LockTTLSeconds <= 0 {
		c.LockTTLSeconds = 120
	}
	if c.AckTimeoutMS <= 0 {
		c.AckTimeoutMS = 5000
	}
	if c.IdempotencyTTLSeconds <= 0 {
		c.IdempotencyTTLSeconds = 600
	}
	if c.TargetUptime == 0 {
		c.TargetUptime = 0.8
	}
	if c.MinUptime == 0 {
		c.MinUptime = 0.5
	}
}

// Validate checks the uptime bounds.
func (c PlannerConfig) Validate() error {
	if c.TargetUptime <= 0 || c.TargetUptime > 1 {
		return fmt.Errorf("target_uptime must be in (0,1], got %v", c.TargetUptime)
	}
	if c.MinUptime < 0 || c.MinUptime > c.TargetUptime {
		return fmt.Errorf("min_uptime must be in [0, target_uptime], got %v", c.MinUptime)
	}
	return nil
}

// ServiceConfig converts to the plan service's config.
func (c PlannerConfig) ServiceConfig() plan.Config {
	return plan.Config{
		LockTTL:             time.Duration(c.LockTTLSeconds) * time.Second,
		AckTimeout:          time.Duration(c.AckTimeoutMS) * time.Millisecond,
		IdempotencyTTL:      time.Duration(c.IdempotencyTTLSeconds) * time.Second,
		DegradeOnLockOutage: c.DegradeOnLockOutage,
		TargetUptime:        c.TargetUptime,
		MinUptime:           c.MinUptime,
	}
}
