package scheduler

import (
	"time"

	"github.com/smallbiznis/tenantdesk/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled        bool
	RunInterval    time.Duration
	RetryAfter     time.Duration
	BatchSize      int
	ReconcileEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RunInterval:    time.Minute,
		RetryAfter:     5 * time.Minute,
		BatchSize:      50,
		ReconcileEvery: 24 * time.Hour,
	}
}

// ProvideConfig maps the environment settings onto the scheduler config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:        cfg.Scheduler.Enabled,
		RunInterval:    time.Duration(cfg.Scheduler.IntervalSec) * time.Second,
		RetryAfter:     time.Duration(cfg.Scheduler.RetryAfterSec) * time.Second,
		BatchSize:      cfg.Scheduler.BatchSize,
		ReconcileEvery: time.Duration(cfg.Scheduler.ReconcileEverySec) * time.Second,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = defaults.RetryAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = defaults.ReconcileEvery
	}
	return c
}
