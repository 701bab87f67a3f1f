package syncer

import (
	"time"

	"github.com/hrygo/crmsync/internal/profile"
)

// Config holds the sync engine configuration.
type Config struct {
	Interval             time.Duration   // Periodic pass interval (default: 30s)
	BatchSize            int             // Operations executed concurrently per batch (default: 10)
	MaxRetries           int             // Retries after the first attempt
	RetryDelays          []time.Duration // Delay before retry n is RetryDelays[n-1], last entry reused
	ConflictPolicy       string          // server-wins, client-wins or manual
	ConflictIgnoreFields []string        // Server-managed fields ignored by conflict detection
	RPS                  float64         // Remote calls per second, 0 for unlimited
}

// DefaultConfig returns the default sync engine configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		BatchSize:      10,
		MaxRetries:     5,
		RetryDelays:    []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
		ConflictPolicy: profile.ConflictServerWins,
	}
}

// ConfigFromProfile builds the engine configuration from a validated profile.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		Interval:             p.SyncInterval,
		BatchSize:            p.SyncBatchSize,
		MaxRetries:           p.MaxRetries,
		RetryDelays:          p.RetryDelays,
		ConflictPolicy:       p.ConflictPolicy,
		ConflictIgnoreFields: p.ConflictIgnoreFields,
		RPS:                  p.RemoteRPS,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = d.RetryDelays
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = d.ConflictPolicy
	}
	return c
}

// retryDelay returns the delay before the given retry (1-based).
func (c Config) retryDelay(retry int) time.Duration {
	idx := retry - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.RetryDelays) {
		idx = len(c.RetryDelays) - 1
	}
	return c.RetryDelays[idx]
}
