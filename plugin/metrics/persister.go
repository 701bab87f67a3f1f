package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Persister handles periodic persistence of hourly event counts.
type Persister struct {
	store      BucketStore
	aggregator *Aggregator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flushInterval   time.Duration
	retentionPeriod time.Duration
	cleanupInterval time.Duration
}

// PersisterConfig configures the metrics persister.
type PersisterConfig struct {
	FlushInterval   time.Duration // How often to flush counts (default: 1 hour)
	RetentionPeriod time.Duration // How long to keep buckets (default: 30 days)
	CleanupInterval time.Duration // How often to prune (default: 24 hours)
}

// DefaultPersisterConfig returns default persister configuration.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		FlushInterval:   time.Hour,
		RetentionPeriod: 30 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
	}
}

// NewPersister creates a new metrics persister.
func NewPersister(s BucketStore, agg *Aggregator, cfg PersisterConfig) *Persister {
	defaults := DefaultPersisterConfig()
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.RetentionPeriod == 0 {
		cfg.RetentionPeriod = defaults.RetentionPeriod
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Persister{
		store:           s,
		aggregator:      agg,
		ctx:             ctx,
		cancel:          cancel,
		flushInterval:   cfg.FlushInterval,
		retentionPeriod: cfg.RetentionPeriod,
		cleanupInterval: cfg.CleanupInterval,
	}
}

// Start begins the background persistence and cleanup tasks.
func (p *Persister) Start() {
	p.wg.Add(2)
	go p.flushLoop()
	go p.cleanupLoop()
}

// Close stops the persister and waits for goroutines to finish.
func (p *Persister) Close() {
	p.cancel()
	p.wg.Wait()
}

// Flush persists all completed hour buckets.
// Buckets that fail to persist are dropped and logged; counts are advisory.
func (p *Persister) Flush(ctx context.Context) error {
	snapshots := p.aggregator.Flush(truncateToHour(time.Now()))
	if len(snapshots) == 0 {
		return nil
	}
	if err := p.store.UpsertMetricBuckets(ctx, snapshots); err != nil {
		slog.Error("failed to persist metric buckets", "count", len(snapshots), "error", err)
		return err
	}
	return nil
}

func (p *Persister) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			// Final flush before shutdown
			_ = p.Flush(context.Background())
			return
		case <-ticker.C:
			if err := p.Flush(p.ctx); err != nil {
				slog.Error("periodic metrics flush failed", "error", err)
			}
		}
	}
}

func (p *Persister) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *Persister) cleanup() {
	cutoff := time.Now().Add(-p.retentionPeriod)

	removed, err := p.store.DeleteMetricBuckets(p.ctx, cutoff)
	if err != nil {
		slog.Error("failed to cleanup old metric buckets", "error", err)
		return
	}
	slog.Debug("metrics cleanup completed", "cutoff", cutoff, "removed", removed)
}
