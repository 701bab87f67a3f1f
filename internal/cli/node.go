package cli

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/crmsync/internal/observability"
	"github.com/hrygo/crmsync/internal/profile"
	"github.com/hrygo/crmsync/plugin/connectivity"
	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/plugin/remote"
	"github.com/hrygo/crmsync/plugin/sensitivity"
	"github.com/hrygo/crmsync/plugin/vault"
	"github.com/hrygo/crmsync/server/runner/syncer"
	"github.com/hrygo/crmsync/store"
	"github.com/hrygo/crmsync/store/cache"
	"github.com/hrygo/crmsync/store/db"
)

var errNoRemote = errors.New("remote store not configured")

// node is one wired crmsync process: store, cache, metrics and sync engine.
// Nothing runs in the background until serve starts it.
type node struct {
	profile *profile.Profile
	logger  *slog.Logger
	store   *store.Store
	metrics *metrics.Service
	cache   *cache.TieredCache
	monitor *connectivity.Monitor
	engine  *syncer.Engine
}

func loadProfile(opts *RootOptions) (*profile.Profile, error) {
	p, err := profile.Load(opts.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := p.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return p, nil
}

func openNode(opts *RootOptions, logOut io.Writer) (*node, error) {
	p, err := loadProfile(opts)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(logOut, p.Mode, p.LogLevel)
	slog.SetDefault(logger)

	var rules []sensitivity.Rule
	if p.RulesPath != "" {
		if rules, err = sensitivity.LoadRules(p.RulesPath); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load classification rules", err)
		}
	}

	driver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open store", err)
	}

	// Metric buckets are plain counters; they only need the driver.
	buckets := store.New(driver, nil, nil, nil)
	metricsService, err := metrics.NewService(buckets, metrics.Config{
		Rules:   alertRules(p.AlertRules),
		Alerter: metrics.LogAlerter{Logger: logger},
	})
	if err != nil {
		_ = driver.Close()
		return nil, WrapExitError(ExitCommandError, "invalid alert rules", err)
	}

	classifier := sensitivity.NewClassifier(rules, metricsService)
	provider := vault.NewProvider(vault.Config{Iterations: p.KDFIterations, Salt: p.KDFSalt})
	st := store.New(driver, classifier, provider, metricsService)

	tiered := cache.New(cache.Config{
		FastMaxItems:  p.FastTierMaxItems,
		PublicTTL:     p.PublicTTL,
		StaticTTL:     p.StaticTTL,
		BusinessTTL:   p.BusinessTTL,
		PersonalTTL:   p.PersonalTTL,
		SweepInterval: p.SweepInterval,
	}, st, classifier, metricsService)

	var prober connectivity.Prober = connectivity.ProberFunc(func(context.Context) error { return errNoRemote })
	if p.ProbeURL != "" {
		prober = connectivity.NewHTTPProber(p.ProbeURL, p.ProbeTimeout)
	}
	monitor := connectivity.NewMonitor(prober)

	client := remote.NewClient(remote.Config{BaseURL: p.RemoteBaseURL, Timeout: p.RemoteTimeout})
	engine := syncer.NewEngine(syncer.ConfigFromProfile(p), st, client, monitor, tiered, metricsService)

	return &node{
		profile: p,
		logger:  logger,
		store:   st,
		metrics: metricsService,
		cache:   tiered,
		monitor: monitor,
		engine:  engine,
	}, nil
}

func alertRules(rules []profile.AlertRule) []metrics.Rule {
	out := make([]metrics.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, metrics.Rule{
			Name:     r.Name,
			Expr:     r.Expr,
			Severity: r.Severity,
			Cooldown: r.Cooldown,
		})
	}
	return out
}

// close stops the engine and cache, flushes metrics and closes the store, in that order.
func (n *node) close() {
	n.engine.Stop()
	_ = n.cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.metrics.Flush(ctx); err != nil {
		n.logger.Warn("failed to flush metrics", slog.String("error", err.Error()))
	}
	n.metrics.Close()

	if err := n.store.Close(); err != nil {
		n.logger.Warn("failed to close store", slog.String("error", err.Error()))
	}
}
