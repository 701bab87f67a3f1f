package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
	"github.com/hrygo/crmsync/internal/observability"
	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/plugin/sensitivity"
	"github.com/hrygo/crmsync/store"
)

// TieredCache routes every read and write by sensitivity:
//   - PUBLIC: fast in-memory tier, backed by the durable static tier
//   - BUSINESS: durable tier only, every access audited
//   - PERSONAL: durable tier only, encrypted
//   - CRITICAL: never cached
//
// Every key is scoped to the caller's (tenant, user) pair taken from the context.
type TieredCache struct {
	cfg        Config
	fast       *fastTier
	durable    EntryStore
	classifier *sensitivity.Classifier
	sink       metrics.Sink
	logger     *slog.Logger
	group      singleflight.Group
	now        func() time.Time

	fastHits    atomic.Int64
	staticHits  atomic.Int64
	durableHits atomic.Int64
	misses      atomic.Int64
	violations  atomic.Int64
	evictions   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the configuration for the tiered cache.
type Config struct {
	FastMaxItems  int           // Max entries in the fast tier (default: 100)
	PublicTTL     time.Duration // Fast tier TTL for PUBLIC data (default: 30m)
	StaticTTL     time.Duration // Static tier TTL for PUBLIC data (default: 24h)
	BusinessTTL   time.Duration // Durable tier TTL for BUSINESS data (default: 15m)
	PersonalTTL   time.Duration // Durable tier TTL for PERSONAL data (default: 5m)
	SweepInterval time.Duration // Expired entry sweep (default: 1m)
}

// DefaultConfig returns the default tiered cache configuration.
func DefaultConfig() Config {
	return Config{
		FastMaxItems:  100,
		PublicTTL:     30 * time.Minute,
		StaticTTL:     24 * time.Hour,
		BusinessTTL:   15 * time.Minute,
		PersonalTTL:   5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FastMaxItems <= 0 {
		c.FastMaxItems = d.FastMaxItems
	}
	if c.PublicTTL <= 0 {
		c.PublicTTL = d.PublicTTL
	}
	if c.StaticTTL <= 0 {
		c.StaticTTL = d.StaticTTL
	}
	if c.BusinessTTL <= 0 {
		c.BusinessTTL = d.BusinessTTL
	}
	if c.PersonalTTL <= 0 {
		c.PersonalTTL = d.PersonalTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Stats are cumulative counters since the cache was created.
type Stats struct {
	FastHits    int64 `json:"fast_hits"`
	StaticHits  int64 `json:"static_hits"`
	DurableHits int64 `json:"durable_hits"`
	Misses      int64 `json:"misses"`
	Violations  int64 `json:"violations"`
	Evictions   int64 `json:"evictions"`
	FastSize    int   `json:"fast_size"`
}

// New creates a tiered cache. A nil durable store means memory only.
func New(cfg Config, durable EntryStore, classifier *sensitivity.Classifier, sink metrics.Sink) *TieredCache {
	cfg = cfg.withDefaults()
	if durable == nil {
		durable = NewNilEntryStore()
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if classifier == nil {
		classifier = sensitivity.NewClassifier(nil, sink)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TieredCache{
		cfg:        cfg,
		fast:       newFastTier(cfg.FastMaxItems),
		durable:    durable,
		classifier: classifier,
		sink:       sink,
		logger:     slog.Default().With(slog.String(observability.LogFieldComponent, "cache")),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the background sweep of expired entries.
func (t *TieredCache) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
}

// Close stops the sweep goroutine.
func (t *TieredCache) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

// keySep separates the parts of a secure key. Tenant and user ids may not
// contain it, so no two (tenant, user) pairs share a key prefix.
const keySep = "\x1f"

func secureKey(caller tenancy.Caller, logical string) string {
	return caller.TenantID + keySep + caller.UserID + keySep + logical
}

func (t *TieredCache) caller(ctx context.Context, op, key string) (tenancy.Caller, bool) {
	caller, ok := tenancy.FromContext(ctx)
	if !ok {
		t.logger.WarnContext(ctx, "cache call without tenant context ignored",
			slog.String("op", op),
			slog.String("key", key),
			slog.String(observability.LogFieldErrorCode, string(coreerrors.ErrCodeMissingContext)),
		)
		return caller, false
	}
	if strings.Contains(caller.TenantID, keySep) || strings.Contains(caller.UserID, keySep) {
		t.logger.WarnContext(ctx, "cache call with unusable tenant or user id ignored",
			slog.String("op", op),
			slog.String("key", key),
			slog.String(observability.LogFieldErrorCode, string(coreerrors.ErrCodeInvalidArgument)),
		)
		return caller, false
	}
	return caller, true
}

// GetBytes returns the payload stored under key at level for the calling tenant and user.
func (t *TieredCache) GetBytes(ctx context.Context, key string, level sensitivity.Level) ([]byte, bool) {
	caller, ok := t.caller(ctx, "get", key)
	if !ok {
		return nil, false
	}
	sk := secureKey(caller, key)

	var payload []byte
	var hit bool
	switch level {
	case sensitivity.Public:
		payload, hit = t.getPublic(ctx, caller, sk)
	case sensitivity.Business:
		payload, hit = t.getDurable(ctx, caller, sk)
		t.audit(caller, "get", key, hit)
	case sensitivity.Personal:
		payload, hit = t.getDurable(ctx, caller, sk)
	default:
		hit = false
	}

	if !hit {
		t.misses.Add(1)
	}
	return payload, hit
}

func (t *TieredCache) getPublic(ctx context.Context, caller tenancy.Caller, sk string) ([]byte, bool) {
	if entry, ok := t.fast.get(sk, t.now()); ok {
		if !t.owns(caller, entry) {
			t.reportMismatch(ctx, caller, "fast")
			return nil, false
		}
		t.fastHits.Add(1)
		return entry.Payload, true
	}

	entry, ok := t.readDurable(ctx, caller, store.CollectionStatic, sk)
	if !ok {
		return nil, false
	}
	t.staticHits.Add(1)

	// Promote to the fast tier for the rest of its public TTL.
	promoted := *entry
	if fastExpiry := t.now().Add(t.cfg.PublicTTL); promoted.ExpiresAt.IsZero() || fastExpiry.Before(promoted.ExpiresAt) {
		promoted.ExpiresAt = fastExpiry
	}
	t.setFast(sk, &promoted)
	return entry.Payload, true
}

func (t *TieredCache) getDurable(ctx context.Context, caller tenancy.Caller, sk string) ([]byte, bool) {
	entry, ok := t.readDurable(ctx, caller, store.CollectionCache, sk)
	if !ok {
		return nil, false
	}
	t.durableHits.Add(1)
	return entry.Payload, true
}

// readDurable degrades every tier failure to a miss. An entry owned by someone
// else is reported and left in place: the caller has no right to remove it.
func (t *TieredCache) readDurable(ctx context.Context, caller tenancy.Caller, collection, sk string) (*Entry, bool) {
	entry, err := t.durable.GetEntry(ctx, collection, sk, caller)
	if err != nil {
		if coreerrors.IsCode(err, coreerrors.ErrCodeSecurityViolation) {
			t.reportMismatch(ctx, caller, collection)
			return nil, false
		}
		t.logger.WarnContext(ctx, "cache tier read failed",
			slog.String(observability.LogFieldTier, collection),
			slog.String(observability.LogFieldErrorCode, string(coreerrors.GetCodeFromError(err, coreerrors.ErrCodeStorageUnavailable))),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	if !t.owns(caller, entry) {
		t.reportMismatch(ctx, caller, collection)
		return nil, false
	}
	return entry, true
}

func (t *TieredCache) owns(caller tenancy.Caller, entry *Entry) bool {
	return entry.TenantID == caller.TenantID && entry.UserID == caller.UserID
}

// SetBytes stores payload under key at level. ttl <= 0 uses the level's default TTL.
func (t *TieredCache) SetBytes(ctx context.Context, key string, payload []byte, level sensitivity.Level, ttl time.Duration) {
	caller, ok := t.caller(ctx, "set", key)
	if !ok {
		return
	}
	if level == sensitivity.Critical || !level.Valid() {
		t.violations.Add(1)
		call := observability.NewCallContext(t.logger, "", caller.TenantID, caller.UserID)
		call.SecurityEvent("critical_cache_attempt", slog.String("key", key))
		t.sink.Emit(metrics.NewEvent(metrics.EventSecurityViolation, map[string]any{
			"type":   "critical_cache_attempt",
			"key":    key,
			"tenant": caller.TenantID,
		}))
		return
	}

	sk := secureKey(caller, key)
	now := t.now()
	entry := &Entry{
		TenantID:    caller.TenantID,
		UserID:      caller.UserID,
		Sensitivity: level,
		Payload:     payload,
		CreatedAt:   now,
	}

	switch level {
	case sensitivity.Public:
		fast := *entry
		fast.ExpiresAt = now.Add(t.ttlOr(ttl, t.cfg.PublicTTL))
		t.setFast(sk, &fast)

		static := *entry
		static.ExpiresAt = now.Add(t.ttlOr(ttl, t.cfg.StaticTTL))
		t.writeDurable(ctx, store.CollectionStatic, sk, &static)
	case sensitivity.Business:
		entry.ExpiresAt = now.Add(t.ttlOr(ttl, t.cfg.BusinessTTL))
		t.writeDurable(ctx, store.CollectionCache, sk, entry)
		t.audit(caller, "set", key, true)
	case sensitivity.Personal:
		entry.ExpiresAt = now.Add(t.ttlOr(ttl, t.cfg.PersonalTTL))
		t.writeDurable(ctx, store.CollectionCache, sk, entry)
	}
}

func (t *TieredCache) ttlOr(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return fallback
}

func (t *TieredCache) setFast(sk string, entry *Entry) {
	evicted, stored := t.fast.set(sk, entry)
	if evicted > 0 {
		t.evictions.Add(int64(evicted))
	}
	if !stored {
		t.logger.Debug("fast tier full of other tenants' entries, not caching", slog.String(observability.LogFieldTenantID, entry.TenantID))
	}
}

func (t *TieredCache) writeDurable(ctx context.Context, collection, sk string, entry *Entry) {
	if err := t.durable.PutEntry(ctx, collection, sk, entry); err != nil {
		t.logger.WarnContext(ctx, "cache tier write failed",
			slog.String(observability.LogFieldTier, collection),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate removes the caller's entries matching pattern from every tier.
// A trailing * matches any suffix; otherwise the key must match exactly.
func (t *TieredCache) Invalidate(ctx context.Context, pattern string) int {
	caller, ok := t.caller(ctx, "invalidate", pattern)
	if !ok {
		return 0
	}

	count := 0
	if strings.HasSuffix(pattern, "*") {
		prefix := secureKey(caller, strings.TrimSuffix(pattern, "*"))
		count += t.fast.deletePrefix(prefix, caller)
		for _, collection := range []string{store.CollectionStatic, store.CollectionCache} {
			n, err := t.durable.DeleteEntriesWithPrefix(ctx, collection, prefix, caller)
			if err != nil {
				t.logger.WarnContext(ctx, "cache invalidation failed", slog.String(observability.LogFieldTier, collection), slog.String("error", err.Error()))
				continue
			}
			count += n
		}
		return count
	}

	sk := secureKey(caller, pattern)
	if t.fast.delete(sk) {
		count++
	}
	for _, collection := range []string{store.CollectionStatic, store.CollectionCache} {
		n, err := t.durable.DeleteEntries(ctx, collection, sk)
		if err != nil {
			t.logger.WarnContext(ctx, "cache invalidation failed", slog.String(observability.LogFieldTier, collection), slog.String("error", err.Error()))
			continue
		}
		count += n
	}
	return count
}

// Sweep removes expired entries from every tier and returns how many were removed.
func (t *TieredCache) Sweep(ctx context.Context) int64 {
	removed := int64(t.fast.cleanupExpired(t.now()))
	for _, collection := range []string{store.CollectionStatic, store.CollectionCache} {
		n, err := t.durable.ClearExpired(ctx, collection)
		if err != nil {
			t.logger.WarnContext(ctx, "cache sweep failed", slog.String(observability.LogFieldTier, collection), slog.String("error", err.Error()))
			continue
		}
		removed += n
	}
	return removed
}

func (t *TieredCache) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if removed := t.Sweep(t.ctx); removed > 0 {
				t.logger.Debug("cache sweep completed", slog.Int64("removed", removed))
			}
		}
	}
}

// Stats returns cache statistics.
func (t *TieredCache) Stats() Stats {
	return Stats{
		FastHits:    t.fastHits.Load(),
		StaticHits:  t.staticHits.Load(),
		DurableHits: t.durableHits.Load(),
		Misses:      t.misses.Load(),
		Violations:  t.violations.Load(),
		Evictions:   t.evictions.Load(),
		FastSize:    t.fast.size(),
	}
}

func (t *TieredCache) audit(caller tenancy.Caller, op, key string, hit bool) {
	t.sink.Emit(metrics.NewEvent(metrics.EventCacheAudit, map[string]any{
		"op":     op,
		"key":    key,
		"tenant": caller.TenantID,
		"user":   caller.UserID,
		"hit":    hit,
	}))
}

func (t *TieredCache) reportMismatch(ctx context.Context, caller tenancy.Caller, tier string) {
	t.violations.Add(1)
	call := observability.NewCallContext(t.logger, "", caller.TenantID, caller.UserID)
	call.SecurityEvent("tenant_mismatch", slog.String(observability.LogFieldTier, tier))
	t.sink.Emit(metrics.NewEvent(metrics.EventSecurityViolation, map[string]any{
		"type":   "tenant_mismatch",
		"tier":   tier,
		"tenant": caller.TenantID,
	}))
}
