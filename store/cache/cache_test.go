package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/plugin/sensitivity"
	"github.com/hrygo/crmsync/store"
	storetest "github.com/hrygo/crmsync/store/test"
)

type client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func newTestCache(t *testing.T, cfg Config) (*TieredCache, *store.Store, *metrics.MockSink) {
	t.Helper()
	s, sink := storetest.NewTestingStore(context.Background(), t)
	c := New(cfg, s, s.Classifier(), sink)
	t.Cleanup(func() { _ = c.Close() })
	return c, s, sink
}

func TestTieredCache_PersonalRoundTrip(t *testing.T) {
	c, s, _ := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-1")

	Set(ctx, c, "client:1", client{ID: "1", Name: "Ana", Email: "ana@example.com"}, sensitivity.Personal, 0)

	got, ok := Get[client](ctx, c, "client:1", sensitivity.Personal)
	require.True(t, ok)
	assert.Equal(t, "ana@example.com", got.Email)

	rows, err := s.GetDriver().List(ctx, &store.FindRow{Collection: store.CollectionCache})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotContains(t, string(rows[0].Value), "ana@example.com")
	assert.Equal(t, int64(1), c.Stats().DurableHits)
	assert.Equal(t, 0, c.Stats().FastSize)
}

func TestTieredCache_CriticalIsNeverCached(t *testing.T) {
	c, s, sink := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-1")

	c.SetBytes(ctx, "card", []byte(`{"card_number":"4111"}`), sensitivity.Critical, 0)

	_, ok := c.GetBytes(ctx, "card", sensitivity.Critical)
	assert.False(t, ok)

	for _, collection := range []string{store.CollectionCache, store.CollectionStatic} {
		rows, err := s.GetDriver().List(ctx, &store.FindRow{Collection: collection})
		require.NoError(t, err)
		assert.Empty(t, rows)
	}

	violations := sink.Named(metrics.EventSecurityViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, "critical_cache_attempt", violations[0].Metadata["type"])
	assert.Equal(t, int64(1), c.Stats().Violations)
}

func TestTieredCache_TenantsDoNotShareEntries(t *testing.T) {
	c, _, _ := newTestCache(t, DefaultConfig())
	acme := storetest.AsCaller(context.Background(), "acme", "u-1")
	globex := storetest.AsCaller(context.Background(), "globex", "u-1")

	Set(acme, c, "client:1", client{ID: "1", Name: "acme"}, sensitivity.Public, 0)

	_, ok := Get[client](globex, c, "client:1", sensitivity.Public)
	assert.False(t, ok)

	Set(globex, c, "client:1", client{ID: "1", Name: "globex"}, sensitivity.Public, 0)

	got, ok := Get[client](acme, c, "client:1", sensitivity.Public)
	require.True(t, ok)
	assert.Equal(t, "acme", got.Name)
}

func keyOf(tenantID, userID, logical string) string {
	return secureKey(tenancy.Caller{TenantID: tenantID, UserID: userID}, logical)
}

func TestTieredCache_ForeignEntryIsNotServed(t *testing.T) {
	c, s, sink := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-1")

	// An entry stored under acme's key but owned by globex.
	forged := &store.Entry{
		TenantID:    "globex",
		UserID:      "u-1",
		Sensitivity: sensitivity.Business,
		Payload:     []byte(`{"id":"1","name":"globex"}`),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, s.PutEntry(ctx, store.CollectionCache, keyOf("acme", "u-1", "client:1"), forged))

	_, ok := Get[client](ctx, c, "client:1", sensitivity.Business)
	assert.False(t, ok)

	// Reported, not removed: acme has no right to delete globex's data.
	row, err := s.GetDriver().Get(ctx, store.CollectionCache, keyOf("acme", "u-1", "client:1"))
	require.NoError(t, err)
	assert.NotNil(t, row)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Violations)
	assert.Equal(t, int64(1), stats.Misses)

	violations := sink.Named(metrics.EventSecurityViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, "tenant_mismatch", violations[0].Metadata["type"])
}

func TestTieredCache_FastTierEvictsOnlyOwnTenant(t *testing.T) {
	c, _, _ := newTestCache(t, Config{FastMaxItems: 2})
	acme := storetest.AsCaller(context.Background(), "acme", "u-1")
	globex := storetest.AsCaller(context.Background(), "globex", "u-1")

	c.SetBytes(acme, "a", []byte(`"a"`), sensitivity.Public, 0)
	c.SetBytes(acme, "b", []byte(`"b"`), sensitivity.Public, 0)

	// globex has nothing of its own to evict.
	c.SetBytes(globex, "c", []byte(`"c"`), sensitivity.Public, 0)
	now := time.Now()
	_, ok := c.fast.get(keyOf("globex", "u-1", "c"), now)
	assert.False(t, ok)
	assert.Equal(t, 2, c.Stats().FastSize)

	c.SetBytes(acme, "d", []byte(`"d"`), sensitivity.Public, 0)
	_, ok = c.fast.get(keyOf("acme", "u-1", "a"), now)
	assert.False(t, ok)
	_, ok = c.fast.get(keyOf("acme", "u-1", "b"), now)
	assert.True(t, ok)
	_, ok = c.fast.get(keyOf("acme", "u-1", "d"), now)
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)

	// The static tier still serves what the fast tier could not hold.
	payload, ok := c.GetBytes(globex, "c", sensitivity.Public)
	require.True(t, ok)
	assert.Equal(t, `"c"`, string(payload))
	assert.Equal(t, int64(1), c.Stats().StaticHits)
}

func TestTieredCache_StaticHitIsPromoted(t *testing.T) {
	c, _, _ := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-1")

	c.SetBytes(ctx, "catalog", []byte(`["x"]`), sensitivity.Public, 0)
	require.True(t, c.fast.delete(keyOf("acme", "u-1", "catalog")))

	_, ok := c.GetBytes(ctx, "catalog", sensitivity.Public)
	require.True(t, ok)
	_, ok = c.GetBytes(ctx, "catalog", sensitivity.Public)
	require.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.StaticHits)
	assert.Equal(t, int64(1), stats.FastHits)
}

func TestTieredCache_BusinessAccessIsAudited(t *testing.T) {
	c, _, sink := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-1")

	c.SetBytes(ctx, "deal:1", []byte(`{"amount":10}`), sensitivity.Business, 0)
	_, ok := c.GetBytes(ctx, "deal:1", sensitivity.Business)
	require.True(t, ok)
	_, ok = c.GetBytes(ctx, "deal:2", sensitivity.Business)
	require.False(t, ok)

	audits := sink.Named(metrics.EventCacheAudit)
	require.Len(t, audits, 3)
	assert.Equal(t, "set", audits[0].Metadata["op"])
	assert.Equal(t, true, audits[1].Metadata["hit"])
	assert.Equal(t, false, audits[2].Metadata["hit"])
	assert.Equal(t, 0, c.Stats().FastSize)
}

func TestTieredCache_MissingCallerIsNoop(t *testing.T) {
	c, _, _ := newTestCache(t, DefaultConfig())
	ctx := context.Background()

	c.SetBytes(ctx, "k", []byte(`"v"`), sensitivity.Public, 0)
	_, ok := c.GetBytes(ctx, "k", sensitivity.Public)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().FastSize)

	calls := 0
	v, err := CacheAside(ctx, c, "k", func(context.Context) (string, error) {
		calls++
		return "loaded", nil
	}, Strategy{Sensitivity: sensitivity.Public})
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)
	assert.Equal(t, 1, calls)
}

func TestTieredCache_Invalidate(t *testing.T) {
	c, _, _ := newTestCache(t, DefaultConfig())
	acme := storetest.AsCaller(context.Background(), "acme", "u-1")
	globex := storetest.AsCaller(context.Background(), "globex", "u-1")

	c.SetBytes(acme, RecordKey("clients", "1"), []byte(`1`), sensitivity.Public, 0)
	c.SetBytes(acme, RecordKey("clients", "2"), []byte(`2`), sensitivity.Public, 0)
	c.SetBytes(acme, RecordKey("deals", "1"), []byte(`3`), sensitivity.Public, 0)
	c.SetBytes(globex, RecordKey("clients", "1"), []byte(`4`), sensitivity.Public, 0)

	// Two tiers per PUBLIC entry.
	assert.Equal(t, 4, c.Invalidate(acme, "clients:*"))

	_, ok := c.GetBytes(acme, RecordKey("clients", "1"), sensitivity.Public)
	assert.False(t, ok)
	_, ok = c.GetBytes(acme, RecordKey("deals", "1"), sensitivity.Public)
	assert.True(t, ok)
	_, ok = c.GetBytes(globex, RecordKey("clients", "1"), sensitivity.Public)
	assert.True(t, ok)

	assert.Equal(t, 2, c.Invalidate(acme, RecordKey("deals", "1")))
	assert.Equal(t, 0, c.Invalidate(context.Background(), "*"))
}

func TestTieredCache_Sweep(t *testing.T) {
	c, _, _ := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-1")

	c.SetBytes(ctx, "short", []byte(`1`), sensitivity.Public, time.Millisecond)
	c.SetBytes(ctx, "long", []byte(`2`), sensitivity.Public, time.Hour)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, int64(2), c.Sweep(ctx))
	assert.Equal(t, 1, c.Stats().FastSize)

	_, ok := c.GetBytes(ctx, "long", sensitivity.Public)
	assert.True(t, ok)
}

func TestCacheAside_SingleLoaderUnderConcurrency(t *testing.T) {
	c, _, _ := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-1")

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) (client, error) {
		calls.Add(1)
		<-release
		return client{ID: "1", Name: "Ana"}, nil
	}

	const callers = 10
	var started, done sync.WaitGroup
	results := make([]client, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = CacheAside(ctx, c, "client:1", loader, Strategy{Sensitivity: sensitivity.Public})
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "Ana", results[i].Name)
	}

	// Later calls are served from the cache.
	got, err := CacheAside(ctx, c, "client:1", loader, Strategy{Sensitivity: sensitivity.Public})
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Name)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCacheAside_StoresAtDetectedLevel(t *testing.T) {
	c, _, _ := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-1")

	_, err := CacheAside(ctx, c, "client:1", func(context.Context) (client, error) {
		return client{ID: "1", Name: "Ana", Email: "ana@example.com"}, nil
	}, Strategy{Sensitivity: sensitivity.Public})
	require.NoError(t, err)

	_, ok := Get[client](ctx, c, "client:1", sensitivity.Public)
	assert.False(t, ok)
	got, ok := Get[client](ctx, c, "client:1", sensitivity.Personal)
	require.True(t, ok)
	assert.Equal(t, "ana@example.com", got.Email)
}

func TestCacheAside_LoaderErrorIsReturned(t *testing.T) {
	c, _, _ := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-1")
	errRemote := errors.New("remote down")

	_, err := CacheAside(ctx, c, "client:1", func(context.Context) (client, error) {
		return client{}, errRemote
	}, Strategy{Sensitivity: sensitivity.Public})
	require.Error(t, err)
	assert.ErrorIs(t, err, errRemote)

	_, ok := c.GetBytes(ctx, "client:1", sensitivity.Public)
	assert.False(t, ok)
}

func TestSecureKey(t *testing.T) {
	c, _, _ := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme", "u-7")

	c.SetBytes(ctx, "clients:1", []byte(`1`), sensitivity.Public, 0)
	for key := range c.fast.entries {
		assert.True(t, strings.HasPrefix(key, "acme\x1fu-7\x1f"))
	}
}

func TestTieredCache_ColonsInIdsDoNotCollide(t *testing.T) {
	c, s, _ := newTestCache(t, DefaultConfig())
	first := storetest.AsCaller(context.Background(), "a:b", "c")
	second := storetest.AsCaller(context.Background(), "a", "b:c")
	neighbour := storetest.AsCaller(context.Background(), "a", "b")

	Set(first, c, "client:1", client{ID: "1", Name: "first"}, sensitivity.Business, 0)
	Set(second, c, "client:1", client{ID: "1", Name: "second"}, sensitivity.Business, 0)
	Set(first, c, "catalog", "first", sensitivity.Public, 0)

	got, ok := Get[client](first, c, "client:1", sensitivity.Business)
	require.True(t, ok)
	assert.Equal(t, "first", got.Name)
	got, ok = Get[client](second, c, "client:1", sensitivity.Business)
	require.True(t, ok)
	assert.Equal(t, "second", got.Name)
	assert.Zero(t, c.Stats().Violations)

	// A wildcard from a neighbouring user reaches none of them.
	assert.Zero(t, c.Invalidate(neighbour, "*"))
	_, ok = Get[client](first, c, "client:1", sensitivity.Business)
	assert.True(t, ok)
	_, ok = Get[client](second, c, "client:1", sensitivity.Business)
	assert.True(t, ok)
	_, ok = Get[string](first, c, "catalog", sensitivity.Public)
	assert.True(t, ok)

	rows, err := s.GetDriver().List(context.Background(), &store.FindRow{Collection: store.CollectionCache})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTieredCache_SeparatorInIdIsRefused(t *testing.T) {
	c, s, _ := newTestCache(t, DefaultConfig())
	ctx := storetest.AsCaller(context.Background(), "acme\x1fu-1", "x")

	c.SetBytes(ctx, "client:1", []byte(`1`), sensitivity.Business, 0)
	_, ok := c.GetBytes(ctx, "client:1", sensitivity.Business)
	assert.False(t, ok)
	assert.Zero(t, c.Invalidate(ctx, "*"))

	rows, err := s.GetDriver().List(context.Background(), &store.FindRow{Collection: store.CollectionCache})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
