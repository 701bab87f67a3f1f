package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/sensitivity"
)

// Strategy controls how CacheAside stores a loaded value.
type Strategy struct {
	// Sensitivity is the declared level. The detected level of the loaded
	// value wins when it is more restrictive.
	Sensitivity sensitivity.Level
	// TTL overrides the level's default TTL when positive.
	TTL time.Duration
	// Refresh skips the cache read and always calls the loader.
	Refresh bool
}

// RecordKey is the logical cache key of a remote record.
func RecordKey(resource, id string) string {
	return resource + ":" + id
}

// Get returns the value cached under key at level for the calling tenant and user.
func Get[T any](ctx context.Context, c *TieredCache, key string, level sensitivity.Level) (T, bool) {
	var zero T
	payload, ok := c.GetBytes(ctx, key, level)
	if !ok {
		return zero, false
	}
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		c.logger.WarnContext(ctx, "discarding undecodable cache entry", slog.String("key", key), slog.String("error", err.Error()))
		return zero, false
	}
	return value, true
}

// Set caches data under key at level. A CRITICAL level is never stored.
func Set[T any](ctx context.Context, c *TieredCache, key string, data T, level sensitivity.Level, ttl time.Duration) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.logger.WarnContext(ctx, "value not cacheable", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	c.SetBytes(ctx, key, payload, level, ttl)
}

// CacheAside returns the cached value under key, calling loader on a miss.
// Concurrent callers for the same tenant, user and key share one loader call.
// Loader errors are returned to the caller.
func CacheAside[T any](ctx context.Context, c *TieredCache, key string, loader func(context.Context) (T, error), strategy Strategy) (T, error) {
	caller, ok := tenancy.FromContext(ctx)
	if !ok {
		c.caller(ctx, "cache_aside", key)
		return loader(ctx)
	}

	if !strategy.Refresh {
		if value, hit := Get[T](ctx, c, key, strategy.Sensitivity); hit {
			return value, nil
		}
	}

	v, err, _ := c.group.Do(secureKey(caller, key), func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return value, err
		}
		payload, err := json.Marshal(value)
		if err != nil {
			// Still a valid load, just not cacheable.
			c.logger.WarnContext(ctx, "loaded value not cacheable", slog.String("key", key), slog.String("error", err.Error()))
			return value, nil
		}
		level := sensitivity.MostRestrictive(strategy.Sensitivity, c.detect(payload))
		c.SetBytes(ctx, key, payload, level, strategy.TTL)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, errors.WithStack(err)
	}
	value, _ := v.(T)
	return value, nil
}

// detect classifies a JSON payload. Non-object payloads carry no field names
// and are classified PUBLIC.
func (t *TieredCache) detect(payload []byte) sensitivity.Level {
	var record sensitivity.Record
	if err := json.Unmarshal(payload, &record); err != nil {
		var records []sensitivity.Record
		if err := json.Unmarshal(payload, &records); err != nil {
			return sensitivity.Public
		}
		levels := make([]sensitivity.Level, 0, len(records))
		for _, r := range records {
			levels = append(levels, t.classifier.ClassifyRecord(r))
		}
		return sensitivity.MostRestrictive(levels...)
	}
	return t.classifier.ClassifyRecord(record)
}
