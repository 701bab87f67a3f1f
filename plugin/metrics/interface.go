// Package metrics is the fire-and-forget event sink for the caching and sync core.
// Events feed hourly counters, threshold alerts and optional persistence.
package metrics

import (
	"context"
	"time"
)

// Event names emitted by the core.
const (
	EventSecurityViolation   = "security_violation"
	EventSensitiveFieldStrip = "sensitive_field_stripped"
	EventCacheAudit          = "cache_audit"
	EventSyncOperation       = "sync_operation"
	EventSyncPass            = "sync_pass"
	EventSyncConflict        = "sync_conflict"
	EventQueueDepth          = "queue_depth"
	EventOperationFailed     = "sync_operation_failed"
)

// Event is a single named occurrence with free-form metadata.
type Event struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(name string, metadata map[string]any) Event {
	return Event{Name: name, Timestamp: time.Now(), Metadata: metadata}
}

// Sink receives events. Emit must never block the caller for long or fail.
type Sink interface {
	Emit(event Event)
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

// Snapshot is one completed hour of counts for one event name.
type Snapshot struct {
	HourBucket time.Time `json:"hour_bucket"`
	Name       string    `json:"name"`
	Count      int64     `json:"count"`
}

// BucketStore persists hourly snapshots.
type BucketStore interface {
	UpsertMetricBuckets(ctx context.Context, snapshots []*Snapshot) error
	DeleteMetricBuckets(ctx context.Context, before time.Time) (int, error)
}
