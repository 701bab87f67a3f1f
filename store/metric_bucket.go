package store

import (
	"context"
	"encoding/json"
	"time"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
	"github.com/hrygo/crmsync/plugin/metrics"
)

var _ metrics.BucketStore = (*Store)(nil)

func metricBucketKey(snapshot *metrics.Snapshot) string {
	return snapshot.HourBucket.UTC().Format(time.RFC3339) + "|" + snapshot.Name
}

// UpsertMetricBuckets adds hourly counts to the metrics collection.
// A bucket flushed twice accumulates.
func (s *Store) UpsertMetricBuckets(ctx context.Context, snapshots []*metrics.Snapshot) error {
	batch := &Batch{}
	for _, snapshot := range snapshots {
		key := metricBucketKey(snapshot)
		merged := *snapshot

		existing, err := s.driver.Get(ctx, CollectionMetrics, key)
		if err != nil {
			return err
		}
		if existing != nil {
			previous := metrics.Snapshot{}
			if err := json.Unmarshal(existing.Value, &previous); err == nil {
				merged.Count += previous.Count
			}
		}

		value, err := json.Marshal(merged)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.ErrCodeInvalidArgument, "failed to encode metric bucket")
		}
		batch.Puts = append(batch.Puts, &Row{
			Collection: CollectionMetrics,
			Key:        key,
			Timestamp:  snapshot.HourBucket.UnixMilli(),
			Value:      value,
		})
	}
	if len(batch.Puts) == 0 {
		return nil
	}
	return s.driver.Apply(ctx, batch)
}

// ListMetricBuckets returns persisted buckets in hour order.
func (s *Store) ListMetricBuckets(ctx context.Context) ([]*metrics.Snapshot, error) {
	rows, err := s.driver.List(ctx, &FindRow{Collection: CollectionMetrics})
	if err != nil {
		return nil, err
	}
	snapshots := make([]*metrics.Snapshot, 0, len(rows))
	for _, row := range rows {
		snapshot := &metrics.Snapshot{}
		if err := json.Unmarshal(row.Value, snapshot); err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// DeleteMetricBuckets removes buckets for hours before the cutoff.
func (s *Store) DeleteMetricBuckets(ctx context.Context, before time.Time) (int, error) {
	rows, err := s.driver.List(ctx, &FindRow{Collection: CollectionMetrics})
	if err != nil {
		return 0, err
	}
	var keys []string
	for _, row := range rows {
		if row.Timestamp < before.UnixMilli() {
			keys = append(keys, row.Key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return s.driver.Delete(ctx, CollectionMetrics, keys)
}
