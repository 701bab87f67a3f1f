package metrics

import (
	"sort"
	"sync"
	"time"
)

// Aggregator counts events in memory per hour before they are persisted.
type Aggregator struct {
	mu sync.RWMutex

	// key = "hourBucket|eventName"
	buckets map[string]*eventBucket
}

type eventBucket struct {
	hourBucket time.Time
	name       string
	count      int64
}

// NewAggregator creates a new event aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		buckets: make(map[string]*eventBucket),
	}
}

// Record counts one event and returns the count for its hour so far.
func (a *Aggregator) Record(event Event) int64 {
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	hourBucket := truncateToHour(at)
	key := makeBucketKey(hourBucket, event.Name)

	bucket, exists := a.buckets[key]
	if !exists {
		bucket = &eventBucket{
			hourBucket: hourBucket,
			name:       event.Name,
		}
		a.buckets[key] = bucket
	}
	bucket.count++
	return bucket.count
}

// Flush returns and clears all buckets for hours before beforeHour.
func (a *Aggregator) Flush(beforeHour time.Time) []*Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	var snapshots []*Snapshot
	for key, bucket := range a.buckets {
		if bucket.hourBucket.Before(beforeHour) {
			snapshots = append(snapshots, &Snapshot{
				HourBucket: bucket.hourBucket,
				Name:       bucket.name,
				Count:      bucket.count,
			})
			delete(a.buckets, key)
		}
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].HourBucket.Equal(snapshots[j].HourBucket) {
			return snapshots[i].Name < snapshots[j].Name
		}
		return snapshots[i].HourBucket.Before(snapshots[j].HourBucket)
	})
	return snapshots
}

// Totals returns the in-memory count per event name across all held buckets.
func (a *Aggregator) Totals() map[string]int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	totals := make(map[string]int64, len(a.buckets))
	for _, bucket := range a.buckets {
		totals[bucket.name] += bucket.count
	}
	return totals
}

func truncateToHour(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

func makeBucketKey(hourBucket time.Time, name string) string {
	return hourBucket.Format(time.RFC3339) + "|" + name
}
