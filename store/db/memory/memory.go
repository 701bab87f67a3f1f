// Package memory is an in-process store driver for tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hrygo/crmsync/store"
)

// DB keeps every collection in a map guarded by one lock.
type DB struct {
	mu          sync.RWMutex
	collections map[string]map[string]*store.Row
	closed      bool
}

var _ store.Driver = (*DB)(nil)

// NewDB creates an empty in-memory driver.
func NewDB() *DB {
	return &DB{collections: make(map[string]map[string]*store.Row)}
}

func cloneRow(row *store.Row) *store.Row {
	clone := *row
	clone.Value = append([]byte(nil), row.Value...)
	return &clone
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *DB) Put(_ context.Context, row *store.Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	d.putLocked(row)
	return nil
}

func (d *DB) putLocked(row *store.Row) {
	collection, ok := d.collections[row.Collection]
	if !ok {
		collection = make(map[string]*store.Row)
		d.collections[row.Collection] = collection
	}
	collection[row.Key] = cloneRow(row)
}

func (d *DB) Get(_ context.Context, collection, key string) (*store.Row, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, errClosed
	}
	row, ok := d.collections[collection][key]
	if !ok {
		return nil, nil
	}
	return cloneRow(row), nil
}

func (d *DB) List(_ context.Context, find *store.FindRow) ([]*store.Row, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, errClosed
	}

	list := make([]*store.Row, 0)
	for _, row := range d.collections[find.Collection] {
		if find.TenantID != nil && row.TenantID != *find.TenantID {
			continue
		}
		if find.SyncPending != nil && row.SyncPending != *find.SyncPending {
			continue
		}
		if find.KeyPrefix != "" && !strings.HasPrefix(row.Key, find.KeyPrefix) {
			continue
		}
		list = append(list, cloneRow(row))
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		if list[i].Timestamp != list[j].Timestamp {
			return list[i].Timestamp < list[j].Timestamp
		}
		return list[i].Key < list[j].Key
	})
	if find.Limit > 0 && len(list) > find.Limit {
		list = list[:find.Limit]
	}
	return list, nil
}

func (d *DB) Delete(_ context.Context, collection string, keys []string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errClosed
	}
	return d.deleteLocked(collection, keys), nil
}

func (d *DB) deleteLocked(collection string, keys []string) int {
	rows := d.collections[collection]
	deleted := 0
	for _, key := range keys {
		if _, ok := rows[key]; ok {
			delete(rows, key)
			deleted++
		}
	}
	return deleted
}

func (d *DB) DeleteExpired(_ context.Context, collection string, now int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errClosed
	}
	var deleted int64
	for key, row := range d.collections[collection] {
		if row.ExpiresAt > 0 && row.ExpiresAt <= now {
			delete(d.collections[collection], key)
			deleted++
		}
	}
	return deleted, nil
}

func (d *DB) Apply(_ context.Context, batch *store.Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	for _, row := range batch.Puts {
		d.putLocked(row)
	}
	for _, ref := range batch.Deletes {
		d.deleteLocked(ref.Collection, []string{ref.Key})
	}
	return nil
}
