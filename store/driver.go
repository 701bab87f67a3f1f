package store

import (
	"context"
)

// Row is one record of a collection as held by a driver.
// Value is opaque to the driver; the index columns are what it filters and orders by.
type Row struct {
	Collection  string
	Key         string
	TenantID    string
	SyncPending bool
	Priority    int
	// Timestamp and ExpiresAt are unix milliseconds. ExpiresAt == 0 never expires.
	Timestamp int64
	ExpiresAt int64
	Value     []byte
}

// FindRow specifies the conditions for listing rows of one collection.
// Results are ordered by priority, then timestamp, then key.
type FindRow struct {
	Collection  string
	TenantID    *string
	SyncPending *bool
	KeyPrefix   string
	Limit       int
}

// RowRef addresses a single row.
type RowRef struct {
	Collection string
	Key        string
}

// Batch is a set of writes applied atomically.
type Batch struct {
	Puts    []*Row
	Deletes []RowRef
}

// Driver is an interface for store driver.
// It is a key-value store of named collections with a few secondary indexes.
type Driver interface {
	Close() error

	// Put inserts or replaces the row addressed by (Collection, Key).
	Put(ctx context.Context, row *Row) error
	// Get returns nil, nil when the row does not exist.
	Get(ctx context.Context, collection, key string) (*Row, error)
	// List returns matching rows in (priority, timestamp, key) order.
	List(ctx context.Context, find *FindRow) ([]*Row, error)
	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, collection string, keys []string) (int, error)
	// DeleteExpired removes rows with 0 < expires_at <= now and returns how many.
	DeleteExpired(ctx context.Context, collection string, now int64) (int64, error)
	// Apply performs all puts and deletes of the batch in one transaction.
	Apply(ctx context.Context, batch *Batch) error
}
