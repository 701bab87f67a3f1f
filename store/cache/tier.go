package cache

import (
	"context"

	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/store"
)

// Entry is a cache entry. Payload is the JSON encoded value.
type Entry = store.Entry

// EntryStore is the durable side of the cache: the static tier and the durable
// tier are collections of it. *store.Store implements it.
type EntryStore interface {
	PutEntry(ctx context.Context, collection, key string, entry *Entry) error
	GetEntry(ctx context.Context, collection, key string, caller tenancy.Caller) (*Entry, error)
	DeleteEntries(ctx context.Context, collection string, keys ...string) (int, error)
	DeleteEntriesWithPrefix(ctx context.Context, collection, prefix string, owner tenancy.Caller) (int, error)
	ClearExpired(ctx context.Context, collection string) (int64, error)
}

var _ EntryStore = (*store.Store)(nil)

// NilEntryStore is a no-op durable side. With it the cache holds PUBLIC data
// in memory only and never caches BUSINESS or PERSONAL data.
type NilEntryStore struct{}

// NewNilEntryStore creates a new NilEntryStore.
func NewNilEntryStore() *NilEntryStore {
	return &NilEntryStore{}
}

func (*NilEntryStore) PutEntry(context.Context, string, string, *Entry) error { return nil }

func (*NilEntryStore) GetEntry(context.Context, string, string, tenancy.Caller) (*Entry, error) {
	return nil, nil
}

func (*NilEntryStore) DeleteEntries(context.Context, string, ...string) (int, error) { return 0, nil }

func (*NilEntryStore) DeleteEntriesWithPrefix(context.Context, string, string, tenancy.Caller) (int, error) {
	return 0, nil
}

func (*NilEntryStore) ClearExpired(context.Context, string) (int64, error) { return 0, nil }
