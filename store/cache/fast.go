package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/crmsync/internal/tenancy"
)

// fastTier is the in-memory tier for PUBLIC entries.
// Entries are kept in insertion order; overflow only ever evicts the inserting
// tenant's own oldest entries.
type fastTier struct {
	capacity int
	mu       sync.Mutex

	entries map[string]*fastEntry
	order   *list.List // insertion order, oldest at front
}

type fastEntry struct {
	key     string
	entry   *Entry
	element *list.Element
}

func newFastTier(capacity int) *fastTier {
	if capacity <= 0 {
		capacity = 100
	}
	return &fastTier{
		capacity: capacity,
		entries:  make(map[string]*fastEntry),
		order:    list.New(),
	}
}

// get returns the entry under key, dropping it when expired.
func (f *fastTier) get(key string, now time.Time) (*Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[key]
	if !ok {
		return nil, false
	}
	if e.entry.Expired(now) {
		f.removeEntry(e)
		return nil, false
	}
	return e.entry, true
}

// set stores entry under key and reports how many entries were evicted and
// whether the entry was stored at all.
func (f *fastTier) set(key string, entry *Entry) (evicted int, stored bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Re-inserting counts as a fresh insertion.
	if e, ok := f.entries[key]; ok {
		f.removeEntry(e)
	}

	for len(f.entries) >= f.capacity {
		if !f.evictOldestOf(entry.TenantID) {
			return evicted, false
		}
		evicted++
	}

	e := &fastEntry{key: key, entry: entry}
	e.element = f.order.PushBack(e)
	f.entries[key] = e
	return evicted, true
}

// evictOldestOf removes the tenant's oldest entry. Must be called with lock held.
func (f *fastTier) evictOldestOf(tenantID string) bool {
	for element := f.order.Front(); element != nil; element = element.Next() {
		e := element.Value.(*fastEntry)
		if e.entry.TenantID == tenantID {
			f.removeEntry(e)
			return true
		}
	}
	return false
}

func (f *fastTier) delete(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; ok {
		f.removeEntry(e)
		return true
	}
	return false
}

func (f *fastTier) deletePrefix(prefix string, owner tenancy.Caller) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for key, e := range f.entries {
		if strings.HasPrefix(key, prefix) && e.entry.TenantID == owner.TenantID && e.entry.UserID == owner.UserID {
			f.removeEntry(e)
			count++
		}
	}
	return count
}

// removeEntry must be called with lock held.
func (f *fastTier) removeEntry(e *fastEntry) {
	f.order.Remove(e.element)
	delete(f.entries, e.key)
}

func (f *fastTier) cleanupExpired(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var toDelete []*fastEntry
	for _, e := range f.entries {
		if e.entry.Expired(now) {
			toDelete = append(toDelete, e)
		}
	}
	for _, e := range toDelete {
		f.removeEntry(e)
	}
	return len(toDelete)
}

func (f *fastTier) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
