package remote

import (
	"context"
	"maps"
	"sync"

	"github.com/hrygo/crmsync/internal/tenancy"
)

// Call is one request received by a MockStore.
type Call struct {
	Method   string
	Resource string
	ID       string
	Record   Record
	TenantID string
}

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu    sync.Mutex
	calls []Call

	// Err, when set, is returned by every call.
	Err error
	// UpdateResult, when set, replaces the echoed record on Update.
	UpdateResult func(resource, id string, sent Record) Record
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) record(ctx context.Context, method, resource, id string, record Record) (func(resource, id string, sent Record) Record, error) {
	call := Call{Method: method, Resource: resource, ID: id, Record: maps.Clone(record)}
	if caller, ok := tenancy.FromContext(ctx); ok {
		call.TenantID = caller.TenantID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.UpdateResult, m.Err
}

// Create implements Store.
func (m *MockStore) Create(ctx context.Context, resource string, record Record) (Record, error) {
	if _, err := m.record(ctx, "create", resource, "", record); err != nil {
		return nil, err
	}
	return maps.Clone(record), nil
}

// Update implements Store.
func (m *MockStore) Update(ctx context.Context, resource, id string, record Record) (Record, error) {
	result, err := m.record(ctx, "update", resource, id, record)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result(resource, id, record), nil
	}
	return maps.Clone(record), nil
}

// Delete implements Store.
func (m *MockStore) Delete(ctx context.Context, resource, id string) error {
	_, err := m.record(ctx, "delete", resource, id, nil)
	return err
}

// SetErr replaces the error returned by every call.
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// Calls returns a copy of the received calls.
func (m *MockStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns the calls with the given method.
func (m *MockStore) CallsTo(method string) []Call {
	var out []Call
	for _, call := range m.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}
