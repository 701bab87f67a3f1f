package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hrygo/crmsync/store"
)

func newOp(id, recordID string, priority store.Priority, at time.Time) *store.PendingOperation {
	return &store.PendingOperation{
		ID:         id,
		Kind:       store.OperationUpdate,
		Resource:   "clients",
		RecordID:   recordID,
		TenantID:   "acme",
		Priority:   priority,
		EnqueuedAt: at,
	}
}

func ids(batch []*store.PendingOperation) []string {
	out := make([]string, 0, len(batch))
	for _, o := range batch {
		out = append(out, o.ID)
	}
	return out
}

func TestSortOperations(t *testing.T) {
	base := time.Now()
	ops := []*store.PendingOperation{
		newOp("low", "1", store.PriorityLow, base),
		newOp("high-late", "2", store.PriorityHigh, base.Add(time.Second)),
		newOp("medium", "3", store.PriorityMedium, base),
		newOp("high-early", "4", store.PriorityHigh, base),
	}
	sortOperations(ops)
	assert.Equal(t, []string{"high-early", "high-late", "medium", "low"}, ids(ops))
}

func TestSortOperations_SameRecordKeepsEnqueueOrder(t *testing.T) {
	base := time.Now()
	ops := []*store.PendingOperation{
		newOp("x-low", "x", store.PriorityLow, base),
		newOp("x-high", "x", store.PriorityHigh, base.Add(time.Second)),
		newOp("y-medium", "y", store.PriorityMedium, base),
	}
	sortOperations(ops)
	assert.Equal(t, []string{"x-low", "y-medium", "x-high"}, ids(ops))
}

func TestPlanBatches_SameRecordNeverShareABatch(t *testing.T) {
	base := time.Now()
	ops := []*store.PendingOperation{
		newOp("a1", "a", store.PriorityHigh, base),
		newOp("a2", "a", store.PriorityHigh, base),
		newOp("b1", "b", store.PriorityHigh, base),
		newOp("a3", "a", store.PriorityHigh, base),
		newOp("c1", "c", store.PriorityHigh, base),
	}

	batches := planBatches(ops, 10)
	assert.Len(t, batches, 3)
	assert.Equal(t, []string{"a1", "b1", "c1"}, ids(batches[0]))
	assert.Equal(t, []string{"a2"}, ids(batches[1]))
	assert.Equal(t, []string{"a3"}, ids(batches[2]))
}

func TestPlanBatches_SizeAndOrder(t *testing.T) {
	base := time.Now()
	ops := []*store.PendingOperation{
		newOp("1", "a", store.PriorityHigh, base),
		newOp("2", "b", store.PriorityHigh, base),
		newOp("3", "c", store.PriorityHigh, base),
		newOp("4", "a", store.PriorityHigh, base),
		newOp("5", "", store.PriorityHigh, base),
		newOp("6", "", store.PriorityHigh, base),
	}

	batches := planBatches(ops, 2)
	var flat []string
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), 2)
		flat = append(flat, ids(b)...)
	}
	assert.ElementsMatch(t, []string{"1", "2", "3", "4", "5", "6"}, flat)
	// "4" shares a record with "1" and waits for a later batch.
	assert.Equal(t, []string{"1", "2"}, ids(batches[0]))
	assert.Equal(t, []string{"3", "4"}, ids(batches[1]))
	assert.Equal(t, []string{"5", "6"}, ids(batches[2]))
}

func TestDiffFields(t *testing.T) {
	sent := store.Record{"id": "1", "score": 7, "name": "Ana"}
	server := store.Record{"id": "1", "score": float64(7), "name": "Ana", "updated_at": "now"}

	assert.Empty(t, diffFields(sent, server, []string{"updated_at"}))
	assert.Equal(t, []string{"updated_at"}, diffFields(sent, server, nil))
	assert.Nil(t, diffFields(sent, nil, nil))

	server["name"] = "Bo"
	assert.Equal(t, []string{"name"}, diffFields(sent, server, []string{"updated_at"}))
}

func TestRetryDelay(t *testing.T) {
	cfg := Config{RetryDelays: []time.Duration{time.Second, 5 * time.Second}}
	assert.Equal(t, time.Second, cfg.retryDelay(1))
	assert.Equal(t, 5*time.Second, cfg.retryDelay(2))
	assert.Equal(t, 5*time.Second, cfg.retryDelay(7))
}
