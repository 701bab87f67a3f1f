package syncer

import (
	"slices"

	"github.com/hrygo/crmsync/store"
)

// recordKey identifies the remote record an operation writes to. Creates
// without a record id never collide with anything.
func recordKey(op *store.PendingOperation) string {
	if op.RecordID == "" {
		return "op\x1f" + op.ID
	}
	return op.TenantID + "\x1f" + op.Resource + "\x1f" + op.RecordID
}

// sortOperations orders by priority, then enqueue time. Operations on the same
// record keep their enqueue order: they trade places within the slots the
// priority sort gave them.
func sortOperations(ops []*store.PendingOperation) {
	slices.SortStableFunc(ops, func(a, b *store.PendingOperation) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return a.EnqueuedAt.Compare(b.EnqueuedAt)
	})

	slots := make(map[string][]int)
	for i, op := range ops {
		key := recordKey(op)
		slots[key] = append(slots[key], i)
	}
	for _, idx := range slots {
		if len(idx) < 2 {
			continue
		}
		group := make([]*store.PendingOperation, len(idx))
		for j, i := range idx {
			group[j] = ops[i]
		}
		slices.SortStableFunc(group, func(a, b *store.PendingOperation) int {
			return a.EnqueuedAt.Compare(b.EnqueuedAt)
		})
		for j, i := range idx {
			ops[i] = group[j]
		}
	}
}

// planBatches splits ordered operations into batches of at most size.
// Two operations on the same record never share a batch, and an operation
// never overtakes an earlier one on the same record.
func planBatches(ops []*store.PendingOperation, size int) [][]*store.PendingOperation {
	if size <= 0 {
		size = 1
	}

	var batches [][]*store.PendingOperation
	remaining := ops
	for len(remaining) > 0 {
		batch := make([]*store.PendingOperation, 0, size)
		taken := make(map[string]bool)
		deferred := make(map[string]bool)
		var next []*store.PendingOperation

		for _, op := range remaining {
			key := recordKey(op)
			if len(batch) < size && !taken[key] && !deferred[key] {
				batch = append(batch, op)
				taken[key] = true
				continue
			}
			deferred[key] = true
			next = append(next, op)
		}

		batches = append(batches, batch)
		remaining = next
	}
	return batches
}
