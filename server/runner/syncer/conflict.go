package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"slices"

	"github.com/google/uuid"

	"github.com/hrygo/crmsync/internal/observability"
	"github.com/hrygo/crmsync/internal/profile"
	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/plugin/sensitivity"
	"github.com/hrygo/crmsync/store"
	"github.com/hrygo/crmsync/store/cache"
)

// Conflict is an update the server accepted but stored differently from what was sent.
type Conflict struct {
	Operation *store.PendingOperation `json:"operation"`
	Policy    string                  `json:"policy"`
	Fields    []string                `json:"fields"`
	Sent      store.Record            `json:"-"`
	Server    store.Record            `json:"-"`
}

// diffFields returns the sorted names of fields whose values differ between
// sent and server, ignoring the given server-managed fields.
func diffFields(sent, server store.Record, ignore []string) []string {
	if server == nil {
		return nil
	}
	a, b := normalize(sent), normalize(server)

	var fields []string
	seen := make(map[string]bool, len(a)+len(b))
	for _, m := range []store.Record{a, b} {
		for field := range m {
			if seen[field] || slices.Contains(ignore, field) {
				continue
			}
			seen[field] = true
			if !reflect.DeepEqual(a[field], b[field]) {
				fields = append(fields, field)
			}
		}
	}
	slices.Sort(fields)
	return fields
}

// normalize gives both sides the same JSON value types (float64 numbers etc).
func normalize(record store.Record) store.Record {
	data, err := json.Marshal(record)
	if err != nil {
		return record
	}
	var out store.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return record
	}
	return out
}

// resolveConflict applies the configured policy. It returns an error only
// when the local store could not be updated.
func (e *Engine) resolveConflict(ctx context.Context, op *store.PendingOperation, sent, server store.Record, fields []string) error {
	conflict := &Conflict{
		Operation: op,
		Policy:    e.cfg.ConflictPolicy,
		Fields:    fields,
		Sent:      sent,
		Server:    server,
	}
	e.conflicts.Add(1)
	e.sink.Emit(metrics.NewEvent(metrics.EventSyncConflict, map[string]any{
		"policy":   conflict.Policy,
		"resource": op.Resource,
		"tenant":   op.TenantID,
		"fields":   len(fields),
	}))
	e.logger.Info("sync conflict detected",
		slog.String(observability.LogFieldOperationID, op.ID),
		slog.String(observability.LogFieldTenantID, op.TenantID),
		slog.String("resource", op.Resource),
		slog.String("policy", conflict.Policy),
		slog.Any("fields", fields),
	)

	callerCtx := tenancy.WithCaller(ctx, tenancy.Caller{TenantID: op.TenantID, UserID: op.UserID})

	switch e.cfg.ConflictPolicy {
	case profile.ConflictServerWins:
		record := server
		if _, ok := store.RecordID(record); !ok {
			record = normalize(server)
			record["id"] = op.RecordID
		}
		level := e.store.Classifier().ClassifyRecord(record)
		if level == sensitivity.Critical {
			// Fields above PERSONAL are stripped, never persisted.
			level = sensitivity.Personal
		}
		if err := e.store.Put(callerCtx, op.Resource, record, level, store.PutOptions{}); err != nil {
			return err
		}
		if e.cache != nil {
			e.cache.Invalidate(callerCtx, cache.RecordKey(op.Resource, op.RecordID)+"*")
		}
	case profile.ConflictClientWins:
		if op.Corrective {
			// A corrective write that conflicts again is left to listeners.
			e.logger.Warn("corrective update conflicted again, not re-pushing",
				slog.String(observability.LogFieldOperationID, op.ID))
			break
		}
		corrective := &store.PendingOperation{
			ID:         uuid.NewString(),
			Kind:       store.OperationUpdate,
			Resource:   op.Resource,
			RecordID:   op.RecordID,
			Payload:    sent,
			TenantID:   op.TenantID,
			UserID:     op.UserID,
			EnqueuedAt: e.now(),
			Priority:   store.PriorityHigh,
			Corrective: true,
		}
		if err := e.store.EnqueueOperation(ctx, corrective); err != nil {
			return err
		}
	case profile.ConflictManual:
	}

	e.notify(Event{Type: EventConflict, Operation: op, Conflict: conflict})
	return nil
}
