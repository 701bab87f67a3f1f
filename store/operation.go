package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
	"github.com/hrygo/crmsync/plugin/sensitivity"
)

// OperationKind is the remote call a pending operation replays.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// Priority orders replay. Lower values go first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses high, medium or low.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, errors.Errorf("unknown priority %q", s)
	}
}

// PendingOperation is a write awaiting replay against the remote store.
// Only the sync engine mutates RetryCount or removes operations.
type PendingOperation struct {
	ID            string        `json:"id"`
	Kind          OperationKind `json:"kind"`
	Resource      string        `json:"resource"`
	RecordID      string        `json:"record_id,omitempty"`
	Payload       Record        `json:"-"`
	TenantID      string        `json:"tenant_id"`
	UserID        string        `json:"user_id"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	RetryCount    int           `json:"retry_count"`
	Priority      Priority      `json:"priority"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	FailedAt      time.Time     `json:"failed_at,omitempty"`
	Corrective    bool          `json:"corrective,omitempty"`
}

// Due reports whether the operation may be attempted at now.
func (op *PendingOperation) Due(now time.Time) bool {
	return op.NextAttemptAt.IsZero() || !now.Before(op.NextAttemptAt)
}

// operationEnvelope is the persisted form. Payload is always sealed with the owner's key.
type operationEnvelope struct {
	PendingOperation
	SealedPayload []byte `json:"sealed_payload,omitempty"`
}

// FindOperation narrows queue reads.
type FindOperation struct {
	TenantID *string
	Limit    int
}

func validateOperation(op *PendingOperation) error {
	switch {
	case op == nil:
		return coreerrors.InvalidArgument("operation required")
	case op.ID == "":
		return coreerrors.InvalidArgument("operation id required")
	case op.TenantID == "" || op.UserID == "":
		return coreerrors.MissingContext()
	case !op.Kind.Valid():
		return coreerrors.InvalidArgument("unknown operation kind " + string(op.Kind))
	case op.Resource == "":
		return coreerrors.InvalidArgument("operation resource required")
	}
	return nil
}

func (s *Store) operationRow(ctx context.Context, collection string, op *PendingOperation) (*Row, error) {
	env := operationEnvelope{PendingOperation: *op}
	if op.Payload != nil {
		// CRITICAL fields never reach disk, even encrypted.
		sanitized := s.classifier.Sanitize(ctx, op.Payload, sensitivity.Personal)
		plaintext, err := json.Marshal(sanitized)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.ErrCodeInvalidArgument, "operation payload is not JSON encodable")
		}
		sealed, err := s.vault.Encrypt(s.vault.DeriveKey(op.TenantID, op.UserID), plaintext)
		if err != nil {
			return nil, err
		}
		env.SealedPayload = sealed
	}
	value, err := json.Marshal(env)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.ErrCodeInvalidArgument, "failed to encode operation")
	}
	return &Row{
		Collection:  collection,
		Key:         op.ID,
		TenantID:    op.TenantID,
		SyncPending: collection == CollectionPendingOperations,
		Priority:    int(op.Priority),
		Timestamp:   op.EnqueuedAt.UnixMilli(),
		Value:       value,
	}, nil
}

func (s *Store) decodeOperation(row *Row) (*PendingOperation, error) {
	env := &operationEnvelope{}
	if err := json.Unmarshal(row.Value, env); err != nil {
		return nil, coreerrors.StorageCorrupt("undecodable operation "+row.Key, err)
	}
	op := env.PendingOperation
	if len(env.SealedPayload) > 0 {
		plaintext, err := s.vault.Decrypt(s.vault.DeriveKey(op.TenantID, op.UserID), env.SealedPayload)
		if err != nil {
			return nil, err
		}
		payload := Record{}
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return nil, coreerrors.StorageCorrupt("undecodable operation payload "+row.Key, err)
		}
		op.Payload = payload
	}
	return &op, nil
}

// EnqueueOperation persists op in the pending queue, replacing an operation with the same id.
func (s *Store) EnqueueOperation(ctx context.Context, op *PendingOperation) error {
	if err := validateOperation(op); err != nil {
		return err
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = s.now()
	}
	row, err := s.operationRow(ctx, CollectionPendingOperations, op)
	if err != nil {
		return err
	}
	return s.driver.Put(ctx, row)
}

// UpdateOperation rewrites a queued operation after a failed attempt.
func (s *Store) UpdateOperation(ctx context.Context, op *PendingOperation) error {
	return s.EnqueueOperation(ctx, op)
}

// GetOperation returns a pending operation by id, or nil.
func (s *Store) GetOperation(ctx context.Context, id string) (*PendingOperation, error) {
	row, err := s.driver.Get(ctx, CollectionPendingOperations, id)
	if err != nil || row == nil {
		return nil, err
	}
	return s.decodeOperation(row)
}

// PendingOperations returns queued operations ordered by priority then enqueue time.
// Unreadable operations are skipped and logged.
func (s *Store) PendingOperations(ctx context.Context, find *FindOperation) ([]*PendingOperation, error) {
	return s.listOperations(ctx, CollectionPendingOperations, find)
}

// FailedOperations returns operations that exhausted their retries.
func (s *Store) FailedOperations(ctx context.Context, find *FindOperation) ([]*PendingOperation, error) {
	return s.listOperations(ctx, CollectionFailedOperations, find)
}

func (s *Store) listOperations(ctx context.Context, collection string, find *FindOperation) ([]*PendingOperation, error) {
	if find == nil {
		find = &FindOperation{}
	}
	rows, err := s.driver.List(ctx, &FindRow{
		Collection: collection,
		TenantID:   find.TenantID,
		Limit:      find.Limit,
	})
	if err != nil {
		return nil, err
	}
	ops := make([]*PendingOperation, 0, len(rows))
	for _, row := range rows {
		op, err := s.decodeOperation(row)
		if err != nil {
			s.logger.ErrorContext(ctx, "skipping unreadable operation",
				slog.String("collection", collection),
				slog.String("operation_id", row.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// CompleteOperation removes a replayed operation from the queue.
func (s *Store) CompleteOperation(ctx context.Context, id string) error {
	_, err := s.driver.Delete(ctx, CollectionPendingOperations, []string{id})
	return err
}

// FailOperation moves op from the pending queue to the failed set in one transaction.
func (s *Store) FailOperation(ctx context.Context, op *PendingOperation) error {
	if err := validateOperation(op); err != nil {
		return err
	}
	if op.FailedAt.IsZero() {
		op.FailedAt = s.now()
	}
	row, err := s.operationRow(ctx, CollectionFailedOperations, op)
	if err != nil {
		return err
	}
	return s.driver.Apply(ctx, &Batch{
		Puts:    []*Row{row},
		Deletes: []RowRef{{Collection: CollectionPendingOperations, Key: op.ID}},
	})
}

// ClearFailedOperations deletes failed operations, optionally for one tenant only.
func (s *Store) ClearFailedOperations(ctx context.Context, tenantID *string) (int, error) {
	rows, err := s.driver.List(ctx, &FindRow{Collection: CollectionFailedOperations, TenantID: tenantID})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.Key)
	}
	return s.driver.Delete(ctx, CollectionFailedOperations, keys)
}

// QueueDepth returns the number of pending operations.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	rows, err := s.driver.List(ctx, &FindRow{Collection: CollectionPendingOperations})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
