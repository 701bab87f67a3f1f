package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
	"github.com/hrygo/crmsync/plugin/sensitivity"
)

// keySeparator joins tenant and record id into a storage key.
const keySeparator = "\x1f"

// PutOptions tunes a record write.
type PutOptions struct {
	// TTL sets an expiry relative to now. ExpiresAt wins when both are set.
	TTL         time.Duration
	ExpiresAt   time.Time
	SyncPending bool
	Priority    int
}

// Filter narrows GetAll. Where runs on decrypted records.
type Filter struct {
	SyncPending *bool
	Limit       int
	Where       func(Record) bool
}

func recordKey(tenantID, id string) string {
	return tenantID + keySeparator + id
}

// RecordID returns the string form of record["id"].
func RecordID(record Record) (string, bool) {
	switch id := record["id"].(type) {
	case string:
		return id, id != ""
	case nil:
		return "", false
	case float64:
		return fmt.Sprintf("%.0f", id), true
	default:
		return fmt.Sprint(id), true
	}
}

// Put sanitizes record at level, encrypts it when PERSONAL and upserts it by id
// for the calling tenant. CRITICAL is refused with CRITICAL_REJECTED.
func (s *Store) Put(ctx context.Context, collection string, record Record, level sensitivity.Level, opts PutOptions) error {
	caller, err := callerFrom(ctx)
	if err != nil {
		return err
	}
	if level == sensitivity.Critical {
		return coreerrors.CriticalRejected("critical record refused by durable store").
			WithContext("collection", collection)
	}
	id, ok := RecordID(record)
	if !ok {
		return coreerrors.InvalidArgument("record requires an id")
	}

	sanitized := s.classifier.Sanitize(ctx, record, level)
	plaintext, err := json.Marshal(sanitized)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.ErrCodeInvalidArgument, "record is not JSON encodable")
	}

	now := s.now()
	expiresAt := opts.ExpiresAt
	if expiresAt.IsZero() && opts.TTL > 0 {
		expiresAt = now.Add(opts.TTL)
	}
	value, err := s.seal(caller.TenantID, caller.UserID, level, plaintext, now, expiresAt)
	if err != nil {
		return err
	}

	return s.driver.Put(ctx, &Row{
		Collection:  collection,
		Key:         recordKey(caller.TenantID, id),
		TenantID:    caller.TenantID,
		SyncPending: opts.SyncPending,
		Priority:    opts.Priority,
		Timestamp:   now.UnixMilli(),
		ExpiresAt:   unixMilliOrZero(expiresAt),
		Value:       value,
	})
}

// GetAll returns every live record of the calling tenant. Rows that cannot be
// decoded or decrypted are skipped and logged.
func (s *Store) GetAll(ctx context.Context, collection string, filter *Filter) ([]Record, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		filter = &Filter{}
	}

	rows, err := s.driver.List(ctx, &FindRow{
		Collection:  collection,
		TenantID:    &caller.TenantID,
		SyncPending: filter.SyncPending,
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		if row.ExpiresAt > 0 && row.ExpiresAt <= now {
			continue
		}
		record, err := s.decodeRecord(row, caller.TenantID)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unreadable record",
				slog.String("collection", collection),
				slog.String("error", err.Error()),
			)
			continue
		}
		if record == nil {
			continue
		}
		if filter.Where != nil && !filter.Where(record) {
			continue
		}
		records = append(records, record)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	return records, nil
}

// GetByID returns the calling tenant's record, or nil when absent, expired or owned by another tenant.
// Corrupt ciphertext surfaces as DECRYPTION_FAILED.
func (s *Store) GetByID(ctx context.Context, collection, id string) (Record, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	row, err := s.driver.Get(ctx, collection, recordKey(caller.TenantID, id))
	if err != nil || row == nil {
		return nil, err
	}
	if row.ExpiresAt > 0 && row.ExpiresAt <= s.now().UnixMilli() {
		return nil, nil
	}
	return s.decodeRecord(row, caller.TenantID)
}

// decodeRecord returns nil, nil for rows whose envelope names another tenant.
func (s *Store) decodeRecord(row *Row, tenantID string) (Record, error) {
	env, err := decodeEnvelope(row)
	if err != nil {
		return nil, err
	}
	if env.TenantID != tenantID || row.TenantID != tenantID {
		return nil, nil
	}
	plaintext, err := s.open(env)
	if err != nil {
		return nil, err
	}
	record := Record{}
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, coreerrors.StorageCorrupt("undecodable record in "+row.Collection, err)
	}
	return record, nil
}

// DeleteBatch removes the calling tenant's records with the given ids.
func (s *Store) DeleteBatch(ctx context.Context, collection string, ids []string) (int, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, recordKey(caller.TenantID, id))
	}
	return s.driver.Delete(ctx, collection, keys)
}

// ClearExpired removes expired rows of a collection for every tenant.
// It is housekeeping and needs no caller.
func (s *Store) ClearExpired(ctx context.Context, collection string) (int64, error) {
	return s.driver.DeleteExpired(ctx, collection, s.now().UnixMilli())
}
