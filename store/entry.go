package store

import (
	"context"
	"time"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/sensitivity"
)

// Entry is a cache entry as persisted in the durable tiers. Payload is plaintext.
type Entry struct {
	TenantID    string
	UserID      string
	Sensitivity sensitivity.Level
	Encrypted   bool
	Payload     []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// PutEntry stores entry under key. PERSONAL payloads are encrypted with the entry owner's key.
func (s *Store) PutEntry(ctx context.Context, collection, key string, entry *Entry) error {
	if entry.Sensitivity == sensitivity.Critical {
		return coreerrors.CriticalRejected("critical entry refused by durable tier")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	value, err := s.seal(entry.TenantID, entry.UserID, entry.Sensitivity, entry.Payload, createdAt, entry.ExpiresAt)
	if err != nil {
		return err
	}
	return s.driver.Put(ctx, &Row{
		Collection: collection,
		Key:        key,
		TenantID:   entry.TenantID,
		Priority:   int(entry.Sensitivity),
		Timestamp:  createdAt.UnixMilli(),
		ExpiresAt:  unixMilliOrZero(entry.ExpiresAt),
		Value:      value,
	})
}

// GetEntry loads the entry under key for caller. It returns nil, nil when the
// entry is absent or expired. An entry owned by another tenant or user is
// returned without payload together with a SECURITY_VIOLATION error and is
// never decrypted.
func (s *Store) GetEntry(ctx context.Context, collection, key string, caller tenancy.Caller) (*Entry, error) {
	row, err := s.driver.Get(ctx, collection, key)
	if err != nil || row == nil {
		return nil, err
	}
	env, err := decodeEnvelope(row)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		TenantID:    env.TenantID,
		UserID:      env.UserID,
		Sensitivity: env.Sensitivity,
		Encrypted:   env.Encrypted,
		CreatedAt:   timeOrZero(env.CreatedAt),
		ExpiresAt:   timeOrZero(env.ExpiresAt),
	}
	if entry.Expired(s.now()) {
		if _, err := s.driver.Delete(ctx, collection, []string{key}); err != nil {
			s.logger.WarnContext(ctx, "failed to drop expired entry", "collection", collection, "error", err)
		}
		return nil, nil
	}
	if env.TenantID != caller.TenantID || env.UserID != caller.UserID || row.TenantID != caller.TenantID {
		return entry, coreerrors.SecurityViolation("entry owner does not match caller").
			WithContext("collection", collection)
	}

	payload, err := s.open(env)
	if err != nil {
		return nil, err
	}
	entry.Payload = payload
	return entry, nil
}

// DeleteEntries removes entries by exact key.
func (s *Store) DeleteEntries(ctx context.Context, collection string, keys ...string) (int, error) {
	return s.driver.Delete(ctx, collection, keys)
}

// DeleteEntriesWithPrefix removes every entry owner owns whose key starts with prefix.
// Entries of other tenants or users are left alone whatever their key.
func (s *Store) DeleteEntriesWithPrefix(ctx context.Context, collection, prefix string, owner tenancy.Caller) (int, error) {
	rows, err := s.driver.List(ctx, &FindRow{Collection: collection, KeyPrefix: prefix, TenantID: &owner.TenantID})
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.TenantID != owner.TenantID {
			continue
		}
		env, err := decodeEnvelope(row)
		if err != nil || env.TenantID != owner.TenantID || env.UserID != owner.UserID {
			continue
		}
		keys = append(keys, row.Key)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return s.driver.Delete(ctx, collection, keys)
}
