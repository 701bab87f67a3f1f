package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/plugin/sensitivity"
	"github.com/hrygo/crmsync/plugin/vault"
)

// Well known collections.
const (
	CollectionCache             = "cache"
	CollectionStatic            = "static"
	CollectionPendingOperations = "pendingOperations"
	CollectionFailedOperations  = "failedOperations"
	CollectionMetrics           = "metrics"
)

// Record is a CRM record as a generic field map.
type Record = sensitivity.Record

// Store is the durable offline store. It classifies, sanitizes and encrypts
// everything it writes and scopes every read to the calling tenant.
type Store struct {
	driver     Driver
	classifier *sensitivity.Classifier
	vault      *vault.Provider
	sink       metrics.Sink
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a new instance of Store.
func New(driver Driver, classifier *sensitivity.Classifier, provider *vault.Provider, sink metrics.Sink) *Store {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if classifier == nil {
		classifier = sensitivity.NewClassifier(nil, sink)
	}
	return &Store{
		driver:     driver,
		classifier: classifier,
		vault:      provider,
		sink:       sink,
		logger:     slog.Default().With(slog.String("component", "store")),
		now:        time.Now,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

// Classifier returns the classifier the store sanitizes with.
func (s *Store) Classifier() *sensitivity.Classifier {
	return s.classifier
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// envelope is the persisted form of every value the store writes.
type envelope struct {
	TenantID    string            `json:"tenant_id"`
	UserID      string            `json:"user_id"`
	Sensitivity sensitivity.Level `json:"sensitivity"`
	Encrypted   bool              `json:"encrypted"`
	Payload     []byte            `json:"payload"`
	CreatedAt   int64             `json:"created_at"`
	ExpiresAt   int64             `json:"expires_at,omitempty"`
}

func (s *Store) seal(tenantID, userID string, level sensitivity.Level, plaintext []byte, createdAt, expiresAt time.Time) ([]byte, error) {
	if level == sensitivity.Critical {
		return nil, coreerrors.CriticalRejected("critical data is never persisted")
	}
	env := envelope{
		TenantID:    tenantID,
		UserID:      userID,
		Sensitivity: level,
		Payload:     plaintext,
		CreatedAt:   createdAt.UnixMilli(),
		ExpiresAt:   unixMilliOrZero(expiresAt),
	}
	if level == sensitivity.Personal {
		blob, err := s.vault.Encrypt(s.vault.DeriveKey(tenantID, userID), plaintext)
		if err != nil {
			return nil, err
		}
		env.Payload = blob
		env.Encrypted = true
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.ErrCodeInvalidArgument, "failed to encode envelope")
	}
	return data, nil
}

func decodeEnvelope(row *Row) (*envelope, error) {
	env := &envelope{}
	if err := json.Unmarshal(row.Value, env); err != nil {
		return nil, coreerrors.StorageCorrupt("undecodable envelope in "+row.Collection, err)
	}
	return env, nil
}

func (s *Store) open(env *envelope) ([]byte, error) {
	if !env.Encrypted {
		return env.Payload, nil
	}
	return s.vault.Decrypt(s.vault.DeriveKey(env.TenantID, env.UserID), env.Payload)
}

func callerFrom(ctx context.Context) (tenancy.Caller, error) {
	caller, ok := tenancy.FromContext(ctx)
	if !ok {
		return tenancy.Caller{}, coreerrors.MissingContext()
	}
	return caller, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
