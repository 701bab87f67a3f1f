package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/plugin/sensitivity"
	"github.com/hrygo/crmsync/store"
)

func TestStore_PutAndGetByID(t *testing.T) {
	ctx := context.Background()
	ts, _ := NewTestingStore(ctx, t)
	acme := AsCaller(ctx, "acme", "u-1")

	err := ts.Put(acme, "clients", store.Record{"id": "c-1", "name": "Ana", "email": "ana@example.com"}, sensitivity.Personal, store.PutOptions{})
	require.NoError(t, err)

	record, err := ts.GetByID(acme, "clients", "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.Record{"id": "c-1", "name": "Ana", "email": "ana@example.com"}, record)
}

func TestStore_PersonalIsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	ts, _ := NewTestingStore(ctx, t)
	acme := AsCaller(ctx, "acme", "u-1")

	require.NoError(t, ts.Put(acme, "clients", store.Record{"id": "c-1", "email": "ana@example.com"}, sensitivity.Personal, store.PutOptions{}))

	rows, err := ts.GetDriver().List(ctx, &store.FindRow{Collection: "clients"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotContains(t, string(rows[0].Value), "ana@example.com")
}

func TestStore_PutStripsFieldsAboveLevel(t *testing.T) {
	ctx := context.Background()
	ts, sink := NewTestingStore(ctx, t)
	acme := AsCaller(ctx, "acme", "u-1")

	record := store.Record{"id": "c-1", "name": "Ana", "password": "hunter2", "email": "ana@example.com"}
	require.NoError(t, ts.Put(acme, "clients", record, sensitivity.Business, store.PutOptions{}))

	stored, err := ts.GetByID(acme, "clients", "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.Record{"id": "c-1", "name": "Ana"}, stored)
	assert.Equal(t, 2, sink.Count(metrics.EventSensitiveFieldStrip))
}

func TestStore_PutCriticalRejected(t *testing.T) {
	ctx := context.Background()
	ts, _ := NewTestingStore(ctx, t)
	acme := AsCaller(ctx, "acme", "u-1")

	err := ts.Put(acme, "credentials", store.Record{"id": "x", "password": "p"}, sensitivity.Critical, store.PutOptions{})
	assert.True(t, coreerrors.IsCode(err, coreerrors.ErrCodeCriticalRejected))

	all, err := ts.GetAll(acme, "credentials", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_RequiresCaller(t *testing.T) {
	ctx := context.Background()
	ts, _ := NewTestingStore(ctx, t)

	err := ts.Put(ctx, "clients", store.Record{"id": "c-1"}, sensitivity.Public, store.PutOptions{})
	assert.True(t, coreerrors.IsCode(err, coreerrors.ErrCodeMissingContext))

	_, err = ts.GetAll(ctx, "clients", nil)
	assert.True(t, coreerrors.IsCode(err, coreerrors.ErrCodeMissingContext))
}

func TestStore_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	ts, _ := NewTestingStore(ctx, t)
	acme := AsCaller(ctx, "acme", "u-1")
	globex := AsCaller(ctx, "globex", "u-1")

	require.NoError(t, ts.Put(acme, "clients", store.Record{"id": "c-1", "name": "acme client"}, sensitivity.Public, store.PutOptions{}))
	require.NoError(t, ts.Put(globex, "clients", store.Record{"id": "c-1", "name": "globex client"}, sensitivity.Public, store.PutOptions{}))

	record, err := ts.GetByID(acme, "clients", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "acme client", record["name"])

	all, err := ts.GetAll(globex, "clients", nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "globex client", all[0]["name"])

	deleted, err := ts.DeleteBatch(globex, "clients", []string{"c-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	record, err = ts.GetByID(acme, "clients", "c-1")
	require.NoError(t, err)
	assert.NotNil(t, record)
}

func TestStore_GetByIDDecryptionFailure(t *testing.T) {
	ctx := context.Background()
	ts, _ := NewTestingStore(ctx, t)
	acme := AsCaller(ctx, "acme", "u-1")

	require.NoError(t, ts.Put(acme, "clients", store.Record{"id": "c-1", "email": "e"}, sensitivity.Personal, store.PutOptions{}))

	// Corrupt the ciphertext in place.
	rows, err := ts.GetDriver().List(ctx, &store.FindRow{Collection: "clients"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	row.Value = []byte(`{"tenant_id":"acme","user_id":"u-1","sensitivity":"PERSONAL","encrypted":true,"payload":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","created_at":1}`)
	require.NoError(t, ts.GetDriver().Put(ctx, row))

	_, err = ts.GetByID(acme, "clients", "c-1")
	assert.True(t, coreerrors.IsCode(err, coreerrors.ErrCodeDecryptionFailed))

	// GetAll skips it instead of failing.
	all, err := ts.GetAll(acme, "clients", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_GetAllFilter(t *testing.T) {
	ctx := context.Background()
	ts, _ := NewTestingStore(ctx, t)
	acme := AsCaller(ctx, "acme", "u-1")

	require.NoError(t, ts.Put(acme, "deals", store.Record{"id": "d-1", "stage": "open"}, sensitivity.Public, store.PutOptions{SyncPending: true}))
	require.NoError(t, ts.Put(acme, "deals", store.Record{"id": "d-2", "stage": "won"}, sensitivity.Public, store.PutOptions{}))
	require.NoError(t, ts.Put(acme, "deals", store.Record{"id": "d-3", "stage": "open"}, sensitivity.Public, store.PutOptions{}))

	pending := true
	syncing, err := ts.GetAll(acme, "deals", &store.Filter{SyncPending: &pending})
	require.NoError(t, err)
	require.Len(t, syncing, 1)
	assert.Equal(t, "d-1", syncing[0]["id"])

	open, err := ts.GetAll(acme, "deals", &store.Filter{Where: func(r store.Record) bool { return r["stage"] == "open" }})
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestStore_ClearExpired(t *testing.T) {
	ctx := context.Background()
	ts, _ := NewTestingStore(ctx, t)
	acme := AsCaller(ctx, "acme", "u-1")
	globex := AsCaller(ctx, "globex", "u-9")

	past := time.Now().Add(-time.Minute)
	require.NoError(t, ts.Put(acme, "leads", store.Record{"id": "l-1"}, sensitivity.Public, store.PutOptions{ExpiresAt: past}))
	require.NoError(t, ts.Put(globex, "leads", store.Record{"id": "l-2"}, sensitivity.Public, store.PutOptions{ExpiresAt: past}))
	require.NoError(t, ts.Put(acme, "leads", store.Record{"id": "l-3"}, sensitivity.Public, store.PutOptions{TTL: time.Hour}))

	// Expired rows are invisible before the sweep.
	record, err := ts.GetByID(acme, "leads", "l-1")
	require.NoError(t, err)
	assert.Nil(t, record)

	removed, err := ts.ClearExpired(ctx, "leads")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	all, err := ts.GetAll(acme, "leads", nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "l-3", all[0]["id"])
}

func TestRecordID(t *testing.T) {
	id, ok := store.RecordID(store.Record{"id": float64(42)})
	assert.True(t, ok)
	assert.Equal(t, "42", id)

	_, ok = store.RecordID(store.Record{"name": "x"})
	assert.False(t, ok)

	_, ok = store.RecordID(store.Record{"id": ""})
	assert.False(t, ok)
}
