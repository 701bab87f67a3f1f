package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoreError_Format(t *testing.T) {
	err := StorageUnavailable("write pending operation", stderrors.New("database is locked"))
	assert.Equal(t, "[STORAGE_UNAVAILABLE] write pending operation: database is locked", err.Error())

	bare := CriticalRejected("refusing to store CRITICAL record")
	assert.Equal(t, "[CRITICAL_REJECTED] refusing to store CRITICAL record", bare.Error())
}

func TestIsCode_Wrapped(t *testing.T) {
	inner := DecryptionFailed("open blob", stderrors.New("message authentication failed"))
	wrapped := fmt.Errorf("get record: %w", inner)

	assert.True(t, IsCode(wrapped, ErrCodeDecryptionFailed))
	assert.False(t, IsCode(wrapped, ErrCodeStorageCorrupt))
	assert.ErrorIs(t, wrapped, inner)
}

func TestGetCodeFromError_Default(t *testing.T) {
	assert.Equal(t, ErrCodeInvalidArgument, GetCodeFromError(stderrors.New("plain"), ErrCodeInvalidArgument))
	assert.Equal(t, ErrCodeMissingContext, GetCodeFromError(MissingContext(), ErrCodeInvalidArgument))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", StorageUnavailable("busy", nil), true},
		{"corrupt", StorageCorrupt("bad json", nil), false},
		{"sync failure", SyncOperationFailed("op-1", stderrors.New("503")), true},
		{"plain error", stderrors.New("connection reset"), true},
		{"critical", CriticalRejected("nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestWithContext(t *testing.T) {
	err := SecurityViolation("tenant mismatch").
		WithContext("tenant_id", "acme").
		WithContext("type", "tenant_mismatch")

	assert.Equal(t, "acme", err.Context["tenant_id"])
	assert.Equal(t, ErrCodeSecurityViolation, err.GetCode())
}
