package tenancy

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	t.Run("Missing", func(t *testing.T) {
		_, ok := FromContext(context.Background())
		assert.False(t, ok)
	})

	t.Run("Incomplete", func(t *testing.T) {
		ctx := WithCaller(context.Background(), Caller{TenantID: "acme"})
		_, ok := FromContext(ctx)
		assert.False(t, ok)
	})

	t.Run("Present", func(t *testing.T) {
		ctx := WithCaller(context.Background(), Caller{TenantID: "acme", UserID: "u-1"})
		caller, ok := FromContext(ctx)
		require.True(t, ok)
		assert.Equal(t, "acme", caller.TenantID)
		assert.Equal(t, "u-1", caller.UserID)
	})
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("diag-secret")
	token, err := IssueToken(secret, Caller{TenantID: "acme", UserID: "u-1"}, time.Minute)
	require.NoError(t, err)

	caller, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, Caller{TenantID: "acme", UserID: "u-1"}, caller)
}

func TestParseToken_Rejects(t *testing.T) {
	secret := []byte("diag-secret")

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := IssueToken([]byte("other"), Caller{TenantID: "acme", UserID: "u-1"}, time.Minute)
		require.NoError(t, err)

		_, err = ParseToken(secret, token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("Expired", func(t *testing.T) {
		token, err := IssueToken(secret, Caller{TenantID: "acme", UserID: "u-1"}, -time.Minute)
		require.NoError(t, err)

		_, err = ParseToken(secret, token)
		assert.Error(t, err)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := ParseToken(secret, "not-a-token")
		assert.Error(t, err)
	})
}
