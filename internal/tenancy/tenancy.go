// Package tenancy carries the active (tenant, user) pair through a call chain.
package tenancy

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Caller identifies the tenant and user a cache or sync call is made for.
type Caller struct {
	TenantID string
	UserID   string
}

// Valid reports whether both halves of the pair are set.
func (c Caller) Valid() bool {
	return strings.TrimSpace(c.TenantID) != "" && strings.TrimSpace(c.UserID) != ""
}

type ctxKey struct{}

// WithCaller attaches the caller to ctx.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, caller)
}

// FromContext extracts the caller from ctx.
// The second result is false when no valid caller is attached.
func FromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	caller, ok := ctx.Value(ctxKey{}).(Caller)
	if !ok || !caller.Valid() {
		return Caller{}, false
	}
	return caller, true
}

// Claims is the JWT payload identifying a caller.
type Claims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	jwt.RegisteredClaims
}

// ErrInvalidToken is returned for tokens that fail verification or lack caller claims.
var ErrInvalidToken = errors.New("invalid caller token")

// ParseToken verifies an HS256 token and returns the caller it names.
func ParseToken(secret []byte, token string) (Caller, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Caller{}, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !parsed.Valid {
		return Caller{}, ErrInvalidToken
	}

	caller := Caller{TenantID: claims.TenantID, UserID: claims.UserID}
	if !caller.Valid() {
		return Caller{}, errors.Wrap(ErrInvalidToken, "missing tenant_id or user_id claim")
	}
	return caller, nil
}

// IssueToken signs an HS256 token for caller valid for ttl.
func IssueToken(secret []byte, caller Caller, ttl time.Duration) (string, error) {
	if !caller.Valid() {
		return "", errors.New("caller requires tenant and user")
	}
	now := time.Now()
	claims := Claims{
		TenantID: caller.TenantID,
		UserID:   caller.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign caller token")
	}
	return signed, nil
}
