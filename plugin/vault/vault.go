// Package vault derives per-tenant, per-user keys and seals payloads with them.
// Keys live only in process memory.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
)

// KeySize is the derived key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Key is a derived symmetric key.
type Key [KeySize]byte

// Config controls key derivation.
type Config struct {
	Iterations int
	Salt       string
}

// Provider derives and memoises keys and encrypts with XChaCha20-Poly1305.
type Provider struct {
	iterations int
	salt       []byte
	keys       sync.Map // map[string]Key
}

// NewProvider creates a provider.
func NewProvider(cfg Config) *Provider {
	if cfg.Iterations <= 0 {
		cfg.Iterations = 100000
	}
	return &Provider{
		iterations: cfg.Iterations,
		salt:       []byte(cfg.Salt),
	}
}

// DeriveKey returns the key for (tenantID, userID). The same pair always yields the same key.
func (p *Provider) DeriveKey(tenantID, userID string) Key {
	id := tenantID + "\x00" + userID
	if cached, ok := p.keys.Load(id); ok {
		return cached.(Key)
	}

	var key Key
	copy(key[:], pbkdf2.Key([]byte(id), p.salt, p.iterations, KeySize, sha256.New))
	actual, _ := p.keys.LoadOrStore(id, key)
	return actual.(Key)
}

// Encrypt seals plaintext under key. The random nonce is prepended to the blob.
func (p *Provider) Encrypt(key Key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.ErrCodeInvalidArgument, "invalid key")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.ErrCodeStorageUnavailable, "failed to read nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Short blobs and authentication
// failures (including a key of another tenant or user) are DECRYPTION_FAILED.
func (p *Provider) Decrypt(key Key, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, coreerrors.DecryptionFailed("invalid key", err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, coreerrors.DecryptionFailed("ciphertext too short", nil)
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, coreerrors.DecryptionFailed("authentication failed", err)
	}
	return plaintext, nil
}

// Cipher is encryption bound to a tenant and user.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// For returns a Cipher bound to (tenantID, userID).
func (p *Provider) For(tenantID, userID string) Cipher {
	return &boundCipher{provider: p, key: p.DeriveKey(tenantID, userID)}
}

type boundCipher struct {
	provider *Provider
	key      Key
}

func (b *boundCipher) Encrypt(plaintext []byte) ([]byte, error) {
	return b.provider.Encrypt(b.key, plaintext)
}

func (b *boundCipher) Decrypt(blob []byte) ([]byte, error) {
	return b.provider.Decrypt(b.key, blob)
}
