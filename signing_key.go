package cardsync

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SigningKeySize is the HMAC-SHA256 key size in bytes.
	SigningKeySize = 32
	// SigningKeySaltSize is the salt size for credential-derived keys.
	SigningKeySaltSize = 32
	// SigningKeyPBKDF2Iterations is the iteration count for key derivation.
	SigningKeyPBKDF2Iterations = 100000
)

// SigningKey is the persisted signing-key record. Exactly one record is
// stored per scope alongside the collection blob.
type SigningKey struct {
	Key       []byte `json:"key"`
	Version   int    `json:"version"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Expired reports whether the key has an expiry in the past.
func (k *SigningKey) Expired(now time.Time) bool {
	return k.ExpiresAt > 0 && now.UnixMilli() >= k.ExpiresAt
}

// GenerateSigningKey creates a random signing key with the given version.
func GenerateSigningKey(version int, expiry time.Time) (*SigningKey, error) {
	key := make([]byte, SigningKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	k := &SigningKey{Key: key, Version: version}
	if !expiry.IsZero() {
		k.ExpiresAt = expiry.UnixMilli()
	}
	return k, nil
}

// DeriveSigningKey derives a signing key from a user credential and salt via
// PBKDF2-SHA256. Used when the key must be reconstructable on a fresh device
// before the authority has issued one.
func DeriveSigningKey(credential string, salt []byte, version int) (*SigningKey, error) {
	if credential == "" {
		return nil, errors.New("credential must not be empty")
	}
	if len(salt) != SigningKeySaltSize {
		return nil, errors.New("invalid salt size")
	}
	key := pbkdf2.Key([]byte(credential), salt, SigningKeyPBKDF2Iterations, SigningKeySize, sha256.New)
	return &SigningKey{Key: key, Version: version}, nil
}

// NewSigningKeySalt returns a fresh random salt for DeriveSigningKey.
func NewSigningKeySalt() ([]byte, error) {
	salt := make([]byte, SigningKeySaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
