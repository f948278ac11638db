// Package auth issues and checks DID-bound API keys for the HTTP surface.
// The secret is returned once at issue time; only its bcrypt hash is kept.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/pkg/did"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyRevoked  = errors.New("api key revoked")
	ErrBadSecret   = errors.New("api key secret mismatch")
)

// APIKey binds a key id to a DID. The secret hash never leaves the store.
type APIKey struct {
	KeyID      string
	DID        string
	secretHash []byte
	IssuedAt   time.Time
	RevokedAt  *time.Time
}

// Keychain stores API keys in memory. Durable storage is wired above this
// type by the substrate.
type Keychain struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *zap.Logger
	keys   map[string]*APIKey
}

func NewKeychain(clk clock.Clock, logger *zap.Logger) *Keychain {
	return &Keychain{clock: clk, logger: logger, keys: make(map[string]*APIKey)}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue mints a new key for the DID and returns the key id and the
// plaintext secret. The secret is not recoverable afterwards.
func (k *Keychain) Issue(_ context.Context, didStr string) (keyID, secret string, err error) {
	if err := did.Validate(didStr); err != nil {
		return "", "", fmt.Errorf("issue api key: %w", err)
	}
	keyID, err = randomHex(8)
	if err != nil {
		return "", "", err
	}
	secret, err = randomHex(24)
	if err != nil {
		return "", "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key secret: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = &APIKey{
		KeyID:      keyID,
		DID:        didStr,
		secretHash: hash,
		IssuedAt:   k.clock.Now(),
	}
	k.logger.Info("api key issued", zap.String("key_id", keyID), zap.String("did", didStr))
	return keyID, secret, nil
}

// Authenticate checks a key id and secret and returns the bound DID.
func (k *Keychain) Authenticate(_ context.Context, keyID, secret string) (string, error) {
	k.mu.Lock()
	key, ok := k.keys[keyID]
	k.mu.Unlock()

	if !ok {
		// Unknown and wrong keys take the same time to reject.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(secret))
		return "", ErrKeyNotFound
	}
	if key.RevokedAt != nil {
		return "", ErrKeyRevoked
	}
	if err := bcrypt.CompareHashAndPassword(key.secretHash, []byte(secret)); err != nil {
		return "", ErrBadSecret
	}
	return key.DID, nil
}

// Revoke invalidates a key. Revocation is permanent.
func (k *Keychain) Revoke(_ context.Context, keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, ok := k.keys[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	if key.RevokedAt == nil {
		now := k.clock.Now()
		key.RevokedAt = &now
		k.logger.Info("api key revoked", zap.String("key_id", keyID), zap.String("did", key.DID))
	}
	return nil
}
