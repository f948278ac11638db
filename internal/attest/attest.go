// Package attest issues and verifies consent attestations.
//
// An attestation is a signed, time-bounded claim produced by the consent
// ledger and consumed by the record ledger. It is a message payload, not
// ledger state: its validity window is independent of (and never exceeds)
// the underlying consent's expiry, which bounds the staleness window of any
// single replayed attestation.
//
// Attestations are RS256 JWTs. Verification time comes from the caller so
// that expiry decisions follow the substrate clock, never wall-clock time.
package attest

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the JWT claims of a consent attestation.
type Claims struct {
	jwt.RegisteredClaims
	ConsentID   string   `json:"consent_id"`
	SubjectDID  string   `json:"subject_did"`
	ConsumerDID string   `json:"consumer_did"`
	DataTypes   []string `json:"data_types"`
}

// ValidUntil returns the attestation expiry.
func (c *Claims) ValidUntil() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Signer signs attestations with the consent ledger's RSA key.
type Signer struct {
	key    *rsa.PrivateKey
	issuer string
}

// NewSigner creates a Signer. issuer is the "iss" claim value identifying
// the consent ledger instance.
func NewSigner(key *rsa.PrivateKey, issuer string) *Signer {
	return &Signer{key: key, issuer: issuer}
}

// PublicKey returns the verification key for distribution to peer ledgers.
func (s *Signer) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

// Issue creates a signed attestation for the given consent, valid from
// issuedAt until validUntil.
func (s *Signer) Issue(consentID, subjectDID, consumerDID string, dataTypes []string, issuedAt, validUntil time.Time) (string, error) {
	if !validUntil.After(issuedAt) {
		return "", fmt.Errorf("attestation validity window is empty")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   consumerDID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(validUntil),
			ID:        uuid.New().String(),
		},
		ConsentID:   consentID,
		SubjectDID:  subjectDID,
		ConsumerDID: consumerDID,
		DataTypes:   dataTypes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return signed, nil
}

// Verifier validates attestations against the consent ledger's public key.
// This is the first of the record ledger's two independent guards; the
// second is the live consent status re-query.
type Verifier struct {
	pub    *rsa.PublicKey
	issuer string
}

// NewVerifier creates a Verifier bound to the known consent ledger key.
func NewVerifier(pub *rsa.PublicKey, issuer string) *Verifier {
	return &Verifier{pub: pub, issuer: issuer}
}

// Verify parses and validates an attestation at the given instant.
// It checks the signature, issuer, and that now is within the validity
// window. Returns the claims on success.
func (v *Verifier) Verify(tokenStr string, now time.Time) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return v.pub, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("verify attestation: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid attestation claims")
	}
	return claims, nil
}

// GenerateKey creates a fresh RSA signing key. Used by the daemon on first
// start and by tests; durable key storage is the substrate's concern.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate attestation key: %w", err)
	}
	return key, nil
}
