package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medchain-labs/healthmesh/internal/auth"
	"github.com/medchain-labs/healthmesh/internal/clock"
	"go.uber.org/zap"
)

var ctx = context.Background()

const owner = "did:health:patient-7f3a91"

func newKeychain() *auth.Keychain {
	return auth.NewKeychain(clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)), zap.NewNop())
}

func TestIssueAndAuthenticate(t *testing.T) {
	k := newKeychain()

	keyID, secret, err := k.Issue(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if keyID == "" || secret == "" {
		t.Fatalf("empty credentials: %q / %q", keyID, secret)
	}

	got, err := k.Authenticate(ctx, keyID, secret)
	if err != nil {
		t.Fatal(err)
	}
	if got != owner {
		t.Errorf("authenticated as %s", got)
	}

	if _, err := k.Authenticate(ctx, keyID, "not-the-secret"); !errors.Is(err, auth.ErrBadSecret) {
		t.Errorf("wrong secret: got %v", err)
	}
	if _, err := k.Authenticate(ctx, "no-such-key", secret); !errors.Is(err, auth.ErrKeyNotFound) {
		t.Errorf("unknown key: got %v", err)
	}
	if _, _, err := k.Issue(ctx, "not-a-did"); err == nil {
		t.Error("issue for malformed did succeeded")
	}
}

func TestRevoke(t *testing.T) {
	k := newKeychain()

	keyID, secret, err := k.Issue(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Revoke(ctx, keyID); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Authenticate(ctx, keyID, secret); !errors.Is(err, auth.ErrKeyRevoked) {
		t.Errorf("revoked key authenticated: %v", err)
	}
	// Revoking twice is a no-op, not an error.
	if err := k.Revoke(ctx, keyID); err != nil {
		t.Errorf("second revoke: %v", err)
	}
	if err := k.Revoke(ctx, "no-such-key"); !errors.Is(err, auth.ErrKeyNotFound) {
		t.Errorf("revoke unknown: got %v", err)
	}
}
