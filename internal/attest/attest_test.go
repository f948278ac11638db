package attest_test

import (
	"strings"
	"testing"
	"time"

	"github.com/medchain-labs/healthmesh/internal/attest"
)

const issuer = "consent-ledger-test"

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newPair(t *testing.T) (*attest.Signer, *attest.Verifier) {
	t.Helper()
	key, err := attest.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	signer := attest.NewSigner(key, issuer)
	return signer, attest.NewVerifier(signer.PublicKey(), issuer)
}

func TestIssueVerify_roundTrip(t *testing.T) {
	signer, verifier := newPair(t)

	token, err := signer.Issue("consent-1", "did:health:p1", "did:health:r1",
		[]string{"lab_results"}, t0, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	claims, err := verifier.Verify(token, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if claims.ConsentID != "consent-1" {
		t.Errorf("consent_id %q", claims.ConsentID)
	}
	if claims.ConsumerDID != "did:health:r1" {
		t.Errorf("consumer_did %q", claims.ConsumerDID)
	}
	want := t0.Add(10 * time.Minute)
	if !claims.ValidUntil().Equal(want) {
		t.Errorf("valid_until %v, want %v", claims.ValidUntil(), want)
	}
}

func TestVerify_expiredAtClockTime(t *testing.T) {
	signer, verifier := newPair(t)

	token, err := signer.Issue("consent-1", "did:health:p1", "did:health:r1",
		[]string{"imaging"}, t0, t0.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	// Valid just inside the window, invalid just past it. Wall-clock time is
	// irrelevant: only the instant passed to Verify matters.
	if _, err := verifier.Verify(token, t0.Add(4*time.Minute)); err != nil {
		t.Fatalf("should be valid inside window: %v", err)
	}
	if _, err := verifier.Verify(token, t0.Add(6*time.Minute)); err == nil {
		t.Error("expected expiry error past valid_until")
	}
}

func TestVerify_rejectsForeignSigner(t *testing.T) {
	signer, _ := newPair(t)
	_, otherVerifier := newPair(t)

	token, err := signer.Issue("consent-1", "did:health:p1", "did:health:r1",
		nil, t0, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := otherVerifier.Verify(token, t0); err == nil {
		t.Error("expected signature verification failure with foreign key")
	}
}

func TestVerify_rejectsTamperedToken(t *testing.T) {
	signer, verifier := newPair(t)

	token, err := signer.Issue("consent-1", "did:health:p1", "did:health:r1",
		nil, t0, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := verifier.Verify(tampered, t0); err == nil {
		t.Error("expected failure for tampered payload")
	}
}

func TestIssue_emptyWindowRejected(t *testing.T) {
	signer, _ := newPair(t)
	if _, err := signer.Issue("consent-1", "did:health:p1", "did:health:r1",
		nil, t0, t0); err == nil {
		t.Error("expected error for empty validity window")
	}
}
