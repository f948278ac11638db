package record_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/medchain-labs/healthmesh/internal/attest"
	"github.com/medchain-labs/healthmesh/internal/auditlog"
	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/internal/messenger"
	"github.com/medchain-labs/healthmesh/internal/record"
	"go.uber.org/zap"
)

var (
	ctx = context.Background()
	t0  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

const (
	owner     = "did:health:patient-7f3a91"
	consumer  = "did:health:researcher-a1b2c3"
	pointer   = "ipfs://bafy-lab-results-001"
	consentID = "consent-0001"
)

type fixture struct {
	clk    *clock.Manual
	signer *attest.Signer
	ledger *record.Ledger
	seqs   map[string]uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := attest.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewManual(t0)
	signer := attest.NewSigner(key, "consent-ledger")
	verifier := attest.NewVerifier(signer.PublicKey(), "consent-ledger")
	l := record.New(clk, verifier, auditlog.NewMemory(t0), record.NewMemoryCache(clk), zap.NewNop())
	return &fixture{clk: clk, signer: signer, ledger: l, seqs: make(map[string]uint64)}
}

func (f *fixture) anchor(t *testing.T) {
	t.Helper()
	if _, err := f.ledger.AnchorRecord(ctx, pointer, owner, "lab_results", "kms://key-1"); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) attestation(t *testing.T, validFor time.Duration) string {
	t.Helper()
	now := f.clk.Now()
	token, err := f.signer.Issue(consentID, owner, consumer, []string{"lab_results"}, now, now.Add(validFor))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (f *fixture) deliver(t *testing.T, channel string, typ messenger.Type, payload any) []messenger.Outbound {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.seqs[channel]++
	outs, err := f.ledger.HandleMessage(ctx, &messenger.Envelope{
		Channel: channel, Seq: f.seqs[channel], Type: typ, Payload: raw,
	})
	if err != nil {
		t.Fatal(err)
	}
	return outs
}

func (f *fixture) requestAccess(t *testing.T, token string) []messenger.Outbound {
	t.Helper()
	return f.deliver(t, messenger.ChMarketToRecord, messenger.TypeAccessGrantRequest,
		messenger.AccessGrantRequestPayload{
			Ref:           "deal-1",
			RecordPointer: pointer,
			ConsumerDID:   consumer,
			ConsentID:     consentID,
			Attestation:   token,
		})
}

func (f *fixture) consentReply(t *testing.T, status string) []messenger.Outbound {
	t.Helper()
	return f.deliver(t, messenger.ChConsentToRecord, messenger.TypeConsentAttestation,
		messenger.ConsentAttestationPayload{Ref: "deal-1", ConsentID: consentID, Status: status})
}

func grantReply(t *testing.T, out messenger.Outbound) messenger.AccessGrantReplyPayload {
	t.Helper()
	if out.Channel != messenger.ChRecordToMarket || out.Type != messenger.TypeAccessGrantReply {
		t.Fatalf("unexpected outbound %s on %s", out.Type, out.Channel)
	}
	return out.Payload.(messenger.AccessGrantReplyPayload)
}

func TestAnchorRecord(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	if _, err := f.ledger.AnchorRecord(ctx, pointer, owner, "imaging", "kms://key-2"); !errors.Is(err, record.ErrDuplicatePointer) {
		t.Errorf("re-anchor: got %v", err)
	}
	if _, err := f.ledger.AnchorRecord(ctx, "ipfs://bafy-2", "not-a-did", "imaging", "kms://key-2"); err == nil {
		t.Error("anchor with malformed owner did succeeded")
	}
}

func TestRotateKey(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	if _, err := f.ledger.RotateKey(ctx, pointer, consumer, "kms://key-2"); !errors.Is(err, record.ErrNotOwner) {
		t.Errorf("non-owner rotate: got %v", err)
	}

	f.clk.Advance(time.Minute)
	r, err := f.ledger.RotateKey(ctx, pointer, owner, "kms://key-2")
	if err != nil {
		t.Fatal(err)
	}
	if r.KeyRef != "kms://key-2" || r.KeyRotatedAt == nil {
		t.Errorf("rotated record %+v", r)
	}
}

func TestGrantFlow_bothGuardsPass(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	outs := f.requestAccess(t, f.attestation(t, 10*time.Minute))
	if len(outs) != 1 || outs[0].Channel != messenger.ChRecordToConsent || outs[0].Type != messenger.TypeConsentQuery {
		t.Fatalf("expected live consent query, got %+v", outs)
	}

	outs = f.consentReply(t, "active")
	if len(outs) != 1 {
		t.Fatalf("expected grant reply, got %d outbounds", len(outs))
	}
	reply := grantReply(t, outs[0])
	if !reply.Granted || reply.GrantID == "" || reply.RecordPointer != pointer {
		t.Fatalf("reply %+v", reply)
	}

	g, err := f.ledger.GetGrant(reply.GrantID)
	if err != nil {
		t.Fatal(err)
	}
	if g.ConsumerDID != consumer || g.ConsentID != consentID {
		t.Errorf("grant %+v", g)
	}

	ok, err := f.ledger.CheckAccess(ctx, pointer, consumer)
	if err != nil || !ok {
		t.Errorf("CheckAccess = %v, %v", ok, err)
	}
}

func TestGrantFlow_forgedAttestationDeniedImmediately(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	foreignKey, err := attest.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	forged, err := attest.NewSigner(foreignKey, "consent-ledger").
		Issue(consentID, owner, consumer, []string{"lab_results"}, t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	outs := f.requestAccess(t, forged)
	if len(outs) != 1 {
		t.Fatalf("expected immediate denial, got %d outbounds", len(outs))
	}
	if reply := grantReply(t, outs[0]); reply.Granted {
		t.Error("forged attestation was granted")
	}
}

func TestGrantFlow_uncoveredDataTypeDenied(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	now := f.clk.Now()
	token, err := f.signer.Issue(consentID, owner, consumer, []string{"imaging"}, now, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	outs := f.requestAccess(t, token)
	if reply := grantReply(t, outs[0]); reply.Granted {
		t.Error("attestation for a different data type was granted")
	}
}

func TestGrantFlow_staleAttestationFailsLiveCheck(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	outs := f.requestAccess(t, f.attestation(t, time.Hour))
	if len(outs) != 1 || outs[0].Type != messenger.TypeConsentQuery {
		t.Fatalf("guard one should have passed: %+v", outs)
	}

	// The attestation is still within its window, but the consent has been
	// revoked in the meantime. The live status check must win.
	outs = f.consentReply(t, "revoked")
	reply := grantReply(t, outs[0])
	if reply.Granted {
		t.Fatal("grant issued against revoked consent")
	}

	if ok, _ := f.ledger.CheckAccess(ctx, pointer, consumer); ok {
		t.Error("CheckAccess true after denial")
	}
}

func TestGrantFlow_attestationExpiresBetweenGuards(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	f.requestAccess(t, f.attestation(t, 5*time.Minute))
	f.clk.Advance(10 * time.Minute)

	outs := f.consentReply(t, "active")
	if reply := grantReply(t, outs[0]); reply.Granted {
		t.Error("expired attestation was granted at the second guard")
	}
}

func TestGrantFlow_duplicateConsentReplyIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	f.requestAccess(t, f.attestation(t, time.Hour))
	first := f.consentReply(t, "active")
	second := f.consentReply(t, "active")

	if len(first) != 1 || !grantReply(t, first[0]).Granted {
		t.Fatalf("first reply: %+v", first)
	}
	if len(second) != 0 {
		t.Errorf("retransmitted consent reply produced %d outbounds, want 0", len(second))
	}
}

func (f *fixture) grant(t *testing.T, validFor time.Duration) string {
	t.Helper()
	f.requestAccess(t, f.attestation(t, validFor))
	reply := grantReply(t, f.consentReply(t, "active")[0])
	if !reply.Granted {
		t.Fatal("setup grant failed")
	}
	return reply.GrantID
}

func TestReadGrant_returnsCurrentKeyRef(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)
	grantID := f.grant(t, time.Hour)

	p, keyRef, err := f.ledger.ReadGrant(ctx, grantID, consumer)
	if err != nil {
		t.Fatal(err)
	}
	if p != pointer || keyRef != "kms://key-1" {
		t.Fatalf("read grant: %s %s", p, keyRef)
	}

	// A key rotation must show through on the next read.
	if _, err := f.ledger.RotateKey(ctx, pointer, owner, "kms://key-2"); err != nil {
		t.Fatal(err)
	}
	if _, keyRef, _ = f.ledger.ReadGrant(ctx, grantID, consumer); keyRef != "kms://key-2" {
		t.Errorf("key ref after rotation %s, want kms://key-2", keyRef)
	}
}

func TestReadGrant_onlyTheGrantee(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)
	grantID := f.grant(t, time.Hour)

	if _, _, err := f.ledger.ReadGrant(ctx, grantID, owner); !errors.Is(err, record.ErrNotGrantee) {
		t.Errorf("owner read of consumer grant: got %v", err)
	}
	if _, _, err := f.ledger.ReadGrant(ctx, "no-such-grant", consumer); !errors.Is(err, record.ErrGrantNotFound) {
		t.Errorf("unknown grant: got %v", err)
	}
}

func TestReadGrant_expiredAndVoidedGrantsYieldNothing(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)
	grantID := f.grant(t, 5*time.Minute)

	f.clk.Advance(6 * time.Minute)
	if _, _, err := f.ledger.ReadGrant(ctx, grantID, consumer); !errors.Is(err, record.ErrGrantExpired) {
		t.Errorf("expired grant: got %v", err)
	}

	f2 := newFixture(t)
	f2.anchor(t)
	voided := f2.grant(t, time.Hour)
	f2.deliver(t, messenger.ChConsentToRecord, messenger.TypeConsentRevokedNotice,
		messenger.ConsentRevokedNoticePayload{ConsentID: consentID, SubjectDID: owner, RevokedAt: f2.clk.Now()})
	if _, _, err := f2.ledger.ReadGrant(ctx, voided, consumer); !errors.Is(err, record.ErrGrantExpired) {
		t.Errorf("voided grant: got %v", err)
	}
}

func TestRevokedNoticeVoidsGrantsAndPending(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	f.requestAccess(t, f.attestation(t, time.Hour))
	reply := grantReply(t, f.consentReply(t, "active")[0])
	if !reply.Granted {
		t.Fatal("setup grant failed")
	}

	outs := f.deliver(t, messenger.ChConsentToRecord, messenger.TypeConsentRevokedNotice,
		messenger.ConsentRevokedNoticePayload{ConsentID: consentID, SubjectDID: owner, RevokedAt: f.clk.Now()})
	if len(outs) != 0 {
		t.Fatalf("no pending requests, expected no denials, got %d", len(outs))
	}

	if ok, _ := f.ledger.CheckAccess(ctx, pointer, consumer); ok {
		t.Error("access survived consent revocation")
	}
	g, err := f.ledger.GetGrant(reply.GrantID)
	if err != nil {
		t.Fatal(err)
	}
	if g.VoidedAt == nil {
		t.Error("grant not voided")
	}
}

func TestRevokedNoticeDeniesPendingRequest(t *testing.T) {
	f := newFixture(t)
	f.anchor(t)

	f.requestAccess(t, f.attestation(t, time.Hour))

	outs := f.deliver(t, messenger.ChConsentToRecord, messenger.TypeConsentRevokedNotice,
		messenger.ConsentRevokedNoticePayload{ConsentID: consentID, SubjectDID: owner, RevokedAt: f.clk.Now()})

	if len(outs) != 1 {
		t.Fatalf("expected one denial for the pending request, got %d", len(outs))
	}
	if reply := grantReply(t, outs[0]); reply.Granted {
		t.Error("pending request granted despite revocation")
	}

	// The late consent reply finds no pending request and is dropped.
	if late := f.consentReply(t, "active"); len(late) != 0 {
		t.Errorf("late consent reply produced %d outbounds", len(late))
	}
}
