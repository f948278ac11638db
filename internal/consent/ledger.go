// Package consent implements the consent ledger: the identity registry,
// consent lifecycle, and attestation issuing.
//
// The ledger is a deterministic state machine. State transitions are
// serialized under one mutex, cross-ledger effects are returned as outbound
// messages, and every operation — success or denial — lands in the local
// audit trail.
package consent

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medchain-labs/healthmesh/internal/attest"
	"github.com/medchain-labs/healthmesh/internal/auditlog"
	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/internal/messenger"
	"github.com/medchain-labs/healthmesh/pkg/did"
	"go.uber.org/zap"
)

// Config holds consent ledger policy parameters.
type Config struct {
	// MaxAttestationWindow caps every attestation's validity regardless of
	// the requested window, bounding the blast radius of a replayed stale
	// attestation.
	MaxAttestationWindow time.Duration
}

// Ledger is the consent ledger state machine.
type Ledger struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	signer *attest.Signer
	audit  auditlog.Ledger
	inbox  *messenger.Inbox
	logger *zap.Logger

	identities map[string]*Identity
	consents   map[string]*Consent
}

// New creates a consent Ledger.
func New(cfg Config, clk clock.Clock, signer *attest.Signer, audit auditlog.Ledger, logger *zap.Logger) *Ledger {
	if cfg.MaxAttestationWindow <= 0 {
		cfg.MaxAttestationWindow = 15 * time.Minute
	}
	return &Ledger{
		cfg:        cfg,
		clock:      clk,
		signer:     signer,
		audit:      audit,
		inbox:      messenger.NewInbox(),
		logger:     logger,
		identities: make(map[string]*Identity),
		consents:   make(map[string]*Consent),
	}
}

// appendAudit writes an audit entry in a non-fatal manner.
func (l *Ledger) appendAudit(ctx context.Context, actor, action, subjectRef string, outcome auditlog.Outcome, reason string, payload any) {
	if _, err := l.audit.Append(ctx, l.clock.Now(), actor, action, subjectRef, outcome, reason, payload); err != nil {
		l.logger.Error("audit append failed (non-fatal)",
			zap.String("action", action),
			zap.String("subject_ref", subjectRef),
			zap.Error(err),
		)
	}
}

// RegisterIdentity creates a new Identity. The did is immutable once
// created.
func (l *Ledger) RegisterIdentity(ctx context.Context, didStr string, role Role, proof string) (*Identity, error) {
	if err := did.Validate(didStr); err != nil {
		return nil, fmt.Errorf("register identity: %w", err)
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("register identity: unknown role %q", role)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.identities[didStr]; ok {
		l.appendAudit(ctx, didStr, "identity.register", didStr, auditlog.OutcomeDenied, "duplicate identity", nil)
		return nil, ErrDuplicateIdentity
	}

	expected := RegistrationProof(didStr, role)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(proof)) != 1 {
		l.appendAudit(ctx, didStr, "identity.register", didStr, auditlog.OutcomeDenied, "invalid proof", nil)
		return nil, ErrInvalidProof
	}

	id := &Identity{
		DID:          didStr,
		Role:         role,
		State:        IdentityActive,
		RegisteredAt: l.clock.Now(),
	}
	l.identities[didStr] = id

	l.logger.Info("identity registered",
		zap.String("did", didStr),
		zap.String("role", string(role)),
	)
	l.appendAudit(ctx, didStr, "identity.register", didStr, auditlog.OutcomeOK, "", map[string]string{"role": string(role)})
	return id, nil
}

// GetIdentity returns a registered identity.
func (l *Ledger) GetIdentity(didStr string) (*Identity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.identities[didStr]
	if !ok {
		return nil, ErrUnknownIdentity
	}
	out := *id
	return &out, nil
}

// SuspendIdentity moves an identity to the suspended state. Only the
// identity owner may suspend. Suspended subjects cannot create consents.
func (l *Ledger) SuspendIdentity(ctx context.Context, didStr, callerDID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.identities[didStr]
	if !ok {
		return ErrUnknownIdentity
	}
	if callerDID != didStr {
		l.appendAudit(ctx, callerDID, "identity.suspend", didStr, auditlog.OutcomeDenied, "caller is not the identity owner", nil)
		return ErrNotOwner
	}
	id.State = IdentitySuspended
	l.appendAudit(ctx, callerDID, "identity.suspend", didStr, auditlog.OutcomeOK, "", nil)
	return nil
}

// CreateConsent records a new consent grant from subject to consumer.
// The caller must already be authenticated as subjectDID by the surface
// above this ledger.
func (l *Ledger) CreateConsent(ctx context.Context, subjectDID, consumerDID string, purpose Purpose, dataTypes []DataType, ttl time.Duration, termsHash string) (*Consent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	subject, ok := l.identities[subjectDID]
	if !ok {
		return nil, fmt.Errorf("subject: %w", ErrUnknownIdentity)
	}
	consumer, ok := l.identities[consumerDID]
	if !ok {
		return nil, fmt.Errorf("consumer: %w", ErrUnknownIdentity)
	}
	if subject.State != IdentityActive {
		l.appendAudit(ctx, subjectDID, "consent.create", "", auditlog.OutcomeDenied, "subject identity suspended", nil)
		return nil, ErrIdentitySuspended
	}
	if subject.Role != RolePatient {
		l.appendAudit(ctx, subjectDID, "consent.create", "", auditlog.OutcomeDenied, "subject is not a patient", nil)
		return nil, ErrInvalidSubject
	}
	if consumer.Role != RoleResearcher && consumer.Role != RoleInstitution {
		l.appendAudit(ctx, subjectDID, "consent.create", "", auditlog.OutcomeDenied, "consumer role not permitted", nil)
		return nil, ErrInvalidConsumer
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if len(dataTypes) == 0 {
		return nil, ErrNoDataTypes
	}

	now := l.clock.Now()
	c := &Consent{
		ConsentID:   uuid.New().String(),
		SubjectDID:  subjectDID,
		ConsumerDID: consumerDID,
		Purpose:     purpose,
		DataTypes:   append([]DataType(nil), dataTypes...),
		GrantedAt:   now,
		ExpiresAt:   now.Add(ttl),
		TermsHash:   termsHash,
	}
	l.consents[c.ConsentID] = c

	l.logger.Info("consent created",
		zap.String("consent_id", c.ConsentID),
		zap.String("subject", subjectDID),
		zap.String("consumer", consumerDID),
		zap.String("purpose", string(purpose)),
	)
	l.appendAudit(ctx, subjectDID, "consent.create", c.ConsentID, auditlog.OutcomeOK, "", map[string]any{
		"consumer":   consumerDID,
		"purpose":    string(purpose),
		"expires_at": c.ExpiresAt,
	})
	return c, nil
}

// RevokeConsent marks a consent revoked, irreversibly. Revoking an
// already-revoked consent fails with ErrAlreadyRevoked and does not reset
// revoked_at. On success the returned outbound notices fan the revocation
// out to the record and marketplace ledgers.
func (l *Ledger) RevokeConsent(ctx context.Context, consentID, callerDID string) ([]messenger.Outbound, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.consents[consentID]
	if !ok {
		return nil, ErrConsentNotFound
	}
	if c.SubjectDID != callerDID {
		l.appendAudit(ctx, callerDID, "consent.revoke", consentID, auditlog.OutcomeDenied, "caller is not the consent subject", nil)
		return nil, ErrNotOwner
	}
	if c.RevokedAt != nil {
		l.appendAudit(ctx, callerDID, "consent.revoke", consentID, auditlog.OutcomeDenied, "already revoked", nil)
		return nil, ErrAlreadyRevoked
	}

	now := l.clock.Now()
	c.RevokedAt = &now

	l.logger.Info("consent revoked",
		zap.String("consent_id", consentID),
		zap.String("subject", callerDID),
	)
	l.appendAudit(ctx, callerDID, "consent.revoke", consentID, auditlog.OutcomeOK, "", nil)

	notice := messenger.ConsentRevokedNoticePayload{
		ConsentID:  consentID,
		SubjectDID: c.SubjectDID,
		RevokedAt:  now,
	}
	return []messenger.Outbound{
		{Channel: messenger.ChConsentToRecord, Type: messenger.TypeConsentRevokedNotice, Payload: notice},
		{Channel: messenger.ChConsentToMarket, Type: messenger.TypeConsentRevokedNotice, Payload: notice},
	}, nil
}

// QueryConsentStatus is a pure read of a consent's status at the given
// instant.
func (l *Ledger) QueryConsentStatus(consentID string, at time.Time) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consents[consentID].StatusAt(at)
}

// GetConsent returns a copy of a consent record.
func (l *Ledger) GetConsent(consentID string) (*Consent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.consents[consentID]
	if !ok {
		return nil, ErrConsentNotFound
	}
	out := *c
	return &out, nil
}

// IssueAttestation produces a signed attestation for an active consent.
// The validity window is capped at min(requestedValidity, consent expiry,
// MaxAttestationWindow): an attestation can never outlive the consent it
// attests to.
func (l *Ledger) IssueAttestation(ctx context.Context, consentID string, requestedValidity time.Duration) (string, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issueAttestationLocked(ctx, consentID, requestedValidity)
}

func (l *Ledger) issueAttestationLocked(ctx context.Context, consentID string, requestedValidity time.Duration) (string, time.Time, error) {
	now := l.clock.Now()
	c := l.consents[consentID]
	status := c.StatusAt(now)
	if status != StatusActive {
		l.appendAudit(ctx, "system", "attestation.issue", consentID, auditlog.OutcomeDenied, "consent "+string(status), nil)
		return "", time.Time{}, fmt.Errorf("%w: status %s", ErrConsentNotActive, status)
	}

	if requestedValidity <= 0 || requestedValidity > l.cfg.MaxAttestationWindow {
		requestedValidity = l.cfg.MaxAttestationWindow
	}
	validUntil := now.Add(requestedValidity)
	if validUntil.After(c.ExpiresAt) {
		validUntil = c.ExpiresAt
	}

	dataTypes := make([]string, len(c.DataTypes))
	for i, dt := range c.DataTypes {
		dataTypes[i] = string(dt)
	}

	token, err := l.signer.Issue(c.ConsentID, c.SubjectDID, c.ConsumerDID, dataTypes, now, validUntil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue attestation for %s: %w", consentID, err)
	}

	l.appendAudit(ctx, "system", "attestation.issue", consentID, auditlog.OutcomeOK, "", map[string]any{"valid_until": validUntil})
	return token, validUntil, nil
}

// replyChannel maps an inbound query channel to its reply channel.
func replyChannel(inbound string) string {
	switch inbound {
	case messenger.ChMarketToConsent:
		return messenger.ChConsentToMarket
	case messenger.ChRecordToConsent:
		return messenger.ChConsentToRecord
	}
	return ""
}

// HandleMessage implements messenger.Handler. The consent ledger answers
// ConsentQuery messages; anything else on its channels is a protocol
// violation, logged and dropped without a state transition.
func (l *Ledger) HandleMessage(ctx context.Context, env *messenger.Envelope) ([]messenger.Outbound, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inbox.Duplicate(env) {
		return nil, nil
	}

	if env.Type != messenger.TypeConsentQuery {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped,
			fmt.Sprintf("unexpected message type %s", env.Type), nil)
		return nil, nil
	}

	var q messenger.ConsentQueryPayload
	if err := env.Decode(&q); err != nil {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped, "malformed consent query", nil)
		return nil, nil
	}

	reply := replyChannel(env.Channel)
	if reply == "" {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped, "query on unexpected channel", nil)
		return nil, nil
	}

	now := l.clock.Now()
	c := l.consents[q.ConsentID]
	status := c.StatusAt(now)

	resp := messenger.ConsentAttestationPayload{
		Ref:       q.Ref,
		ConsentID: q.ConsentID,
		Status:    string(status),
	}

	if status == StatusActive && c.ConsumerDID == q.ConsumerDID {
		token, validUntil, err := l.issueAttestationLocked(ctx, q.ConsentID, 0)
		if err == nil {
			resp.Attestation = token
			resp.ValidUntil = validUntil
			// A query from the record ledger is driven by a live access
			// attempt; count it against the consent's usage stats.
			if env.Channel == messenger.ChRecordToConsent {
				c.AccessCount++
				t := now
				c.LastAccessed = &t
			}
		}
	} else if status == StatusActive {
		// Active consent, but queried for the wrong consumer.
		resp.Status = string(StatusNotFound)
	}

	l.appendAudit(ctx, q.ConsumerDID, "consent.query", q.ConsentID,
		auditlog.OutcomeOK, "", map[string]string{"status": resp.Status, "ref": q.Ref})

	return []messenger.Outbound{{Channel: reply, Type: messenger.TypeConsentAttestation, Payload: resp}}, nil
}
