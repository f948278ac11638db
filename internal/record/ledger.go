// Package record implements the record ledger: anchored data pointers,
// key references, and consent-gated access grants.
//
// Access passes two independent guards. The first verifies the signed
// attestation presented with the request. The second re-queries the consent
// ledger for the live consent status and only issues the grant when the
// answer comes back active. A forged attestation fails the first guard; a
// stale one fails the second.
package record

import (
	"context"
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

// pendingGrant is an access request that passed the attestation guard and
// is waiting on the live consent status reply.
type pendingGrant struct {
	ref       string
	pointer   string
	consentID string
	claims    *attest.Claims
	since     time.Time
}

// Ledger is the record ledger state machine.
type Ledger struct {
	mu       sync.Mutex
	clock    clock.Clock
	verifier *attest.Verifier
	audit    auditlog.Ledger
	inbox    *messenger.Inbox
	cache    DecisionCache
	logger   *zap.Logger

	records map[string]*Record              // pointer -> record
	grants  map[string]*AccessGrant         // grant id -> grant
	byCons  map[string]map[string]struct{}  // consent id -> grant ids
	pending map[string]*pendingGrant        // ref -> pending request
}

// New creates a record Ledger. verifier holds the consent ledger's public
// attestation key.
func New(clk clock.Clock, verifier *attest.Verifier, audit auditlog.Ledger, cache DecisionCache, logger *zap.Logger) *Ledger {
	return &Ledger{
		clock:    clk,
		verifier: verifier,
		audit:    audit,
		inbox:    messenger.NewInbox(),
		cache:    cache,
		logger:   logger,
		records:  make(map[string]*Record),
		grants:   make(map[string]*AccessGrant),
		byCons:   make(map[string]map[string]struct{}),
		pending:  make(map[string]*pendingGrant),
	}
}

func (l *Ledger) appendAudit(ctx context.Context, actor, action, subjectRef string, outcome auditlog.Outcome, reason string, payload any) {
	if _, err := l.audit.Append(ctx, l.clock.Now(), actor, action, subjectRef, outcome, reason, payload); err != nil {
		l.logger.Error("audit append failed (non-fatal)",
			zap.String("action", action),
			zap.String("subject_ref", subjectRef),
			zap.Error(err),
		)
	}
}

// AnchorRecord registers a data pointer under its owner. Pointers are
// unique and immutable once anchored.
func (l *Ledger) AnchorRecord(ctx context.Context, pointer, ownerDID, dataType, keyRef string) (*Record, error) {
	if err := did.Validate(ownerDID); err != nil {
		return nil, fmt.Errorf("anchor record: %w", err)
	}
	if pointer == "" || keyRef == "" {
		return nil, fmt.Errorf("anchor record: pointer and key_ref are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[pointer]; ok {
		l.appendAudit(ctx, ownerDID, "record.anchor", pointer, auditlog.OutcomeDenied, "duplicate pointer", nil)
		return nil, ErrDuplicatePointer
	}

	r := &Record{
		Pointer:    pointer,
		OwnerDID:   ownerDID,
		DataType:   dataType,
		KeyRef:     keyRef,
		AnchoredAt: l.clock.Now(),
	}
	l.records[pointer] = r

	l.logger.Info("record anchored",
		zap.String("pointer", pointer),
		zap.String("owner", ownerDID),
		zap.String("data_type", dataType),
	)
	l.appendAudit(ctx, ownerDID, "record.anchor", pointer, auditlog.OutcomeOK, "", map[string]string{"data_type": dataType})
	return r, nil
}

// RotateKey replaces a record's key reference. Existing grants keep their
// validity; readers pick up the new reference on their next access.
func (l *Ledger) RotateKey(ctx context.Context, pointer, callerDID, newKeyRef string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[pointer]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if r.OwnerDID != callerDID {
		l.appendAudit(ctx, callerDID, "record.rotate_key", pointer, auditlog.OutcomeDenied, "caller is not the record owner", nil)
		return nil, ErrNotOwner
	}
	if newKeyRef == "" {
		return nil, fmt.Errorf("rotate key: key_ref is required")
	}

	now := l.clock.Now()
	r.KeyRef = newKeyRef
	r.KeyRotatedAt = &now

	l.appendAudit(ctx, callerDID, "record.rotate_key", pointer, auditlog.OutcomeOK, "", nil)
	out := *r
	return &out, nil
}

// GetRecord returns a copy of an anchored record.
func (l *Ledger) GetRecord(pointer string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[pointer]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := *r
	return &out, nil
}

// GetGrant returns a copy of an access grant.
func (l *Ledger) GetGrant(grantID string) (*AccessGrant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.grants[grantID]
	if !ok {
		return nil, ErrGrantNotFound
	}
	out := *g
	return &out, nil
}

// ReadGrant redeems an access grant: it returns the record pointer and the
// current key reference, but only to the grantee and only while the grant
// is live. A voided or expired grant yields ErrGrantExpired; the key
// reference is never disclosed on any other path.
func (l *Ledger) ReadGrant(ctx context.Context, grantID, callerDID string) (pointer, keyRef string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.grants[grantID]
	if !ok {
		return "", "", ErrGrantNotFound
	}
	if g.ConsumerDID != callerDID {
		l.appendAudit(ctx, callerDID, "access.read", g.Pointer, auditlog.OutcomeDenied,
			"caller is not the grantee", map[string]string{"grant_id": grantID})
		return "", "", ErrNotGrantee
	}
	if !g.ActiveAt(l.clock.Now()) {
		l.appendAudit(ctx, callerDID, "access.read", g.Pointer, auditlog.OutcomeDenied,
			ErrGrantExpired.Error(), map[string]string{"grant_id": grantID})
		return "", "", ErrGrantExpired
	}

	r, ok := l.records[g.Pointer]
	if !ok {
		return "", "", ErrRecordNotFound
	}

	l.appendAudit(ctx, callerDID, "access.read", g.Pointer, auditlog.OutcomeOK, "",
		map[string]string{"grant_id": grantID})
	return r.Pointer, r.KeyRef, nil
}

func cacheKey(pointer, consumerDID string) string {
	return pointer + "|" + consumerDID
}

// CheckAccess reports whether consumerDID currently holds a live grant for
// the record. Positive decisions are served from the cache when present.
func (l *Ledger) CheckAccess(ctx context.Context, pointer, consumerDID string) (bool, error) {
	if _, hit, err := l.cache.Get(ctx, cacheKey(pointer, consumerDID)); err != nil {
		l.logger.Warn("decision cache read failed, falling back to grants", zap.Error(err))
	} else if hit {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for _, g := range l.grants {
		if g.Pointer == pointer && g.ConsumerDID == consumerDID && g.ActiveAt(now) {
			return true, nil
		}
	}
	return false, nil
}

// attestationGuard is the first access guard: the presented attestation
// must be authentic, unexpired, bound to the requesting consumer and the
// named consent, and cover the record's data type.
func (l *Ledger) attestationGuard(req *messenger.AccessGrantRequestPayload, now time.Time) (*attest.Claims, error) {
	r, ok := l.records[req.RecordPointer]
	if !ok {
		return nil, ErrRecordNotFound
	}

	claims, err := l.verifier.Verify(req.Attestation, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
	}
	if claims.ConsentID != req.ConsentID || claims.ConsumerDID != req.ConsumerDID {
		return nil, fmt.Errorf("%w: attestation bound to a different consent or consumer", ErrAttestationInvalid)
	}

	covered := false
	for _, dt := range claims.DataTypes {
		if dt == "all" || dt == r.DataType {
			covered = true
			break
		}
	}
	if !covered {
		return nil, ErrDataTypeNotCovered
	}
	return claims, nil
}

func denyReply(ref, pointer, reason string) messenger.Outbound {
	return messenger.Outbound{
		Channel: messenger.ChRecordToMarket,
		Type:    messenger.TypeAccessGrantReply,
		Payload: messenger.AccessGrantReplyPayload{
			Ref:           ref,
			Granted:       false,
			RecordPointer: pointer,
			Reason:        reason,
		},
	}
}

// handleGrantRequest runs guard one and, on success, suspends the request
// while the live consent status is fetched from the consent ledger.
func (l *Ledger) handleGrantRequest(ctx context.Context, env *messenger.Envelope) ([]messenger.Outbound, error) {
	var req messenger.AccessGrantRequestPayload
	if err := env.Decode(&req); err != nil {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped, "malformed access grant request", nil)
		return nil, nil
	}

	now := l.clock.Now()
	claims, err := l.attestationGuard(&req, now)
	if err != nil {
		l.appendAudit(ctx, req.ConsumerDID, "access.request", req.RecordPointer,
			auditlog.OutcomeDenied, err.Error(), map[string]string{"ref": req.Ref})
		return []messenger.Outbound{denyReply(req.Ref, req.RecordPointer, err.Error())}, nil
	}

	l.pending[req.Ref] = &pendingGrant{
		ref:       req.Ref,
		pointer:   req.RecordPointer,
		consentID: req.ConsentID,
		claims:    claims,
		since:     now,
	}

	l.appendAudit(ctx, req.ConsumerDID, "access.request", req.RecordPointer,
		auditlog.OutcomeOK, "attestation verified, awaiting live consent status", map[string]string{"ref": req.Ref})

	return []messenger.Outbound{{
		Channel: messenger.ChRecordToConsent,
		Type:    messenger.TypeConsentQuery,
		Payload: messenger.ConsentQueryPayload{
			Ref:         req.Ref,
			ConsentID:   req.ConsentID,
			ConsumerDID: req.ConsumerDID,
		},
	}}, nil
}

// handleConsentReply runs guard two: the live consent status must be
// active and the attestation must still be within its window. Only then is
// the grant issued.
func (l *Ledger) handleConsentReply(ctx context.Context, env *messenger.Envelope) ([]messenger.Outbound, error) {
	var resp messenger.ConsentAttestationPayload
	if err := env.Decode(&resp); err != nil {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped, "malformed consent attestation", nil)
		return nil, nil
	}

	p, ok := l.pending[resp.Ref]
	if !ok {
		// Either a duplicate reply for an already-settled request or a
		// reply we never asked for. Both are safe to drop.
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped,
			"consent reply with no pending request", map[string]string{"ref": resp.Ref})
		return nil, nil
	}
	delete(l.pending, resp.Ref)

	now := l.clock.Now()
	consumer := p.claims.ConsumerDID

	if resp.Status != "active" || resp.ConsentID != p.consentID {
		reason := "live consent status " + resp.Status
		l.appendAudit(ctx, consumer, "access.grant", p.pointer, auditlog.OutcomeDenied, reason, map[string]string{"ref": p.ref})
		return []messenger.Outbound{denyReply(p.ref, p.pointer, reason)}, nil
	}
	if now.After(p.claims.ValidUntil()) {
		l.appendAudit(ctx, consumer, "access.grant", p.pointer, auditlog.OutcomeDenied,
			ErrAttestationExpired.Error(), map[string]string{"ref": p.ref})
		return []messenger.Outbound{denyReply(p.ref, p.pointer, ErrAttestationExpired.Error())}, nil
	}

	g := &AccessGrant{
		GrantID:               uuid.New().String(),
		Pointer:               p.pointer,
		ConsumerDID:           consumer,
		ConsentID:             p.consentID,
		AttestationValidUntil: p.claims.ValidUntil(),
		IssuedAt:              now,
	}
	l.grants[g.GrantID] = g
	if l.byCons[g.ConsentID] == nil {
		l.byCons[g.ConsentID] = make(map[string]struct{})
	}
	l.byCons[g.ConsentID][g.GrantID] = struct{}{}

	ttl := g.AttestationValidUntil.Sub(now)
	if err := l.cache.Set(ctx, cacheKey(g.Pointer, consumer), g.GrantID, ttl); err != nil {
		l.logger.Warn("decision cache write failed", zap.Error(err))
	}

	l.logger.Info("access granted",
		zap.String("grant_id", g.GrantID),
		zap.String("pointer", g.Pointer),
		zap.String("consumer", consumer),
		zap.Time("valid_until", g.AttestationValidUntil),
	)
	l.appendAudit(ctx, consumer, "access.grant", g.Pointer, auditlog.OutcomeOK, "", map[string]string{
		"ref":      p.ref,
		"grant_id": g.GrantID,
	})

	return []messenger.Outbound{{
		Channel: messenger.ChRecordToMarket,
		Type:    messenger.TypeAccessGrantReply,
		Payload: messenger.AccessGrantReplyPayload{
			Ref:           p.ref,
			Granted:       true,
			GrantID:       g.GrantID,
			RecordPointer: g.Pointer,
			ValidUntil:    g.AttestationValidUntil,
		},
	}}, nil
}

// handleRevokedNotice voids every grant issued under the revoked consent,
// denies pending requests that reference it, and evicts the corresponding
// cache decisions.
func (l *Ledger) handleRevokedNotice(ctx context.Context, env *messenger.Envelope) ([]messenger.Outbound, error) {
	var notice messenger.ConsentRevokedNoticePayload
	if err := env.Decode(&notice); err != nil {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped, "malformed revoked notice", nil)
		return nil, nil
	}

	now := l.clock.Now()
	var evict []string
	for grantID := range l.byCons[notice.ConsentID] {
		g := l.grants[grantID]
		if g == nil || g.VoidedAt != nil {
			continue
		}
		t := now
		g.VoidedAt = &t
		evict = append(evict, cacheKey(g.Pointer, g.ConsumerDID))
		l.appendAudit(ctx, notice.SubjectDID, "access.void", g.Pointer, auditlog.OutcomeOK,
			"consent revoked", map[string]string{"grant_id": grantID, "consent_id": notice.ConsentID})
	}
	if len(evict) > 0 {
		if err := l.cache.Delete(ctx, evict...); err != nil {
			l.logger.Warn("decision cache eviction failed", zap.Error(err))
		}
	}

	var outs []messenger.Outbound
	for ref, p := range l.pending {
		if p.consentID != notice.ConsentID {
			continue
		}
		delete(l.pending, ref)
		l.appendAudit(ctx, p.claims.ConsumerDID, "access.grant", p.pointer, auditlog.OutcomeDenied,
			"consent revoked while pending", map[string]string{"ref": ref})
		outs = append(outs, denyReply(ref, p.pointer, "consent revoked"))
	}

	l.logger.Info("consent revocation applied",
		zap.String("consent_id", notice.ConsentID),
		zap.Int("grants_voided", len(evict)),
		zap.Int("pending_denied", len(outs)),
	)
	return outs, nil
}

// HandleMessage implements messenger.Handler.
func (l *Ledger) HandleMessage(ctx context.Context, env *messenger.Envelope) ([]messenger.Outbound, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inbox.Duplicate(env) {
		return nil, nil
	}

	switch {
	case env.Channel == messenger.ChMarketToRecord && env.Type == messenger.TypeAccessGrantRequest:
		return l.handleGrantRequest(ctx, env)
	case env.Channel == messenger.ChConsentToRecord && env.Type == messenger.TypeConsentAttestation:
		return l.handleConsentReply(ctx, env)
	case env.Channel == messenger.ChConsentToRecord && env.Type == messenger.TypeConsentRevokedNotice:
		return l.handleRevokedNotice(ctx, env)
	}

	l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped,
		fmt.Sprintf("unexpected message type %s", env.Type), nil)
	return nil, nil
}
