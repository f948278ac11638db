// Package market implements the marketplace ledger: listings, escrow
// deals, and balances.
//
// A purchase locks the buyer's funds in escrow and walks the deal through
// consent verification and access granting via messages to the peer
// ledgers. Funds leave escrow exactly once, either to the seller at
// settlement (minus the platform fee) or back to the buyer on refund.
package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medchain-labs/healthmesh/internal/auditlog"
	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/internal/messenger"
	"github.com/medchain-labs/healthmesh/pkg/did"
	"go.uber.org/zap"
)

// Internal balance accounts. Escrow holds locked purchase funds, fees
// accumulates the platform's cut of settlements.
const (
	escrowAccount = "internal:escrow"
	feeAccount    = "internal:fees"
)

// Config holds marketplace policy parameters.
type Config struct {
	// PlatformFeeBps is the platform fee in basis points, taken from the
	// seller's proceeds at settlement.
	PlatformFeeBps int64
	// PendingTimeout bounds how long a deal may wait for the consent
	// verification reply.
	PendingTimeout time.Duration
	// GrantTimeout bounds how long a verified deal may wait for the access
	// grant reply.
	GrantTimeout time.Duration
	// SettleTimeout bounds how long a granted deal may wait for the buyer's
	// delivery confirmation.
	SettleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 5 * time.Minute
	}
	if c.GrantTimeout <= 0 {
		c.GrantTimeout = 5 * time.Minute
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 24 * time.Hour
	}
}

// Ledger is the marketplace ledger state machine.
type Ledger struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	audit  auditlog.Ledger
	inbox  *messenger.Inbox
	logger *zap.Logger

	balances map[string]int64
	listings map[string]*Listing
	deals    map[string]*EscrowDeal
	byCons   map[string]map[string]struct{} // consent id -> deal ids
	stats    map[string]*ListingStats
}

// New creates a marketplace Ledger.
func New(cfg Config, clk clock.Clock, audit auditlog.Ledger, logger *zap.Logger) *Ledger {
	cfg.applyDefaults()
	return &Ledger{
		cfg:      cfg,
		clock:    clk,
		audit:    audit,
		inbox:    messenger.NewInbox(),
		logger:   logger,
		balances: make(map[string]int64),
		listings: make(map[string]*Listing),
		deals:    make(map[string]*EscrowDeal),
		byCons:   make(map[string]map[string]struct{}),
		stats:    make(map[string]*ListingStats),
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

// Credit adds funds to an account.
func (l *Ledger) Credit(ctx context.Context, didStr string, amountMinor int64) (int64, error) {
	if err := did.Validate(didStr); err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	if amountMinor <= 0 {
		return 0, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[didStr] += amountMinor
	l.appendAudit(ctx, didStr, "balance.credit", didStr, auditlog.OutcomeOK, "", map[string]int64{"amount_minor": amountMinor})
	return l.balances[didStr], nil
}

// Balance returns an account's available funds.
func (l *Ledger) Balance(didStr string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[didStr]
}

// EscrowBalance returns the total funds currently locked in escrow.
func (l *Ledger) EscrowBalance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[escrowAccount]
}

// FeeBalance returns the platform's accumulated settlement fees.
func (l *Ledger) FeeBalance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[feeAccount]
}

// CreateListing publishes a record for sale under a consent.
func (l *Ledger) CreateListing(ctx context.Context, sellerDID, recordPointer, consentID, title string, category Category, priceMinor int64) (*Listing, error) {
	if err := did.Validate(sellerDID); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	if priceMinor <= 0 {
		return nil, ErrInvalidPrice
	}
	if recordPointer == "" || consentID == "" {
		return nil, fmt.Errorf("create listing: record_pointer and consent_id are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ls := &Listing{
		ListingID:     uuid.New().String(),
		SellerDID:     sellerDID,
		RecordPointer: recordPointer,
		ConsentID:     consentID,
		Title:         title,
		Category:      category,
		PriceMinor:    priceMinor,
		Status:        ListingActive,
		CreatedAt:     l.clock.Now(),
	}
	l.listings[ls.ListingID] = ls

	l.logger.Info("listing created",
		zap.String("listing_id", ls.ListingID),
		zap.String("seller", sellerDID),
		zap.Int64("price_minor", priceMinor),
	)
	l.appendAudit(ctx, sellerDID, "listing.create", ls.ListingID, auditlog.OutcomeOK, "", map[string]any{
		"record_pointer": recordPointer,
		"price_minor":    priceMinor,
	})
	return ls, nil
}

// SetListingStatus moves a listing between active, paused and delisted.
// Only the seller may change it; delisted is terminal.
func (l *Ledger) SetListingStatus(ctx context.Context, listingID, callerDID string, status ListingStatus) (*Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls, ok := l.listings[listingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	if ls.SellerDID != callerDID {
		l.appendAudit(ctx, callerDID, "listing.status", listingID, auditlog.OutcomeDenied, "caller is not the seller", nil)
		return nil, ErrNotSeller
	}
	if ls.Status == ListingDelisted {
		return nil, ErrListingNotActive
	}
	switch status {
	case ListingActive, ListingPaused, ListingDelisted:
	default:
		return nil, fmt.Errorf("unknown listing status %q", status)
	}

	ls.Status = status
	l.appendAudit(ctx, callerDID, "listing.status", listingID, auditlog.OutcomeOK, "", map[string]string{"status": string(status)})
	out := *ls
	return &out, nil
}

// GetListing returns a copy of a listing.
func (l *Ledger) GetListing(listingID string) (*Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.listings[listingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	out := *ls
	return &out, nil
}

// ListListings returns copies of listings, optionally filtered by status.
func (l *Ledger) ListListings(status ListingStatus) []*Listing {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Listing
	for _, ls := range l.listings {
		if status != "" && ls.Status != status {
			continue
		}
		cp := *ls
		out = append(out, &cp)
	}
	return out
}

// PurchaseListing locks the buyer's funds in escrow and opens a deal. The
// returned outbound asks the consent ledger to verify the listing's
// consent for this buyer; nothing moves past escrow until it answers.
func (l *Ledger) PurchaseListing(ctx context.Context, listingID, buyerDID string) (*EscrowDeal, []messenger.Outbound, error) {
	if err := did.Validate(buyerDID); err != nil {
		return nil, nil, fmt.Errorf("purchase: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ls, ok := l.listings[listingID]
	if !ok {
		return nil, nil, ErrListingNotFound
	}
	if ls.Status != ListingActive {
		return nil, nil, ErrListingNotActive
	}
	if ls.SellerDID == buyerDID {
		return nil, nil, ErrSelfPurchase
	}
	if l.balances[buyerDID] < ls.PriceMinor {
		l.appendAudit(ctx, buyerDID, "deal.open", listingID, auditlog.OutcomeDenied, "insufficient funds", nil)
		return nil, nil, ErrInsufficientFunds
	}

	now := l.clock.Now()
	l.balances[buyerDID] -= ls.PriceMinor
	l.balances[escrowAccount] += ls.PriceMinor

	d := &EscrowDeal{
		DealID:        uuid.New().String(),
		ListingID:     ls.ListingID,
		BuyerDID:      buyerDID,
		SellerDID:     ls.SellerDID,
		RecordPointer: ls.RecordPointer,
		ConsentID:     ls.ConsentID,
		PriceMinor:    ls.PriceMinor,
		State:         DealPending,
		Deadline:      now.Add(l.cfg.PendingTimeout),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	l.deals[d.DealID] = d
	if l.byCons[d.ConsentID] == nil {
		l.byCons[d.ConsentID] = make(map[string]struct{})
	}
	l.byCons[d.ConsentID][d.DealID] = struct{}{}

	l.logger.Info("deal opened",
		zap.String("deal_id", d.DealID),
		zap.String("buyer", buyerDID),
		zap.Int64("price_minor", d.PriceMinor),
	)
	l.appendAudit(ctx, buyerDID, "deal.open", d.DealID, auditlog.OutcomeOK, "", map[string]any{
		"listing_id":  listingID,
		"price_minor": d.PriceMinor,
	})

	dcp := *d
	return &dcp, []messenger.Outbound{{
		Channel: messenger.ChMarketToConsent,
		Type:    messenger.TypeConsentQuery,
		Payload: messenger.ConsentQueryPayload{
			Ref:         d.DealID,
			ConsentID:   d.ConsentID,
			ConsumerDID: buyerDID,
		},
	}}, nil
}

// GetDeal returns a copy of a deal.
func (l *Ledger) GetDeal(dealID string) (*EscrowDeal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.deals[dealID]
	if !ok {
		return nil, ErrDealNotFound
	}
	out := *d
	return &out, nil
}

// refundLocked returns the escrowed price to the buyer and terminates the
// deal. Caller holds l.mu.
func (l *Ledger) refundLocked(ctx context.Context, d *EscrowDeal, reason string) {
	l.balances[escrowAccount] -= d.PriceMinor
	l.balances[d.BuyerDID] += d.PriceMinor
	d.State = DealRefunded
	d.FailReason = reason
	d.UpdatedAt = l.clock.Now()

	l.logger.Info("deal refunded",
		zap.String("deal_id", d.DealID),
		zap.String("reason", reason),
	)
	l.appendAudit(ctx, d.BuyerDID, "deal.refund", d.DealID, auditlog.OutcomeOK, reason,
		map[string]int64{"amount_minor": d.PriceMinor})
}

// ConfirmDelivery settles a granted deal: the buyer acknowledges receipt
// of the record pointer and key reference, escrow pays the seller minus
// the platform fee.
func (l *Ledger) ConfirmDelivery(ctx context.Context, dealID, callerDID string) (*EscrowDeal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.deals[dealID]
	if !ok {
		return nil, ErrDealNotFound
	}
	if d.BuyerDID != callerDID {
		l.appendAudit(ctx, callerDID, "deal.settle", dealID, auditlog.OutcomeDenied, "caller is not the buyer", nil)
		return nil, ErrNotBuyer
	}
	if d.State.Terminal() {
		return nil, ErrDealTerminal
	}
	if d.State != DealAccessGranted {
		return nil, ErrNotDeliverable
	}

	fee := d.PriceMinor * l.cfg.PlatformFeeBps / 10_000
	l.balances[escrowAccount] -= d.PriceMinor
	l.balances[d.SellerDID] += d.PriceMinor - fee
	l.balances[feeAccount] += fee

	d.State = DealSettled
	d.UpdatedAt = l.clock.Now()
	if ls, ok := l.listings[d.ListingID]; ok {
		ls.PurchaseCount++
	}
	l.recordPurchaseLocked(d.ListingID)

	l.logger.Info("deal settled",
		zap.String("deal_id", dealID),
		zap.Int64("seller_proceeds_minor", d.PriceMinor-fee),
		zap.Int64("fee_minor", fee),
	)
	l.appendAudit(ctx, callerDID, "deal.settle", dealID, auditlog.OutcomeOK, "", map[string]int64{
		"seller_proceeds_minor": d.PriceMinor - fee,
		"fee_minor":             fee,
	})
	out := *d
	return &out, nil
}

// AbortDeal refunds a non-terminal deal at the buyer's request.
func (l *Ledger) AbortDeal(ctx context.Context, dealID, callerDID string) (*EscrowDeal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.deals[dealID]
	if !ok {
		return nil, ErrDealNotFound
	}
	if d.BuyerDID != callerDID {
		l.appendAudit(ctx, callerDID, "deal.abort", dealID, auditlog.OutcomeDenied, "caller is not the buyer", nil)
		return nil, ErrNotBuyer
	}
	if d.State.Terminal() {
		return nil, ErrDealTerminal
	}

	l.refundLocked(ctx, d, "aborted by buyer")
	out := *d
	return &out, nil
}

// Tick refunds every deal whose state deadline has passed. It is the only
// place timeouts take effect; the substrate calls it on a schedule and
// tests call it directly with a manual clock.
func (l *Ledger) Tick(ctx context.Context) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	var refunded []string
	for _, d := range l.deals {
		if d.State.Terminal() || now.Before(d.Deadline) {
			continue
		}
		l.refundLocked(ctx, d, fmt.Sprintf("timed out in state %s", d.State))
		refunded = append(refunded, d.DealID)
	}
	return refunded
}

// handleConsentReply advances a pending deal on the consent ledger's
// verdict. The attestation travels onward to the record ledger; a
// non-active status refunds the buyer immediately.
func (l *Ledger) handleConsentReply(ctx context.Context, env *messenger.Envelope) ([]messenger.Outbound, error) {
	var resp messenger.ConsentAttestationPayload
	if err := env.Decode(&resp); err != nil {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped, "malformed consent attestation", nil)
		return nil, nil
	}

	d, ok := l.deals[resp.Ref]
	if !ok {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped,
			"consent reply for unknown deal", map[string]string{"ref": resp.Ref})
		return nil, nil
	}
	if d.State != DealPending {
		// A retransmission, or a reply that arrived after a timeout
		// refund. The deal has moved on; drop without a transition.
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped,
			fmt.Sprintf("consent reply in state %s", d.State), map[string]string{"ref": resp.Ref})
		return nil, nil
	}

	if resp.Status != "active" || resp.Attestation == "" {
		l.refundLocked(ctx, d, "consent "+resp.Status)
		return nil, nil
	}

	now := l.clock.Now()
	d.State = DealConsentVerified
	d.Attestation = resp.Attestation
	d.Deadline = now.Add(l.cfg.GrantTimeout)
	d.UpdatedAt = now

	l.appendAudit(ctx, d.BuyerDID, "deal.verify", d.DealID, auditlog.OutcomeOK, "", nil)

	return []messenger.Outbound{{
		Channel: messenger.ChMarketToRecord,
		Type:    messenger.TypeAccessGrantRequest,
		Payload: messenger.AccessGrantRequestPayload{
			Ref:           d.DealID,
			RecordPointer: d.RecordPointer,
			ConsumerDID:   d.BuyerDID,
			ConsentID:     d.ConsentID,
			Attestation:   d.Attestation,
		},
	}}, nil
}

// handleGrantReply records the record ledger's verdict on a verified deal.
func (l *Ledger) handleGrantReply(ctx context.Context, env *messenger.Envelope) ([]messenger.Outbound, error) {
	var resp messenger.AccessGrantReplyPayload
	if err := env.Decode(&resp); err != nil {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped, "malformed access grant reply", nil)
		return nil, nil
	}

	d, ok := l.deals[resp.Ref]
	if !ok {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped,
			"grant reply for unknown deal", map[string]string{"ref": resp.Ref})
		return nil, nil
	}
	if d.State != DealConsentVerified {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped,
			fmt.Sprintf("grant reply in state %s", d.State), map[string]string{"ref": resp.Ref})
		return nil, nil
	}

	if !resp.Granted {
		l.refundLocked(ctx, d, "access denied: "+resp.Reason)
		return nil, nil
	}

	now := l.clock.Now()
	d.State = DealAccessGranted
	d.GrantID = resp.GrantID
	d.Deadline = now.Add(l.cfg.SettleTimeout)
	d.UpdatedAt = now

	l.logger.Info("deal access granted",
		zap.String("deal_id", d.DealID),
		zap.String("grant_id", resp.GrantID),
	)
	l.appendAudit(ctx, d.BuyerDID, "deal.grant", d.DealID, auditlog.OutcomeOK, "",
		map[string]string{"grant_id": resp.GrantID})
	return nil, nil
}

// handleRevokedNotice refunds every non-terminal deal riding on the
// revoked consent.
func (l *Ledger) handleRevokedNotice(ctx context.Context, env *messenger.Envelope) ([]messenger.Outbound, error) {
	var notice messenger.ConsentRevokedNoticePayload
	if err := env.Decode(&notice); err != nil {
		l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped, "malformed revoked notice", nil)
		return nil, nil
	}

	n := 0
	for dealID := range l.byCons[notice.ConsentID] {
		d := l.deals[dealID]
		if d == nil || d.State.Terminal() {
			continue
		}
		l.refundLocked(ctx, d, "consent revoked")
		n++
	}
	l.logger.Info("consent revocation applied",
		zap.String("consent_id", notice.ConsentID),
		zap.Int("deals_refunded", n),
	)
	return nil, nil
}

// HandleMessage implements messenger.Handler.
func (l *Ledger) HandleMessage(ctx context.Context, env *messenger.Envelope) ([]messenger.Outbound, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inbox.Duplicate(env) {
		return nil, nil
	}

	switch {
	case env.Channel == messenger.ChConsentToMarket && env.Type == messenger.TypeConsentAttestation:
		return l.handleConsentReply(ctx, env)
	case env.Channel == messenger.ChRecordToMarket && env.Type == messenger.TypeAccessGrantReply:
		return l.handleGrantReply(ctx, env)
	case env.Channel == messenger.ChConsentToMarket && env.Type == messenger.TypeConsentRevokedNotice:
		return l.handleRevokedNotice(ctx, env)
	}

	l.appendAudit(ctx, "system", "message.drop", env.Channel, auditlog.OutcomeDropped,
		fmt.Sprintf("unexpected message type %s", env.Type), nil)
	return nil, nil
}
