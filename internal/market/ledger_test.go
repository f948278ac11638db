package market_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/medchain-labs/healthmesh/internal/auditlog"
	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/internal/market"
	"github.com/medchain-labs/healthmesh/internal/messenger"
	"go.uber.org/zap"
)

var (
	ctx = context.Background()
	t0  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

const (
	seller    = "did:health:patient-7f3a91"
	buyer     = "did:health:researcher-a1b2c3"
	pointer   = "ipfs://bafy-lab-results-001"
	consentID = "consent-0001"
	price     = int64(50_00)
)

type fixture struct {
	clk    *clock.Manual
	ledger *market.Ledger
	seqs   map[string]uint64
	total  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	l := market.New(market.Config{
		PlatformFeeBps: 250, // 2.5%
		PendingTimeout: 5 * time.Minute,
		GrantTimeout:   5 * time.Minute,
		SettleTimeout:  time.Hour,
	}, clk, auditlog.NewMemory(t0), zap.NewNop())

	f := &fixture{clk: clk, ledger: l, seqs: make(map[string]uint64)}
	if _, err := l.Credit(ctx, buyer, 100_00); err != nil {
		t.Fatal(err)
	}
	f.total = 100_00
	return f
}

// conserved checks that funds only ever move between accounts.
func (f *fixture) conserved(t *testing.T) {
	t.Helper()
	sum := f.ledger.Balance(buyer) + f.ledger.Balance(seller) +
		f.ledger.EscrowBalance() + f.ledger.FeeBalance()
	if sum != f.total {
		t.Fatalf("funds not conserved: sum %d, want %d", sum, f.total)
	}
}

func (f *fixture) listing(t *testing.T) *market.Listing {
	t.Helper()
	ls, err := f.ledger.CreateListing(ctx, seller, pointer, consentID, "Lab panel 2025", market.CategoryLabResults, price)
	if err != nil {
		t.Fatal(err)
	}
	return ls
}

func (f *fixture) purchase(t *testing.T, listingID string) *market.EscrowDeal {
	t.Helper()
	d, outs, err := f.ledger.PurchaseListing(ctx, listingID, buyer)
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 || outs[0].Channel != messenger.ChMarketToConsent || outs[0].Type != messenger.TypeConsentQuery {
		t.Fatalf("expected consent query outbound, got %+v", outs)
	}
	return d
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

func (f *fixture) verifyConsent(t *testing.T, dealID string) []messenger.Outbound {
	t.Helper()
	return f.deliver(t, messenger.ChConsentToMarket, messenger.TypeConsentAttestation,
		messenger.ConsentAttestationPayload{Ref: dealID, ConsentID: consentID, Status: "active", Attestation: "tok"})
}

func (f *fixture) grantAccess(t *testing.T, dealID string) {
	t.Helper()
	f.deliver(t, messenger.ChRecordToMarket, messenger.TypeAccessGrantReply,
		messenger.AccessGrantReplyPayload{Ref: dealID, Granted: true, GrantID: "grant-1", RecordPointer: pointer})
}

func state(t *testing.T, l *market.Ledger, dealID string) market.DealState {
	t.Helper()
	d, err := l.GetDeal(dealID)
	if err != nil {
		t.Fatal(err)
	}
	return d.State
}

func TestListingLifecycle(t *testing.T) {
	f := newFixture(t)
	ls := f.listing(t)

	if _, err := f.ledger.SetListingStatus(ctx, ls.ListingID, buyer, market.ListingPaused); !errors.Is(err, market.ErrNotSeller) {
		t.Errorf("non-seller status change: got %v", err)
	}
	if _, err := f.ledger.SetListingStatus(ctx, ls.ListingID, seller, market.ListingPaused); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.ledger.PurchaseListing(ctx, ls.ListingID, buyer); !errors.Is(err, market.ErrListingNotActive) {
		t.Errorf("purchase of paused listing: got %v", err)
	}
	if _, err := f.ledger.SetListingStatus(ctx, ls.ListingID, seller, market.ListingDelisted); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.SetListingStatus(ctx, ls.ListingID, seller, market.ListingActive); !errors.Is(err, market.ErrListingNotActive) {
		t.Errorf("reactivating delisted listing: got %v", err)
	}
}

func TestPurchase_validation(t *testing.T) {
	f := newFixture(t)
	ls := f.listing(t)

	if _, _, err := f.ledger.PurchaseListing(ctx, ls.ListingID, seller); !errors.Is(err, market.ErrSelfPurchase) {
		t.Errorf("self purchase: got %v", err)
	}

	expensive, err := f.ledger.CreateListing(ctx, seller, pointer, consentID, "Genome", market.CategoryGenomic, 500_00)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.ledger.PurchaseListing(ctx, expensive.ListingID, buyer); !errors.Is(err, market.ErrInsufficientFunds) {
		t.Errorf("underfunded purchase: got %v", err)
	}
	f.conserved(t)
}

func TestDeal_happyPathToSettled(t *testing.T) {
	f := newFixture(t)
	d := f.purchase(t, f.listing(t).ListingID)

	if f.ledger.Balance(buyer) != 100_00-price || f.ledger.EscrowBalance() != price {
		t.Fatalf("escrow not locked: buyer %d, escrow %d", f.ledger.Balance(buyer), f.ledger.EscrowBalance())
	}
	f.conserved(t)

	outs := f.verifyConsent(t, d.DealID)
	if len(outs) != 1 || outs[0].Channel != messenger.ChMarketToRecord || outs[0].Type != messenger.TypeAccessGrantRequest {
		t.Fatalf("expected access grant request, got %+v", outs)
	}
	req := outs[0].Payload.(messenger.AccessGrantRequestPayload)
	if req.Attestation != "tok" || req.ConsumerDID != buyer {
		t.Fatalf("request %+v", req)
	}
	if got := state(t, f.ledger, d.DealID); got != market.DealConsentVerified {
		t.Fatalf("state %s", got)
	}

	f.grantAccess(t, d.DealID)
	if got := state(t, f.ledger, d.DealID); got != market.DealAccessGranted {
		t.Fatalf("state %s", got)
	}

	// Only the buyer can confirm, and only a granted deal settles.
	if _, err := f.ledger.ConfirmDelivery(ctx, d.DealID, seller); !errors.Is(err, market.ErrNotBuyer) {
		t.Errorf("seller confirm: got %v", err)
	}
	settled, err := f.ledger.ConfirmDelivery(ctx, d.DealID, buyer)
	if err != nil {
		t.Fatal(err)
	}
	if settled.State != market.DealSettled {
		t.Fatalf("state %s", settled.State)
	}

	fee := price * 250 / 10_000
	if got := f.ledger.Balance(seller); got != price-fee {
		t.Errorf("seller proceeds %d, want %d", got, price-fee)
	}
	if got := f.ledger.FeeBalance(); got != fee {
		t.Errorf("fee balance %d, want %d", got, fee)
	}
	if f.ledger.EscrowBalance() != 0 {
		t.Errorf("escrow not drained: %d", f.ledger.EscrowBalance())
	}
	ls, err := f.ledger.GetListing(settled.ListingID)
	if err != nil {
		t.Fatal(err)
	}
	if ls.PurchaseCount != 1 {
		t.Errorf("purchase count %d, want 1", ls.PurchaseCount)
	}
	f.conserved(t)
}

func TestDeal_consentDeniedRefunds(t *testing.T) {
	f := newFixture(t)
	d := f.purchase(t, f.listing(t).ListingID)

	outs := f.deliver(t, messenger.ChConsentToMarket, messenger.TypeConsentAttestation,
		messenger.ConsentAttestationPayload{Ref: d.DealID, ConsentID: consentID, Status: "revoked"})
	if len(outs) != 0 {
		t.Fatalf("denial should not emit messages, got %d", len(outs))
	}

	if got := state(t, f.ledger, d.DealID); got != market.DealRefunded {
		t.Fatalf("state %s", got)
	}
	if f.ledger.Balance(buyer) != 100_00 || f.ledger.EscrowBalance() != 0 {
		t.Errorf("refund not applied: buyer %d, escrow %d", f.ledger.Balance(buyer), f.ledger.EscrowBalance())
	}
	f.conserved(t)
}

func TestDeal_accessDeniedRefunds(t *testing.T) {
	f := newFixture(t)
	d := f.purchase(t, f.listing(t).ListingID)
	f.verifyConsent(t, d.DealID)

	f.deliver(t, messenger.ChRecordToMarket, messenger.TypeAccessGrantReply,
		messenger.AccessGrantReplyPayload{Ref: d.DealID, Granted: false, Reason: "attestation expired"})

	if got := state(t, f.ledger, d.DealID); got != market.DealRefunded {
		t.Fatalf("state %s", got)
	}
	if f.ledger.Balance(buyer) != 100_00 {
		t.Errorf("buyer balance %d after refund", f.ledger.Balance(buyer))
	}
	f.conserved(t)
}

func TestDeal_timeoutRefund(t *testing.T) {
	f := newFixture(t)
	d := f.purchase(t, f.listing(t).ListingID)

	// Silence from the consent ledger. The sweep refunds the deal once the
	// pending deadline passes, and not before.
	f.clk.Advance(4 * time.Minute)
	if refunded := f.ledger.Tick(ctx); len(refunded) != 0 {
		t.Fatalf("refunded before deadline: %v", refunded)
	}
	f.clk.Advance(2 * time.Minute)
	refunded := f.ledger.Tick(ctx)
	if len(refunded) != 1 || refunded[0] != d.DealID {
		t.Fatalf("refunded %v", refunded)
	}
	if f.ledger.Balance(buyer) != 100_00 {
		t.Errorf("buyer balance %d after timeout refund", f.ledger.Balance(buyer))
	}
	f.conserved(t)

	// A consent reply arriving after the refund must not resurrect the deal.
	if outs := f.verifyConsent(t, d.DealID); len(outs) != 0 {
		t.Errorf("late consent reply produced %d outbounds", len(outs))
	}
	if got := state(t, f.ledger, d.DealID); got != market.DealRefunded {
		t.Errorf("state %s after late reply", got)
	}
	f.conserved(t)
}

func TestDeal_duplicateGrantReplyIsNoOp(t *testing.T) {
	f := newFixture(t)
	d := f.purchase(t, f.listing(t).ListingID)
	f.verifyConsent(t, d.DealID)
	f.grantAccess(t, d.DealID)
	f.grantAccess(t, d.DealID) // retransmission

	if got := state(t, f.ledger, d.DealID); got != market.DealAccessGranted {
		t.Fatalf("state %s", got)
	}
	f.conserved(t)
}

func TestDeal_abortRefunds(t *testing.T) {
	f := newFixture(t)
	d := f.purchase(t, f.listing(t).ListingID)

	if _, err := f.ledger.AbortDeal(ctx, d.DealID, seller); !errors.Is(err, market.ErrNotBuyer) {
		t.Errorf("seller abort: got %v", err)
	}
	aborted, err := f.ledger.AbortDeal(ctx, d.DealID, buyer)
	if err != nil {
		t.Fatal(err)
	}
	if aborted.State != market.DealRefunded {
		t.Fatalf("state %s", aborted.State)
	}
	if _, err := f.ledger.AbortDeal(ctx, d.DealID, buyer); !errors.Is(err, market.ErrDealTerminal) {
		t.Errorf("double abort: got %v", err)
	}
	f.conserved(t)
}

func TestDeal_revokedNoticeRefundsOpenDeals(t *testing.T) {
	f := newFixture(t)
	d := f.purchase(t, f.listing(t).ListingID)
	f.verifyConsent(t, d.DealID)

	f.deliver(t, messenger.ChConsentToMarket, messenger.TypeConsentRevokedNotice,
		messenger.ConsentRevokedNoticePayload{ConsentID: consentID, SubjectDID: seller, RevokedAt: f.clk.Now()})

	if got := state(t, f.ledger, d.DealID); got != market.DealRefunded {
		t.Fatalf("state %s", got)
	}
	if f.ledger.Balance(buyer) != 100_00 {
		t.Errorf("buyer balance %d", f.ledger.Balance(buyer))
	}
	f.conserved(t)
}

func TestDeal_settleAfterRefundFails(t *testing.T) {
	f := newFixture(t)
	d := f.purchase(t, f.listing(t).ListingID)
	if _, err := f.ledger.AbortDeal(ctx, d.DealID, buyer); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.ConfirmDelivery(ctx, d.DealID, buyer); !errors.Is(err, market.ErrDealTerminal) {
		t.Errorf("settle after refund: got %v", err)
	}
	f.conserved(t)
}

func TestListingStats_viewsAndConversion(t *testing.T) {
	f := newFixture(t)
	ls := f.listing(t)

	st, err := f.ledger.ListingStatsFor(ls.ListingID)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalViews != 0 || st.TotalPurchases != 0 || st.ConversionPct != 0 || st.LastViewedAt != nil {
		t.Fatalf("fresh listing stats not zero: %+v", st)
	}

	for i := 0; i < 4; i++ {
		f.clk.Advance(time.Minute)
		if err := f.ledger.RecordListingView(ls.ListingID); err != nil {
			t.Fatal(err)
		}
	}

	d := f.purchase(t, ls.ListingID)
	f.verifyConsent(t, d.DealID)
	f.grantAccess(t, d.DealID)
	if _, err := f.ledger.ConfirmDelivery(ctx, d.DealID, buyer); err != nil {
		t.Fatal(err)
	}

	st, err = f.ledger.ListingStatsFor(ls.ListingID)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalViews != 4 {
		t.Errorf("views %d, want 4", st.TotalViews)
	}
	if st.TotalPurchases != 1 {
		t.Errorf("purchases %d, want 1", st.TotalPurchases)
	}
	if st.ConversionPct != 25 {
		t.Errorf("conversion %d%%, want 25", st.ConversionPct)
	}
	if st.LastViewedAt == nil || !st.LastViewedAt.Equal(t0.Add(4*time.Minute)) {
		t.Errorf("last viewed %v", st.LastViewedAt)
	}
	f.conserved(t)
}

func TestListingStats_refundedDealDoesNotCount(t *testing.T) {
	f := newFixture(t)
	ls := f.listing(t)
	if err := f.ledger.RecordListingView(ls.ListingID); err != nil {
		t.Fatal(err)
	}

	d := f.purchase(t, ls.ListingID)
	if _, err := f.ledger.AbortDeal(ctx, d.DealID, buyer); err != nil {
		t.Fatal(err)
	}

	st, err := f.ledger.ListingStatsFor(ls.ListingID)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalPurchases != 0 || st.ConversionPct != 0 {
		t.Errorf("aborted deal counted: %+v", st)
	}

	if err := f.ledger.RecordListingView("no-such-listing"); !errors.Is(err, market.ErrListingNotFound) {
		t.Errorf("unknown listing view: got %v", err)
	}
	if _, err := f.ledger.ListingStatsFor("no-such-listing"); !errors.Is(err, market.ErrListingNotFound) {
		t.Errorf("unknown listing stats: got %v", err)
	}
}
