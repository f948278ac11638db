package reputation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/internal/market"
	"github.com/medchain-labs/healthmesh/internal/reputation"
	"go.uber.org/zap"
)

var (
	ctx = context.Background()
	t0  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

const (
	seller = "did:health:patient-7f3a91"
	buyer  = "did:health:researcher-a1b2c3"
)

// dealStub serves canned deals without a full marketplace.
type dealStub map[string]*market.EscrowDeal

func (s dealStub) GetDeal(dealID string) (*market.EscrowDeal, error) {
	d, ok := s[dealID]
	if !ok {
		return nil, market.ErrDealNotFound
	}
	cp := *d
	return &cp, nil
}

func newBook(deals dealStub) *reputation.Book {
	return reputation.NewBook(clock.NewManual(t0), deals, zap.NewNop())
}

func settledDeal(id string) *market.EscrowDeal {
	return &market.EscrowDeal{DealID: id, BuyerDID: buyer, SellerDID: seller, State: market.DealSettled}
}

func TestSubmitReview(t *testing.T) {
	b := newBook(dealStub{"d1": settledDeal("d1")})

	r, err := b.SubmitReview(ctx, "d1", buyer, 4, "clean data, fast delivery")
	if err != nil {
		t.Fatal(err)
	}
	if r.SellerDID != seller || r.Rating != 4 {
		t.Errorf("review %+v", r)
	}

	if _, err := b.SubmitReview(ctx, "d1", buyer, 5, ""); !errors.Is(err, reputation.ErrDuplicateReview) {
		t.Errorf("second review for same deal: got %v", err)
	}
}

func TestSubmitReview_gating(t *testing.T) {
	deals := dealStub{
		"settled":  settledDeal("settled"),
		"refunded": {DealID: "refunded", BuyerDID: buyer, SellerDID: seller, State: market.DealRefunded},
		"open":     {DealID: "open", BuyerDID: buyer, SellerDID: seller, State: market.DealAccessGranted},
	}
	b := newBook(deals)

	if _, err := b.SubmitReview(ctx, "refunded", buyer, 3, ""); !errors.Is(err, reputation.ErrDealNotSettled) {
		t.Errorf("refunded deal: got %v", err)
	}
	if _, err := b.SubmitReview(ctx, "open", buyer, 3, ""); !errors.Is(err, reputation.ErrDealNotSettled) {
		t.Errorf("open deal: got %v", err)
	}
	if _, err := b.SubmitReview(ctx, "settled", seller, 5, ""); !errors.Is(err, reputation.ErrNotDealBuyer) {
		t.Errorf("seller self-review: got %v", err)
	}
	if _, err := b.SubmitReview(ctx, "settled", buyer, 0, ""); !errors.Is(err, reputation.ErrInvalidRating) {
		t.Errorf("zero rating: got %v", err)
	}
	if _, err := b.SubmitReview(ctx, "settled", buyer, 6, ""); !errors.Is(err, reputation.ErrInvalidRating) {
		t.Errorf("rating above scale: got %v", err)
	}
	if _, err := b.SubmitReview(ctx, "missing", buyer, 3, ""); !errors.Is(err, market.ErrDealNotFound) {
		t.Errorf("unknown deal: got %v", err)
	}
}

func TestSellerSummary(t *testing.T) {
	b := newBook(dealStub{"d1": settledDeal("d1"), "d2": settledDeal("d2")})

	if s := b.SellerSummary(seller); s.ReviewCount != 0 || s.Average != 0 {
		t.Fatalf("empty summary %+v", s)
	}

	if _, err := b.SubmitReview(ctx, "d1", buyer, 5, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SubmitReview(ctx, "d2", buyer, 2, ""); err != nil {
		t.Fatal(err)
	}

	s := b.SellerSummary(seller)
	if s.ReviewCount != 2 || s.Average != 3.5 {
		t.Errorf("summary %+v", s)
	}
	if got := len(b.SellerReviews(seller)); got != 2 {
		t.Errorf("reviews %d", got)
	}
}
