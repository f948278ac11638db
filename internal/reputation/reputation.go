// Package reputation tracks seller reviews. A review can only be written
// by the buyer of a settled deal, once per deal, which ties every score to
// a completed purchase.
package reputation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/internal/market"
	"go.uber.org/zap"
)

var (
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrDealNotSettled  = errors.New("deal is not settled")
	ErrNotDealBuyer    = errors.New("caller is not the deal buyer")
	ErrDuplicateReview = errors.New("deal already reviewed")
)

// DealReader is the slice of the marketplace ledger reviews depend on.
type DealReader interface {
	GetDeal(dealID string) (*market.EscrowDeal, error)
}

// Review is one buyer's rating of a seller for one settled deal.
type Review struct {
	ReviewID    string    `json:"review_id"`
	DealID      string    `json:"deal_id"`
	ReviewerDID string    `json:"reviewer_did"`
	SellerDID   string    `json:"seller_did"`
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Summary is a seller's aggregate standing.
type Summary struct {
	SellerDID   string  `json:"seller_did"`
	ReviewCount int     `json:"review_count"`
	Average     float64 `json:"average"`
}

// Book holds reviews and per-seller aggregates.
type Book struct {
	mu     sync.Mutex
	clock  clock.Clock
	deals  DealReader
	logger *zap.Logger

	byDeal   map[string]*Review
	bySeller map[string][]*Review
}

// NewBook creates a review Book over the given deal source.
func NewBook(clk clock.Clock, deals DealReader, logger *zap.Logger) *Book {
	return &Book{
		clock:    clk,
		deals:    deals,
		logger:   logger,
		byDeal:   make(map[string]*Review),
		bySeller: make(map[string][]*Review),
	}
}

// SubmitReview records a rating for the seller of a settled deal.
func (b *Book) SubmitReview(_ context.Context, dealID, reviewerDID string, rating int, comment string) (*Review, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}

	d, err := b.deals.GetDeal(dealID)
	if err != nil {
		return nil, err
	}
	if d.State != market.DealSettled {
		return nil, ErrDealNotSettled
	}
	if d.BuyerDID != reviewerDID {
		return nil, ErrNotDealBuyer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byDeal[dealID]; ok {
		return nil, ErrDuplicateReview
	}

	r := &Review{
		ReviewID:    uuid.New().String(),
		DealID:      dealID,
		ReviewerDID: reviewerDID,
		SellerDID:   d.SellerDID,
		Rating:      rating,
		Comment:     comment,
		CreatedAt:   b.clock.Now(),
	}
	b.byDeal[dealID] = r
	b.bySeller[r.SellerDID] = append(b.bySeller[r.SellerDID], r)

	b.logger.Info("review submitted",
		zap.String("deal_id", dealID),
		zap.String("seller", r.SellerDID),
		zap.Int("rating", rating),
	)
	out := *r
	return &out, nil
}

// SellerSummary returns a seller's aggregate rating.
func (b *Book) SellerSummary(sellerDID string) Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	reviews := b.bySeller[sellerDID]
	s := Summary{SellerDID: sellerDID, ReviewCount: len(reviews)}
	if len(reviews) == 0 {
		return s
	}
	total := 0
	for _, r := range reviews {
		total += r.Rating
	}
	s.Average = float64(total) / float64(len(reviews))
	return s
}

// SellerReviews returns copies of a seller's reviews.
func (b *Book) SellerReviews(sellerDID string) []*Review {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Review, 0, len(b.bySeller[sellerDID]))
	for _, r := range b.bySeller[sellerDID] {
		cp := *r
		out = append(out, &cp)
	}
	return out
}
