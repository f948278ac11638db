package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/medchain-labs/healthmesh/internal/auth"
	"github.com/medchain-labs/healthmesh/internal/market"
	"github.com/medchain-labs/healthmesh/internal/mesh"
	"github.com/medchain-labs/healthmesh/internal/reputation"
	"go.uber.org/zap"
)

// MarketHandler exposes the marketplace ledger and reputation book over
// HTTP.
type MarketHandler struct {
	mesh   *mesh.Mesh
	keys   *auth.Keychain
	logger *zap.Logger
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(m *mesh.Mesh, keys *auth.Keychain, logger *zap.Logger) *MarketHandler {
	return &MarketHandler{mesh: m, keys: keys, logger: logger}
}

// Register mounts the marketplace routes on the given router group.
func (h *MarketHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/listings", h.ListListings)
	rg.GET("/listings/:id", h.GetListing)
	rg.GET("/listings/:id/stats", h.ListingStats)
	rg.GET("/sellers/:did/reputation", h.SellerReputation)

	authed := rg.Group("", RequireAPIKey(h.keys))
	{
		authed.POST("/balance/credit", h.Credit)
		authed.GET("/balance", h.Balance)
		authed.POST("/listings", h.CreateListing)
		authed.POST("/listings/:id/status", h.SetListingStatus)
		authed.POST("/listings/:id/purchase", h.Purchase)
		authed.GET("/deals/:id", h.GetDeal)
		authed.POST("/deals/:id/confirm", h.ConfirmDelivery)
		authed.POST("/deals/:id/abort", h.AbortDeal)
		authed.POST("/deals/:id/review", h.SubmitReview)
	}
}

func marketStatus(err error) int {
	switch {
	case errors.Is(err, market.ErrListingNotFound), errors.Is(err, market.ErrDealNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrNotBuyer), errors.Is(err, market.ErrNotSeller):
		return http.StatusForbidden
	case errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, market.ErrDealTerminal), errors.Is(err, market.ErrListingNotActive),
		errors.Is(err, market.ErrNotDeliverable), errors.Is(err, market.ErrSelfPurchase):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

type creditRequest struct {
	AmountMinor int64 `json:"amount_minor" binding:"required"`
}

// Credit handles POST /balance/credit — tops up the caller's balance.
func (h *MarketHandler) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	balance, err := h.mesh.Market.Credit(c.Request.Context(), CallerDID(c), req.AmountMinor)
	if err != nil {
		c.JSON(marketStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance_minor": balance})
}

// Balance handles GET /balance.
func (h *MarketHandler) Balance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"balance_minor": h.mesh.Market.Balance(CallerDID(c))})
}

type createListingRequest struct {
	RecordPointer string `json:"record_pointer" binding:"required"`
	ConsentID     string `json:"consent_id" binding:"required"`
	Title         string `json:"title" binding:"required"`
	Category      string `json:"category" binding:"required"`
	PriceMinor    int64  `json:"price_minor" binding:"required"`
}

// CreateListing handles POST /listings. The authenticated caller is the
// seller.
func (h *MarketHandler) CreateListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ls, err := h.mesh.Market.CreateListing(c.Request.Context(), CallerDID(c), req.RecordPointer,
		req.ConsentID, req.Title, market.Category(req.Category), req.PriceMinor)
	if err != nil {
		c.JSON(marketStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, ls)
}

// ListListings handles GET /listings?status=active.
func (h *MarketHandler) ListListings(c *gin.Context) {
	listings := h.mesh.Market.ListListings(market.ListingStatus(c.Query("status")))
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}

// GetListing handles GET /listings/:id. Each read counts as a catalog
// view against the listing's stats.
func (h *MarketHandler) GetListing(c *gin.Context) {
	ls, err := h.mesh.Market.GetListing(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
		return
	}
	if err := h.mesh.Market.RecordListingView(ls.ListingID); err != nil {
		h.logger.Warn("record listing view", zap.Error(err))
	}
	c.JSON(http.StatusOK, ls)
}

// ListingStats handles GET /listings/:id/stats — views, settled purchases
// and the derived conversion rate.
func (h *MarketHandler) ListingStats(c *gin.Context) {
	st, err := h.mesh.Market.ListingStatsFor(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

type listingStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetListingStatus handles POST /listings/:id/status.
func (h *MarketHandler) SetListingStatus(c *gin.Context) {
	var req listingStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ls, err := h.mesh.Market.SetListingStatus(c.Request.Context(), c.Param("id"), CallerDID(c), market.ListingStatus(req.Status))
	if err != nil {
		c.JSON(marketStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ls)
}

// Purchase handles POST /listings/:id/purchase. The escrow deal opens
// synchronously; the consent and access checks run over the mesh before
// the response returns, so the returned deal reflects their outcome.
func (h *MarketHandler) Purchase(c *gin.Context) {
	ctx := c.Request.Context()
	deal, err := h.mesh.PurchaseListing(ctx, c.Param("id"), CallerDID(c))
	if err != nil {
		c.JSON(marketStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err := h.mesh.Run(ctx); err != nil {
		h.logger.Error("deliver purchase messages", zap.Error(err))
	}

	current, err := h.mesh.Market.GetDeal(deal.DealID)
	if err != nil {
		h.logger.Error("reload deal", zap.Error(err))
		current = deal
	}
	if current.State == market.DealRefunded {
		RecordDealOutcome("refunded")
	}
	c.JSON(http.StatusCreated, current)
}

// GetDeal handles GET /deals/:id. Only the parties to the deal may read it.
func (h *MarketHandler) GetDeal(c *gin.Context) {
	d, err := h.mesh.Market.GetDeal(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "deal not found"})
		return
	}
	caller := CallerDID(c)
	if caller != d.BuyerDID && caller != d.SellerDID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this deal"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// ConfirmDelivery handles POST /deals/:id/confirm.
func (h *MarketHandler) ConfirmDelivery(c *gin.Context) {
	d, err := h.mesh.Market.ConfirmDelivery(c.Request.Context(), c.Param("id"), CallerDID(c))
	if err != nil {
		c.JSON(marketStatus(err), gin.H{"error": err.Error()})
		return
	}
	RecordDealOutcome("settled")
	c.JSON(http.StatusOK, d)
}

// AbortDeal handles POST /deals/:id/abort.
func (h *MarketHandler) AbortDeal(c *gin.Context) {
	d, err := h.mesh.Market.AbortDeal(c.Request.Context(), c.Param("id"), CallerDID(c))
	if err != nil {
		c.JSON(marketStatus(err), gin.H{"error": err.Error()})
		return
	}
	RecordDealOutcome("refunded")
	c.JSON(http.StatusOK, d)
}

type reviewRequest struct {
	Rating  int    `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

// SubmitReview handles POST /deals/:id/review.
func (h *MarketHandler) SubmitReview(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := h.mesh.Reputation.SubmitReview(c.Request.Context(), c.Param("id"), CallerDID(c), req.Rating, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, market.ErrDealNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, reputation.ErrNotDealBuyer):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, reputation.ErrDuplicateReview), errors.Is(err, reputation.ErrDealNotSettled):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, r)
}

// SellerReputation handles GET /sellers/:did/reputation.
func (h *MarketHandler) SellerReputation(c *gin.Context) {
	summary := h.mesh.Reputation.SellerSummary(c.Param("did"))
	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"reviews": h.mesh.Reputation.SellerReviews(c.Param("did")),
	})
}
