package market

import (
	"errors"
	"time"
)

// ListingStatus is the lifecycle state of a marketplace listing.
type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingPaused   ListingStatus = "paused"
	ListingDelisted ListingStatus = "delisted"
)

// Category buckets listings for discovery.
type Category string

const (
	CategoryLabResults    Category = "lab_results"
	CategoryImaging       Category = "imaging"
	CategoryPrescriptions Category = "prescriptions"
	CategoryDiagnosis     Category = "diagnosis"
	CategoryGenomic       Category = "genomic"
	CategoryVitals        Category = "vitals"
	CategoryDemographics  Category = "demographics"
)

// Listing offers access to one anchored record under one consent. Prices
// are integer minor currency units.
type Listing struct {
	ListingID     string        `json:"listing_id"`
	SellerDID     string        `json:"seller_did"`
	RecordPointer string        `json:"record_pointer"`
	ConsentID     string        `json:"consent_id"`
	Title         string        `json:"title"`
	Category      Category      `json:"category"`
	PriceMinor    int64         `json:"price_minor"`
	Status        ListingStatus `json:"status"`
	PurchaseCount int           `json:"purchase_count"`
	CreatedAt     time.Time     `json:"created_at"`
}

// DealState is the escrow deal state machine position.
//
//	Pending -> ConsentVerified -> AccessGranted -> Settled
//
// Refunded is reachable from every non-terminal state, on timeout, buyer
// abort, or consent revocation. Settled and Refunded are terminal.
type DealState string

const (
	DealPending         DealState = "pending"
	DealConsentVerified DealState = "consent_verified"
	DealAccessGranted   DealState = "access_granted"
	DealSettled         DealState = "settled"
	DealRefunded        DealState = "refunded"
)

// Terminal reports whether the state admits no further transitions.
func (s DealState) Terminal() bool {
	return s == DealSettled || s == DealRefunded
}

// EscrowDeal tracks one purchase from escrow lock to settlement or refund.
// Deadline is the instant after which the current state times out and the
// deal is refunded by the sweep.
type EscrowDeal struct {
	DealID        string    `json:"deal_id"`
	ListingID     string    `json:"listing_id"`
	BuyerDID      string    `json:"buyer_did"`
	SellerDID     string    `json:"seller_did"`
	RecordPointer string    `json:"record_pointer"`
	ConsentID     string    `json:"consent_id"`
	PriceMinor    int64     `json:"price_minor"`
	State         DealState `json:"state"`
	Deadline      time.Time `json:"deadline"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Attestation is held between consent verification and the access
	// grant request; GrantID and FailReason record the outcome.
	Attestation string `json:"-"`
	GrantID     string `json:"grant_id,omitempty"`
	FailReason  string `json:"fail_reason,omitempty"`
}

var (
	ErrListingNotFound   = errors.New("listing not found")
	ErrListingNotActive  = errors.New("listing is not active")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrDealNotFound      = errors.New("deal not found")
	ErrDealTerminal      = errors.New("deal is in a terminal state")
	ErrNotBuyer          = errors.New("caller is not the deal buyer")
	ErrNotSeller         = errors.New("caller is not the listing seller")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrSelfPurchase      = errors.New("seller cannot buy their own listing")
	ErrNotDeliverable    = errors.New("deal has no granted access to confirm")
)
