// Package client provides the HealthMesh Go SDK for talking to a mesh
// node's HTTP API: identities, consents, records, listings, escrow deals,
// and audit trails.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// Client is the HealthMesh SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey attaches a "key_id.secret" API key to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New creates a Client connected to baseURL.
//
//	c := client.New("http://localhost:8080",
//	    client.WithAPIKey(key),
//	)
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetAPIKey replaces the API key used for subsequent requests. Useful
// after RegisterIdentity, which mints the key.
func (c *Client) SetAPIKey(key string) { c.apiKey = key }

// Identity mirrors the identity record returned by the mesh.
type Identity struct {
	DID          string    `json:"did"`
	Role         string    `json:"role"`
	State        string    `json:"state"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Consent mirrors the consent record returned by the mesh.
type Consent struct {
	ConsentID   string     `json:"consent_id"`
	SubjectDID  string     `json:"subject_did"`
	ConsumerDID string     `json:"consumer_did"`
	Purpose     string     `json:"purpose"`
	DataTypes   []string   `json:"data_types"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	TermsHash   string     `json:"terms_hash,omitempty"`
}

// Record mirrors the anchored record returned by the mesh.
type Record struct {
	Pointer      string     `json:"pointer"`
	OwnerDID     string     `json:"owner_did"`
	DataType     string     `json:"data_type"`
	KeyRef       string     `json:"key_ref"`
	AnchoredAt   time.Time  `json:"anchored_at"`
	KeyRotatedAt *time.Time `json:"key_rotated_at,omitempty"`
}

// Listing mirrors a marketplace listing.
type Listing struct {
	ListingID     string    `json:"listing_id"`
	SellerDID     string    `json:"seller_did"`
	RecordPointer string    `json:"record_pointer"`
	ConsentID     string    `json:"consent_id"`
	Title         string    `json:"title"`
	Category      string    `json:"category"`
	PriceMinor    int64     `json:"price_minor"`
	Status        string    `json:"status"`
	PurchaseCount int       `json:"purchase_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListingStats mirrors a listing's view and purchase counters.
type ListingStats struct {
	ListingID      string     `json:"listing_id"`
	TotalViews     int64      `json:"total_views"`
	TotalPurchases int64      `json:"total_purchases"`
	ConversionPct  int64      `json:"conversion_pct"`
	LastViewedAt   *time.Time `json:"last_viewed_at,omitempty"`
}

// Deal mirrors an escrow deal.
type Deal struct {
	DealID        string    `json:"deal_id"`
	ListingID     string    `json:"listing_id"`
	BuyerDID      string    `json:"buyer_did"`
	SellerDID     string    `json:"seller_did"`
	RecordPointer string    `json:"record_pointer"`
	ConsentID     string    `json:"consent_id"`
	PriceMinor    int64     `json:"price_minor"`
	State         string    `json:"state"`
	GrantID       string    `json:"grant_id,omitempty"`
	FailReason    string    `json:"fail_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RegisterIdentityResult is the registration response: the identity and
// its one-time API key.
type RegisterIdentityResult struct {
	Identity Identity `json:"identity"`
	APIKey   string   `json:"api_key"`
}

// RegisterIdentity registers a DID and returns its identity and API key.
// The key secret is shown only in this response.
func (c *Client) RegisterIdentity(ctx context.Context, did, role, proof string) (*RegisterIdentityResult, error) {
	var out RegisterIdentityResult
	err := c.call(ctx, http.MethodPost, "/api/v1/identities",
		map[string]string{"did": did, "role": role, "proof": proof}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetIdentity fetches an identity by DID.
func (c *Client) GetIdentity(ctx context.Context, did string) (*Identity, error) {
	var out Identity
	if err := c.call(ctx, http.MethodGet, "/api/v1/identities/"+did, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConsentRequest is the payload for CreateConsent. The authenticated
// caller is the consent subject.
type CreateConsentRequest struct {
	ConsumerDID string   `json:"consumer_did"`
	Purpose     string   `json:"purpose"`
	DataTypes   []string `json:"data_types"`
	TTLSeconds  int64    `json:"ttl_seconds"`
	TermsHash   string   `json:"terms_hash,omitempty"`
}

// CreateConsent grants a consumer time-bounded access to the caller's data.
func (c *Client) CreateConsent(ctx context.Context, req CreateConsentRequest) (*Consent, error) {
	var out Consent
	if err := c.call(ctx, http.MethodPost, "/api/v1/consents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConsent fetches a consent the caller is a party to.
func (c *Client) GetConsent(ctx context.Context, consentID string) (*Consent, error) {
	var out Consent
	if err := c.call(ctx, http.MethodGet, "/api/v1/consents/"+consentID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConsentStatus returns a consent's current status.
func (c *Client) ConsentStatus(ctx context.Context, consentID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/consents/"+consentID+"/status", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// RevokeConsent revokes a consent the caller owns. The revocation reaches
// the record and marketplace ledgers before this returns.
func (c *Client) RevokeConsent(ctx context.Context, consentID string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/consents/"+consentID+"/revoke", nil, nil)
}

// AnchorRecord anchors a data pointer owned by the caller.
func (c *Client) AnchorRecord(ctx context.Context, pointer, dataType, keyRef string) (*Record, error) {
	var out Record
	err := c.call(ctx, http.MethodPost, "/api/v1/records",
		map[string]string{"pointer": pointer, "data_type": dataType, "key_ref": keyRef}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecord fetches an anchored record by pointer.
func (c *Client) GetRecord(ctx context.Context, pointer string) (*Record, error) {
	var out Record
	path := "/api/v1/records?pointer=" + url.QueryEscape(pointer)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RotateKey replaces the key reference on a record the caller owns.
func (c *Client) RotateKey(ctx context.Context, pointer, keyRef string) (*Record, error) {
	var out Record
	err := c.call(ctx, http.MethodPost, "/api/v1/records/rotate-key",
		map[string]string{"pointer": pointer, "key_ref": keyRef}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GrantKey redeems an access grant the caller holds, returning the record
// pointer and the current key reference. Expired or voided grants fail.
func (c *Client) GrantKey(ctx context.Context, grantID string) (pointer, keyRef string, err error) {
	var out struct {
		Pointer string `json:"pointer"`
		KeyRef  string `json:"key_ref"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/grants/"+grantID+"/key", nil, &out); err != nil {
		return "", "", err
	}
	return out.Pointer, out.KeyRef, nil
}

// CheckAccess reports whether the caller currently holds a live access
// grant for the record.
func (c *Client) CheckAccess(ctx context.Context, pointer string) (bool, error) {
	var out struct {
		Access bool `json:"access"`
	}
	path := "/api/v1/access/check?pointer=" + url.QueryEscape(pointer)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Access, nil
}

// Credit tops up the caller's marketplace balance and returns the new
// balance in minor units.
func (c *Client) Credit(ctx context.Context, amountMinor int64) (int64, error) {
	var out struct {
		BalanceMinor int64 `json:"balance_minor"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/balance/credit",
		map[string]int64{"amount_minor": amountMinor}, &out)
	if err != nil {
		return 0, err
	}
	return out.BalanceMinor, nil
}

// Balance returns the caller's marketplace balance in minor units.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var out struct {
		BalanceMinor int64 `json:"balance_minor"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.BalanceMinor, nil
}

// CreateListingRequest is the payload for CreateListing. The authenticated
// caller is the seller.
type CreateListingRequest struct {
	RecordPointer string `json:"record_pointer"`
	ConsentID     string `json:"consent_id"`
	Title         string `json:"title"`
	Category      string `json:"category"`
	PriceMinor    int64  `json:"price_minor"`
}

// CreateListing publishes a record for sale.
func (c *Client) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error) {
	var out Listing
	if err := c.call(ctx, http.MethodPost, "/api/v1/listings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListListings returns listings, optionally filtered by status.
func (c *Client) ListListings(ctx context.Context, status string) ([]Listing, error) {
	var out struct {
		Listings []Listing `json:"listings"`
	}
	path := "/api/v1/listings"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Listings, nil
}

// GetListingStats returns a listing's views, settled purchases and
// conversion rate.
func (c *Client) GetListingStats(ctx context.Context, listingID string) (*ListingStats, error) {
	var out ListingStats
	if err := c.call(ctx, http.MethodGet, "/api/v1/listings/"+listingID+"/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Purchase buys a listing. The consent and access verification run before
// this returns, so the returned deal is already past its in-flight states.
func (c *Client) Purchase(ctx context.Context, listingID string) (*Deal, error) {
	var out Deal
	if err := c.call(ctx, http.MethodPost, "/api/v1/listings/"+listingID+"/purchase", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeal fetches a deal the caller is a party to.
func (c *Client) GetDeal(ctx context.Context, dealID string) (*Deal, error) {
	var out Deal
	if err := c.call(ctx, http.MethodGet, "/api/v1/deals/"+dealID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmDelivery settles a granted deal, paying the seller.
func (c *Client) ConfirmDelivery(ctx context.Context, dealID string) (*Deal, error) {
	var out Deal
	if err := c.call(ctx, http.MethodPost, "/api/v1/deals/"+dealID+"/confirm", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AbortDeal refunds a non-terminal deal the caller opened.
func (c *Client) AbortDeal(ctx context.Context, dealID string) (*Deal, error) {
	var out Deal
	if err := c.call(ctx, http.MethodPost, "/api/v1/deals/"+dealID+"/abort", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitReview rates the seller of a settled deal the caller bought.
func (c *Client) SubmitReview(ctx context.Context, dealID string, rating int, comment string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/deals/"+dealID+"/review",
		map[string]any{"rating": rating, "comment": comment}, nil)
}

// SellerReputation holds a seller's aggregate standing.
type SellerReputation struct {
	Summary struct {
		SellerDID   string  `json:"seller_did"`
		ReviewCount int     `json:"review_count"`
		Average     float64 `json:"average"`
	} `json:"summary"`
}

// GetSellerReputation fetches a seller's review summary.
func (c *Client) GetSellerReputation(ctx context.Context, sellerDID string) (*SellerReputation, error) {
	var out SellerReputation
	if err := c.call(ctx, http.MethodGet, "/api/v1/sellers/"+sellerDID+"/reputation", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditOverview holds a trail's length and root hash.
type AuditOverview struct {
	Entries int    `json:"entries"`
	Root    string `json:"root"`
}

// AuditTrail returns the length and root of one ledger's audit trail.
// ledger is "consent", "record", or "market".
func (c *Client) AuditTrail(ctx context.Context, ledger string) (*AuditOverview, error) {
	var out AuditOverview
	if err := c.call(ctx, http.MethodGet, "/api/v1/audit/"+ledger, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyAuditTrail walks one ledger's audit chain and reports integrity.
func (c *Client) VerifyAuditTrail(ctx context.Context, ledger string) (bool, error) {
	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/audit/"+ledger+"/verify", nil, &out); err != nil {
		return false, err
	}
	if !out.Valid {
		return false, fmt.Errorf("audit chain invalid: %s", out.Error)
	}
	return true, nil
}

// call executes a JSON request against the mesh API. respBody may be nil
// when the response is ignored.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}

	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
