package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medchain-labs/healthmesh/internal/api"
	"github.com/medchain-labs/healthmesh/internal/auditlog"
	"github.com/medchain-labs/healthmesh/internal/auth"
	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/internal/consent"
	"github.com/medchain-labs/healthmesh/internal/market"
	"github.com/medchain-labs/healthmesh/internal/mesh"
	"github.com/medchain-labs/healthmesh/internal/record"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	patient    = "did:health:patient-7f3a91"
	researcher = "did:health:researcher-a1b2c3"
	pointer    = "ipfs://bafy-lab-results-001"
)

type env struct {
	router *gin.Engine
	t      *testing.T
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.NewManual(t0)

	m, err := mesh.New(mesh.Config{
		LinkSecret: []byte("test-link-secret"),
	}, clk, mesh.Audits{
		Consent: auditlog.NewMemory(t0),
		Record:  auditlog.NewMemory(t0),
		Market:  auditlog.NewMemory(t0),
	}, record.NewMemoryCache(clk), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	keys := auth.NewKeychain(clk, zap.NewNop())
	router := api.NewRouter(api.Config{}, m, keys, zap.NewNop())
	return &env{router: router, t: t}
}

func (e *env) do(method, path, apiKey string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) decode(w *httptest.ResponseRecorder, v any) {
	e.t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		e.t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// register creates an identity and returns its API key.
func (e *env) register(didStr string, role consent.Role) string {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/v1/identities", "", gin.H{
		"did":   didStr,
		"role":  string(role),
		"proof": consent.RegistrationProof(didStr, role),
	})
	if w.Code != http.StatusCreated {
		e.t.Fatalf("register %s: %d %s", didStr, w.Code, w.Body.String())
	}
	var resp struct {
		APIKey string `json:"api_key"`
	}
	e.decode(w, &resp)
	return resp.APIKey
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	if w := e.do(http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	if w := e.do(http.MethodPost, "/api/v1/consents", "", gin.H{}); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: %d", w.Code)
	}
	if w := e.do(http.MethodPost, "/api/v1/consents", "bogus.credentials", gin.H{}); w.Code != http.StatusUnauthorized {
		t.Errorf("bad key: %d", w.Code)
	}
}

func TestRegisterIdentity(t *testing.T) {
	e := newEnv(t)
	e.register(patient, consent.RolePatient)

	// Bad proof is rejected.
	w := e.do(http.MethodPost, "/api/v1/identities", "", gin.H{
		"did": researcher, "role": "researcher", "proof": "nope",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("bad proof: %d", w.Code)
	}

	// Duplicate registration conflicts.
	w = e.do(http.MethodPost, "/api/v1/identities", "", gin.H{
		"did": patient, "role": "patient", "proof": consent.RegistrationProof(patient, consent.RolePatient),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: %d", w.Code)
	}

	if w := e.do(http.MethodGet, "/api/v1/identities/"+patient, "", nil); w.Code != http.StatusOK {
		t.Errorf("get identity: %d", w.Code)
	}
}

func TestPurchaseFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	patientKey := e.register(patient, consent.RolePatient)
	researcherKey := e.register(researcher, consent.RoleResearcher)

	// Patient: consent, record, listing.
	w := e.do(http.MethodPost, "/api/v1/consents", patientKey, gin.H{
		"consumer_did": researcher,
		"purpose":      "research",
		"data_types":   []string{"lab_results"},
		"ttl_seconds":  86400,
		"terms_hash":   "terms-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create consent: %d %s", w.Code, w.Body.String())
	}
	var cons consent.Consent
	e.decode(w, &cons)

	w = e.do(http.MethodPost, "/api/v1/records", patientKey, gin.H{
		"pointer": pointer, "data_type": "lab_results", "key_ref": "kms://key-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("anchor record: %d %s", w.Code, w.Body.String())
	}

	w = e.do(http.MethodPost, "/api/v1/listings", patientKey, gin.H{
		"record_pointer": pointer,
		"consent_id":     cons.ConsentID,
		"title":          "Lab panel",
		"category":       "lab_results",
		"price_minor":    5000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create listing: %d %s", w.Code, w.Body.String())
	}
	var ls market.Listing
	e.decode(w, &ls)

	// Researcher: fund, purchase.
	if w := e.do(http.MethodPost, "/api/v1/balance/credit", researcherKey, gin.H{"amount_minor": 10000}); w.Code != http.StatusOK {
		t.Fatalf("credit: %d %s", w.Code, w.Body.String())
	}
	w = e.do(http.MethodPost, fmt.Sprintf("/api/v1/listings/%s/purchase", ls.ListingID), researcherKey, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("purchase: %d %s", w.Code, w.Body.String())
	}
	var deal market.EscrowDeal
	e.decode(w, &deal)
	if deal.State != market.DealAccessGranted {
		t.Fatalf("deal state %s after purchase", deal.State)
	}

	// Access check sees the grant.
	w = e.do(http.MethodGet, "/api/v1/access/check?pointer="+pointer, researcherKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("check access: %d", w.Code)
	}
	var access struct {
		Access bool `json:"access"`
	}
	e.decode(w, &access)
	if !access.Access {
		t.Fatal("no access after granted purchase")
	}

	// Confirm and review.
	w = e.do(http.MethodPost, fmt.Sprintf("/api/v1/deals/%s/confirm", deal.DealID), researcherKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", w.Code, w.Body.String())
	}
	w = e.do(http.MethodPost, fmt.Sprintf("/api/v1/deals/%s/review", deal.DealID), researcherKey, gin.H{
		"rating": 5, "comment": "as described",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("review: %d %s", w.Code, w.Body.String())
	}

	w = e.do(http.MethodGet, "/api/v1/sellers/"+patient+"/reputation", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reputation: %d", w.Code)
	}

	// The seller cannot confirm or read someone else's grant flows; a
	// third party cannot read the deal.
	outsiderKey := e.register("did:health:auditor-x1", consent.RoleAuditor)
	w = e.do(http.MethodGet, "/api/v1/deals/"+deal.DealID, outsiderKey, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("outsider deal read: %d", w.Code)
	}
}

func TestKeyRefDisclosureRequiresGrant(t *testing.T) {
	e := newEnv(t)
	patientKey := e.register(patient, consent.RolePatient)
	researcherKey := e.register(researcher, consent.RoleResearcher)

	w := e.do(http.MethodPost, "/api/v1/records", patientKey, gin.H{
		"pointer": pointer, "data_type": "lab_results", "key_ref": "kms://key-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("anchor record: %d %s", w.Code, w.Body.String())
	}

	// The owner sees the key reference; any other caller gets the record
	// metadata without it.
	var rec struct {
		KeyRef string `json:"key_ref"`
	}
	w = e.do(http.MethodGet, "/api/v1/records?pointer="+pointer, patientKey, nil)
	if e.decode(w, &rec); rec.KeyRef != "kms://key-1" {
		t.Errorf("owner key_ref %q", rec.KeyRef)
	}
	w = e.do(http.MethodGet, "/api/v1/records?pointer="+pointer, researcherKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("non-owner record read: %d", w.Code)
	}
	rec.KeyRef = ""
	if e.decode(w, &rec); rec.KeyRef != "" {
		t.Fatalf("key_ref disclosed without a grant: %q", rec.KeyRef)
	}

	// Grant access through the marketplace, then redeem the grant.
	w = e.do(http.MethodPost, "/api/v1/consents", patientKey, gin.H{
		"consumer_did": researcher,
		"purpose":      "research",
		"data_types":   []string{"lab_results"},
		"ttl_seconds":  86400,
	})
	var cons consent.Consent
	e.decode(w, &cons)
	w = e.do(http.MethodPost, "/api/v1/listings", patientKey, gin.H{
		"record_pointer": pointer, "consent_id": cons.ConsentID,
		"title": "Lab panel", "category": "lab_results", "price_minor": 5000,
	})
	var ls market.Listing
	e.decode(w, &ls)
	e.do(http.MethodPost, "/api/v1/balance/credit", researcherKey, gin.H{"amount_minor": 10000})
	w = e.do(http.MethodPost, fmt.Sprintf("/api/v1/listings/%s/purchase", ls.ListingID), researcherKey, nil)
	var deal market.EscrowDeal
	e.decode(w, &deal)
	if deal.GrantID == "" {
		t.Fatalf("purchase yielded no grant: %s", w.Body.String())
	}

	keyPath := "/api/v1/grants/" + deal.GrantID + "/key"
	w = e.do(http.MethodGet, keyPath, researcherKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("grantee redeem: %d %s", w.Code, w.Body.String())
	}
	var redeemed struct {
		Pointer string `json:"pointer"`
		KeyRef  string `json:"key_ref"`
	}
	e.decode(w, &redeemed)
	if redeemed.Pointer != pointer || redeemed.KeyRef != "kms://key-1" {
		t.Errorf("redeemed %+v", redeemed)
	}

	// Only the grantee may redeem, and a revoked consent kills the grant.
	if w := e.do(http.MethodGet, keyPath, patientKey, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-grantee redeem: %d", w.Code)
	}
	if w := e.do(http.MethodPost, fmt.Sprintf("/api/v1/consents/%s/revoke", cons.ConsentID), patientKey, nil); w.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodGet, keyPath, researcherKey, nil); w.Code != http.StatusGone {
		t.Errorf("redeem after revocation: %d", w.Code)
	}
}

func TestRevokeConsentOverHTTP(t *testing.T) {
	e := newEnv(t)
	patientKey := e.register(patient, consent.RolePatient)
	e.register(researcher, consent.RoleResearcher)

	w := e.do(http.MethodPost, "/api/v1/consents", patientKey, gin.H{
		"consumer_did": researcher,
		"purpose":      "research",
		"data_types":   []string{"imaging"},
		"ttl_seconds":  3600,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create consent: %d %s", w.Code, w.Body.String())
	}
	var cons consent.Consent
	e.decode(w, &cons)

	path := fmt.Sprintf("/api/v1/consents/%s/revoke", cons.ConsentID)
	if w := e.do(http.MethodPost, path, patientKey, nil); w.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodPost, path, patientKey, nil); w.Code != http.StatusConflict {
		t.Errorf("second revoke: %d", w.Code)
	}

	w = e.do(http.MethodGet, fmt.Sprintf("/api/v1/consents/%s/status", cons.ConsentID), patientKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var status struct {
		Status string `json:"status"`
	}
	e.decode(w, &status)
	if status.Status != "revoked" {
		t.Errorf("status %q", status.Status)
	}
}

func TestAuditEndpoints(t *testing.T) {
	e := newEnv(t)
	e.register(patient, consent.RolePatient)

	for _, ledger := range []string{"consent", "record", "market"} {
		w := e.do(http.MethodGet, "/api/v1/audit/"+ledger+"/verify", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("verify %s: %d", ledger, w.Code)
		}
		var resp struct {
			Valid bool `json:"valid"`
		}
		e.decode(w, &resp)
		if !resp.Valid {
			t.Errorf("%s audit chain invalid", ledger)
		}
	}

	if w := e.do(http.MethodGet, "/api/v1/audit/nonesuch", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown ledger: %d", w.Code)
	}
	if w := e.do(http.MethodGet, "/api/v1/audit/consent/entries/0", "", nil); w.Code != http.StatusOK {
		t.Errorf("genesis entry: %d", w.Code)
	}
	if w := e.do(http.MethodGet, "/api/v1/audit/consent/export", "", nil); w.Code != http.StatusOK {
		t.Errorf("export: %d", w.Code)
	}
}

func TestListingStatsCountViews(t *testing.T) {
	e := newEnv(t)
	patientKey := e.register(patient, consent.RolePatient)

	w := e.do(http.MethodPost, "/api/v1/listings", patientKey, gin.H{
		"record_pointer": pointer, "consent_id": "consent-0001",
		"title": "Lab panel", "category": "lab_results", "price_minor": 5000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create listing: %d %s", w.Code, w.Body.String())
	}
	var ls market.Listing
	e.decode(w, &ls)

	// Browsing the catalog entry counts views; stats reads do not.
	for i := 0; i < 3; i++ {
		if w := e.do(http.MethodGet, "/api/v1/listings/"+ls.ListingID, "", nil); w.Code != http.StatusOK {
			t.Fatalf("get listing: %d", w.Code)
		}
	}

	w = e.do(http.MethodGet, "/api/v1/listings/"+ls.ListingID+"/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
	var st market.ListingStats
	e.decode(w, &st)
	if st.TotalViews != 3 {
		t.Errorf("views %d, want 3", st.TotalViews)
	}
	if st.TotalPurchases != 0 || st.ConversionPct != 0 {
		t.Errorf("fresh listing stats: %+v", st)
	}

	if w := e.do(http.MethodGet, "/api/v1/listings/no-such/stats", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown listing stats: %d", w.Code)
	}
}
