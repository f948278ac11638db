package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medchain-labs/healthmesh/internal/auth"
	"github.com/medchain-labs/healthmesh/internal/consent"
	"github.com/medchain-labs/healthmesh/internal/mesh"
	"go.uber.org/zap"
)

// ConsentHandler exposes the consent ledger over HTTP.
type ConsentHandler struct {
	mesh   *mesh.Mesh
	keys   *auth.Keychain
	logger *zap.Logger
}

// NewConsentHandler creates a new ConsentHandler.
func NewConsentHandler(m *mesh.Mesh, keys *auth.Keychain, logger *zap.Logger) *ConsentHandler {
	return &ConsentHandler{mesh: m, keys: keys, logger: logger}
}

// Register mounts the consent routes on the given router group.
func (h *ConsentHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/identities", h.RegisterIdentity)
	rg.GET("/identities/:did", h.GetIdentity)

	authed := rg.Group("", RequireAPIKey(h.keys))
	{
		authed.POST("/identities/:did/suspend", h.SuspendIdentity)
		authed.POST("/consents", h.CreateConsent)
		authed.GET("/consents/:id", h.GetConsent)
		authed.GET("/consents/:id/status", h.ConsentStatus)
		authed.POST("/consents/:id/revoke", h.RevokeConsent)
	}
}

type registerIdentityRequest struct {
	DID   string `json:"did" binding:"required"`
	Role  string `json:"role" binding:"required"`
	Proof string `json:"proof" binding:"required"`
}

// RegisterIdentity handles POST /identities — registers a DID and issues
// its API key. The key secret appears only in this response.
func (h *ConsentHandler) RegisterIdentity(c *gin.Context) {
	var req registerIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id, err := h.mesh.Consent.RegisterIdentity(ctx, req.DID, consent.Role(req.Role), req.Proof)
	if err != nil {
		switch {
		case errors.Is(err, consent.ErrDuplicateIdentity):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, consent.ErrInvalidProof):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	keyID, secret, err := h.keys.Issue(ctx, id.DID)
	if err != nil {
		h.logger.Error("issue api key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity registered but key issuance failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"identity": id,
		"api_key":  keyID + "." + secret,
	})
}

// GetIdentity handles GET /identities/:did.
func (h *ConsentHandler) GetIdentity(c *gin.Context) {
	id, err := h.mesh.Consent.GetIdentity(c.Param("did"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	}
	c.JSON(http.StatusOK, id)
}

// SuspendIdentity handles POST /identities/:did/suspend. Callers may only
// suspend themselves.
func (h *ConsentHandler) SuspendIdentity(c *gin.Context) {
	err := h.mesh.Consent.SuspendIdentity(c.Request.Context(), c.Param("did"), CallerDID(c))
	if err != nil {
		switch {
		case errors.Is(err, consent.ErrUnknownIdentity):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, consent.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "suspended"})
}

type createConsentRequest struct {
	ConsumerDID string   `json:"consumer_did" binding:"required"`
	Purpose     string   `json:"purpose" binding:"required"`
	DataTypes   []string `json:"data_types" binding:"required"`
	TTLSeconds  int64    `json:"ttl_seconds" binding:"required"`
	TermsHash   string   `json:"terms_hash"`
}

// CreateConsent handles POST /consents. The authenticated caller is the
// consent subject.
func (h *ConsentHandler) CreateConsent(c *gin.Context) {
	var req createConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dataTypes := make([]consent.DataType, len(req.DataTypes))
	for i, dt := range req.DataTypes {
		dataTypes[i] = consent.DataType(dt)
	}

	created, err := h.mesh.Consent.CreateConsent(c.Request.Context(), CallerDID(c), req.ConsumerDID,
		consent.Purpose(req.Purpose), dataTypes, time.Duration(req.TTLSeconds)*time.Second, req.TermsHash)
	if err != nil {
		h.logger.Warn("create consent", zap.Error(err))
		switch {
		case errors.Is(err, consent.ErrUnknownIdentity):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, consent.ErrInvalidSubject), errors.Is(err, consent.ErrInvalidConsumer),
			errors.Is(err, consent.ErrIdentitySuspended):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetConsent handles GET /consents/:id.
func (h *ConsentHandler) GetConsent(c *gin.Context) {
	cons, err := h.mesh.Consent.GetConsent(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "consent not found"})
		return
	}
	// Consent terms are between subject and consumer.
	caller := CallerDID(c)
	if caller != cons.SubjectDID && caller != cons.ConsumerDID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this consent"})
		return
	}
	c.JSON(http.StatusOK, cons)
}

// ConsentStatus handles GET /consents/:id/status.
func (h *ConsentHandler) ConsentStatus(c *gin.Context) {
	status := h.mesh.Consent.QueryConsentStatus(c.Param("id"), h.mesh.Now())
	c.JSON(http.StatusOK, gin.H{"consent_id": c.Param("id"), "status": status})
}

// RevokeConsent handles POST /consents/:id/revoke. The revocation notices
// are delivered to the peer ledgers before the response returns.
func (h *ConsentHandler) RevokeConsent(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.mesh.RevokeConsent(ctx, c.Param("id"), CallerDID(c)); err != nil {
		switch {
		case errors.Is(err, consent.ErrConsentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, consent.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, consent.ErrAlreadyRevoked):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	RecordConsentRevoked()

	if err := h.mesh.Run(ctx); err != nil {
		h.logger.Error("deliver revocation notices", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
