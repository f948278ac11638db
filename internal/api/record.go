package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/medchain-labs/healthmesh/internal/auth"
	"github.com/medchain-labs/healthmesh/internal/mesh"
	"github.com/medchain-labs/healthmesh/internal/record"
	"go.uber.org/zap"
)

// RecordHandler exposes the record ledger over HTTP. Record pointers are
// opaque URIs, so they travel in bodies and query parameters rather than
// path segments.
type RecordHandler struct {
	mesh   *mesh.Mesh
	keys   *auth.Keychain
	logger *zap.Logger
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(m *mesh.Mesh, keys *auth.Keychain, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{mesh: m, keys: keys, logger: logger}
}

// Register mounts the record routes on the given router group.
func (h *RecordHandler) Register(rg *gin.RouterGroup) {
	authed := rg.Group("", RequireAPIKey(h.keys))
	{
		authed.POST("/records", h.AnchorRecord)
		authed.GET("/records", h.GetRecord)
		authed.POST("/records/rotate-key", h.RotateKey)
		authed.GET("/access/check", h.CheckAccess)
		authed.GET("/grants/:id", h.GetGrant)
		authed.GET("/grants/:id/key", h.ReadGrant)
	}
}

type anchorRecordRequest struct {
	Pointer  string `json:"pointer" binding:"required"`
	DataType string `json:"data_type" binding:"required"`
	KeyRef   string `json:"key_ref" binding:"required"`
}

// AnchorRecord handles POST /records. The authenticated caller becomes the
// record owner.
func (h *RecordHandler) AnchorRecord(c *gin.Context) {
	var req anchorRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := h.mesh.Record.AnchorRecord(c.Request.Context(), req.Pointer, CallerDID(c), req.DataType, req.KeyRef)
	if err != nil {
		if errors.Is(err, record.ErrDuplicatePointer) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, r)
}

// GetRecord handles GET /records?pointer=... The key reference only
// appears for the record owner; everyone else redeems a grant via
// GET /grants/:id/key.
func (h *RecordHandler) GetRecord(c *gin.Context) {
	pointer := c.Query("pointer")
	if pointer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pointer query parameter is required"})
		return
	}
	r, err := h.mesh.Record.GetRecord(pointer)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	if r.OwnerDID != CallerDID(c) {
		r.KeyRef = ""
	}
	c.JSON(http.StatusOK, r)
}

type rotateKeyRequest struct {
	Pointer string `json:"pointer" binding:"required"`
	KeyRef  string `json:"key_ref" binding:"required"`
}

// RotateKey handles POST /records/rotate-key.
func (h *RecordHandler) RotateKey(c *gin.Context) {
	var req rotateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := h.mesh.Record.RotateKey(c.Request.Context(), req.Pointer, CallerDID(c), req.KeyRef)
	if err != nil {
		switch {
		case errors.Is(err, record.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, record.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, r)
}

// CheckAccess handles GET /access/check?pointer=... — reports whether the
// authenticated caller currently holds a live grant for the record.
func (h *RecordHandler) CheckAccess(c *gin.Context) {
	pointer := c.Query("pointer")
	if pointer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pointer query parameter is required"})
		return
	}

	ok, err := h.mesh.Record.CheckAccess(c.Request.Context(), pointer, CallerDID(c))
	if err != nil {
		h.logger.Error("check access", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access check failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pointer": pointer, "access": ok})
}

// GetGrant handles GET /grants/:id. Only the grantee may read a grant.
func (h *RecordHandler) GetGrant(c *gin.Context) {
	g, err := h.mesh.Record.GetGrant(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "grant not found"})
		return
	}
	if g.ConsumerDID != CallerDID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the grantee"})
		return
	}
	c.JSON(http.StatusOK, g)
}

// ReadGrant handles GET /grants/:id/key — redeems a live grant for the
// record pointer and current key reference.
func (h *RecordHandler) ReadGrant(c *gin.Context) {
	pointer, keyRef, err := h.mesh.Record.ReadGrant(c.Request.Context(), c.Param("id"), CallerDID(c))
	if err != nil {
		switch {
		case errors.Is(err, record.ErrGrantNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "grant not found"})
		case errors.Is(err, record.ErrNotGrantee):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, record.ErrGrantExpired):
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "grant read failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"pointer": pointer, "key_ref": keyRef})
}
