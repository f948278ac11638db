package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/medchain-labs/healthmesh/internal/auditlog"
	"go.uber.org/zap"
)

// AuditHandler exposes read-only HTTP endpoints for the per-ledger audit
// trails. This is the export surface consumed by compliance tooling.
type AuditHandler struct {
	trails map[string]auditlog.Ledger
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler over the named trails.
func NewAuditHandler(trails map[string]auditlog.Ledger, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{trails: trails, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit/:ledger")
	{
		a.GET("", h.Overview)
		a.GET("/export", h.Export)
		a.GET("/verify", h.Verify)
		a.GET("/entries/:idx", h.GetEntry)
	}
}

func (h *AuditHandler) trail(c *gin.Context) (auditlog.Ledger, bool) {
	trail, ok := h.trails[c.Param("ledger")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown ledger"})
		return nil, false
	}
	return trail, true
}

// Overview handles GET /audit/:ledger — the chain length and current root.
func (h *AuditHandler) Overview(c *gin.Context) {
	trail, ok := h.trail(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	count, err := trail.Len(ctx)
	if err != nil {
		h.logger.Error("audit Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit trail"})
		return
	}
	root, err := trail.Root(ctx)
	if err != nil {
		h.logger.Error("audit Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit root"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": count, "root": root})
}

// Export handles GET /audit/:ledger/export — all entries in append order.
func (h *AuditHandler) Export(c *gin.Context) {
	trail, ok := h.trail(c)
	if !ok {
		return
	}
	entries, err := trail.Export(c.Request.Context())
	if err != nil {
		h.logger.Error("audit Export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export audit trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Verify handles GET /audit/:ledger/verify — walks the full chain and
// reports integrity.
func (h *AuditHandler) Verify(c *gin.Context) {
	trail, ok := h.trail(c)
	if !ok {
		return
	}
	if err := trail.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("audit integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /audit/:ledger/entries/:idx.
func (h *AuditHandler) GetEntry(c *gin.Context) {
	trail, ok := h.trail(c)
	if !ok {
		return
	}

	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := trail.Get(c.Request.Context(), idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}
