package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sendguard/internal/entity"
)

// Handler exposes read access to the audit trail.
type Handler struct {
	log *Log
}

// NewHandler creates a new audit handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/:entityType/:entityId", h.ListByEntity)
	r.GET("/tenants/:id/audit", h.ListByTenant)
}

// ListByEntity handles GET /v1/audit/:entityType/:entityId
func (h *Handler) ListByEntity(c *gin.Context) {
	ref, err := entity.Parse(c.Param("entityType"), c.Param("entityId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity", "message": err.Error()})
		return
	}
	recs, err := h.log.ListByEntity(c.Request.Context(), ref, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list audit records"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": nonNil(recs), "count": len(recs)})
}

// ListByTenant handles GET /v1/tenants/:id/audit
func (h *Handler) ListByTenant(c *gin.Context) {
	recs, err := h.log.ListByTenant(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list audit records"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": nonNil(recs), "count": len(recs)})
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	return limit
}

func nonNil(recs []Record) []Record {
	if recs == nil {
		return []Record{}
	}
	return recs
}
