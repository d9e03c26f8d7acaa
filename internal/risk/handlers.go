package risk

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sendguard/internal/entity"
)

// Handler provides HTTP endpoints for risk scores.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new risk handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up read-only risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/:entityType/:entityId", h.GetScore)
	r.GET("/risk/:entityType/:entityId/events", h.ListEvents)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/risk/:entityType/:entityId/adjust", h.Adjust)
}

func parseRef(c *gin.Context) (entity.Ref, bool) {
	ref, err := entity.Parse(c.Param("entityType"), c.Param("entityId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity", "message": err.Error()})
		return entity.Ref{}, false
	}
	return ref, true
}

// GetScore handles GET /v1/risk/:entityType/:entityId
func (h *Handler) GetScore(c *gin.Context) {
	ref, ok := parseRef(c)
	if !ok {
		return
	}
	sc, err := h.engine.Get(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load risk score"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": sc})
}

// ListEvents handles GET /v1/risk/:entityType/:entityId/events
func (h *Handler) ListEvents(c *gin.Context) {
	ref, ok := parseRef(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.engine.Events(c.Request.Context(), ref, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list risk events"})
		return
	}
	if events == nil {
		events = []Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Adjust handles POST /v1/admin/risk/:entityType/:entityId/adjust
func (h *Handler) Adjust(c *gin.Context) {
	ref, ok := parseRef(c)
	if !ok {
		return
	}
	var req struct {
		TenantID string  `json:"tenantId"`
		Delta    float64 `json:"delta" binding:"required"`
		Reason   string  `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "delta and reason are required"})
		return
	}
	ev, err := h.engine.Adjust(c.Request.Context(), ref, req.TenantID, req.Delta, req.Reason)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "contention", "message": "Please retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to adjust score"})
		return
	}
	sc, _ := h.engine.Get(c.Request.Context(), ref)
	c.JSON(http.StatusOK, gin.H{"event": ev, "score": sc})
}
