package action

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/validation"
)

// Handler provides HTTP endpoints for risk actions.
type Handler struct {
	controller *Controller
}

// NewHandler creates a new action handler.
func NewHandler(controller *Controller) *Handler {
	return &Handler{controller: controller}
}

// RegisterRoutes sets up read-only action routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/actions/:entityType/:entityId", h.List)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/actions", h.Apply)
	r.GET("/actions/:id", h.Get)
	r.POST("/actions/:id/revoke", h.Revoke)
	r.POST("/actions/:id/escalate", h.Escalate)
}

// List handles GET /v1/actions/:entityType/:entityId
func (h *Handler) List(c *gin.Context) {
	ref, err := entity.Parse(c.Param("entityType"), c.Param("entityId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity", "message": err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.controller.ListByEntity(c.Request.Context(), ref, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("active") == "true" {
		now := h.controller.now()
		filtered := list[:0]
		for _, a := range list {
			if a.IsActive(now) {
				filtered = append(filtered, a)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []*Action{}
	}
	c.JSON(http.StatusOK, gin.H{"actions": list, "count": len(list)})
}

// Get handles GET /v1/admin/actions/:id
func (h *Handler) Get(c *gin.Context) {
	a, err := h.controller.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": a})
}

type applyRequest struct {
	EntityType    string             `json:"entityType" binding:"required"`
	EntityID      string             `json:"entityId" binding:"required"`
	TenantID      string             `json:"tenantId"`
	Type          string             `json:"type" binding:"required"`
	Reason        string             `json:"reason" binding:"required"`
	Params        map[string]float64 `json:"params"`
	DurationHours float64            `json:"durationHours"`
	AppliedBy     string             `json:"appliedBy"`
}

// Apply handles POST /v1/admin/actions
func (h *Handler) Apply(c *gin.Context) {
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "entityType, entityId, type and reason are required"})
		return
	}
	if errs := validation.Validate(
		validation.Identifier("tenantId", req.TenantID),
		validation.MaxLength("reason", req.Reason, 500),
		validation.NonNegative("durationHours", req.DurationHours),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	ref, err := entity.Parse(req.EntityType, req.EntityID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity", "message": err.Error()})
		return
	}
	a, created, err := h.controller.Apply(c.Request.Context(), ApplyRequest{
		Entity:    ref,
		TenantID:  req.TenantID,
		Type:      Type(req.Type),
		Reason:    req.Reason,
		Params:    req.Params,
		Duration:  time.Duration(req.DurationHours * float64(time.Hour)),
		AppliedBy: req.AppliedBy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"action": a, "created": created})
}

// Revoke handles POST /v1/admin/actions/:id/revoke
func (h *Handler) Revoke(c *gin.Context) {
	var req struct {
		Reason    string `json:"reason" binding:"required"`
		RevokedBy string `json:"revokedBy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason and revokedBy are required"})
		return
	}
	a, err := h.controller.Revoke(c.Request.Context(), c.Param("id"), req.Reason, req.RevokedBy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": a})
}

// Escalate handles POST /v1/admin/actions/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var req struct {
		Next string `json:"next"`
	}
	_ = c.ShouldBindJSON(&req)
	a, err := h.controller.Escalate(c.Request.Context(), c.Param("id"), Type(req.Next))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": a})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrActionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Action not found"})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNoEscalation):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Action operation failed"})
	}
}
