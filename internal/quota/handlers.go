package quota

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/validation"
)

// Handler provides HTTP endpoints for the reservation protocol.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new quota handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up quota routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/quota/reservations", h.Reserve)
	r.GET("/quota/reservations/:id", h.Get)
	r.POST("/quota/reservations/:id/confirm", h.Confirm)
	r.POST("/quota/reservations/:id/cancel", h.Cancel)
	r.GET("/quota/tenants/:tenantId/usage", h.Usage)
	r.GET("/quota/tenants/:tenantId/reservations", h.List)
}

type reserveRequest struct {
	TenantID       string `json:"tenantId" binding:"required"`
	PlanID         string `json:"planId"`
	Amount         int64  `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey" binding:"required"`
	TTLSeconds     int    `json:"ttlSeconds"`
	ConnectionID   string `json:"connectionId"`
	CampaignID     string `json:"campaignId"`
	RefType        string `json:"refType"`
	RefID          string `json:"refId"`
}

// Reserve handles POST /v1/quota/reservations
//
// Denials are a normal outcome and answer 200 with granted=false and a
// reason code.
func (h *Handler) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tenantId, amount and idempotencyKey are required"})
		return
	}
	if errs := validation.Validate(
		validation.Identifier("tenantId", req.TenantID),
		validation.Positive("amount", req.Amount),
		validation.MaxLength("idempotencyKey", req.IdempotencyKey, validation.MaxIdempotencyKeyLength),
		validation.NonNegative("ttlSeconds", float64(req.TTLSeconds)),
		validation.Identifier("connectionId", req.ConnectionID),
		validation.Identifier("campaignId", req.CampaignID),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	rr := ReserveRequest{
		TenantID: req.TenantID,
		PlanID:   req.PlanID,
		Amount:   req.Amount,
		Key:      req.IdempotencyKey,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
		Ref:      Reference{Type: req.RefType, ID: req.RefID},
	}
	if req.ConnectionID != "" {
		rr.Subjects = append(rr.Subjects, entity.Connection(req.ConnectionID))
	}
	if req.CampaignID != "" {
		rr.Subjects = append(rr.Subjects, entity.Campaign(req.CampaignID))
	}

	res, err := h.manager.Reserve(c.Request.Context(), rr)
	if err != nil {
		if code := ReasonCode(err); code != "" {
			c.JSON(http.StatusOK, gin.H{"granted": false, "reasonCode": code, "message": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	// a replayed key may name a reservation that no longer holds capacity
	if res.Status != StatusConfirmed && !res.Holds(h.manager.now()) {
		status := res.Status
		if status == StatusPending {
			status = StatusExpired
		}
		c.JSON(http.StatusOK, gin.H{
			"granted":       false,
			"reasonCode":    "reservation_" + string(status),
			"reservationId": res.ID,
			"reservation":   res,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"granted": true, "reservationId": res.ID, "reservation": res})
}

// Get handles GET /v1/quota/reservations/:id
func (h *Handler) Get(c *gin.Context) {
	res, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": res})
}

// Confirm handles POST /v1/quota/reservations/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	res, err := h.manager.ConfirmByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": res})
}

// Cancel handles POST /v1/quota/reservations/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	res, err := h.manager.CancelByID(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": res})
}

// Usage handles GET /v1/quota/tenants/:tenantId/usage
func (h *Handler) Usage(c *gin.Context) {
	pool, err := h.manager.Usage(c.Request.Context(), c.Param("tenantId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": pool, "available": pool.Available()})
}

// List handles GET /v1/quota/tenants/:tenantId/reservations
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.manager.ListByTenant(c.Request.Context(), c.Param("tenantId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Reservation{}
	}
	c.JSON(http.StatusOK, gin.H{"reservations": list, "count": len(list)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrReservationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Reservation not found"})
	case errors.Is(err, ErrUnknownTenant):
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found", "message": err.Error()})
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_idempotency_key", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "contention", "message": "Please retry", "retry_after": 1})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Quota operation failed"})
	}
}
