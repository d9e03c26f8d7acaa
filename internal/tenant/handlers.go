package tenant

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sendguard/internal/idgen"
	"github.com/mbd888/sendguard/internal/validation"
)

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	store     Store
	directory *Directory
	now       func() time.Time
}

// NewHandler creates a new tenant handler. directory may be nil.
func NewHandler(store Store, directory *Directory) *Handler {
	return &Handler{store: store, directory: directory, now: time.Now}
}

// RegisterRoutes sets up read-only tenant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id", h.GetTenant)
}

// RegisterAdminRoutes sets up the admin-only tenant management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
	r.PATCH("/tenants/:id", h.UpdateTenant)
}

// CreateTenant handles POST /v1/admin/tenants
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		Name        string     `json:"name" binding:"required"`
		Slug        string     `json:"slug" binding:"required"`
		Plan        Plan       `json:"plan"`
		Settings    Settings   `json:"settings"`
		OnboardedAt *time.Time `json:"onboardedAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and slug required"})
		return
	}

	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if !validation.IsValidSlug(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_slug",
			"message": "slug must be 3-64 lowercase alphanumeric/hyphens, start/end with alphanumeric",
		})
		return
	}

	if req.Plan == "" {
		req.Plan = PlanFree
	}
	if !ValidPlan(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "unknown plan"})
		return
	}
	if req.Settings.MonthlyQuota < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_settings", "message": "monthlyQuota must not be negative"})
		return
	}

	now := h.now()
	t := &Tenant{
		ID:          idgen.WithPrefix(idgen.Tenant),
		Name:        validation.SanitizeString(req.Name, 200),
		Slug:        req.Slug,
		Plan:        req.Plan,
		Status:      StatusActive,
		Settings:    req.Settings,
		OnboardedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.OnboardedAt != nil {
		t.OnboardedAt = *req.OnboardedAt
	}

	if err := h.store.Create(c.Request.Context(), t); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": "slug already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create tenant"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

// ListTenants handles GET /v1/admin/tenants. ?slug= looks up one tenant;
// otherwise ?status= and ?plan= filter the newest-first listing.
func (h *Handler) ListTenants(c *gin.Context) {
	if slug := c.Query("slug"); slug != "" {
		t, err := h.store.GetBySlug(c.Request.Context(), strings.ToLower(slug))
		if err != nil {
			if errors.Is(err, ErrTenantNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load tenant"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenants": []*Tenant{t}, "count": 1})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.store.List(c.Request.Context(), ListFilter{
		Status: Status(c.Query("status")),
		Plan:   Plan(c.Query("plan")),
		Limit:  limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list tenants"})
		return
	}
	if list == nil {
		list = []*Tenant{}
	}
	c.JSON(http.StatusOK, gin.H{"tenants": list, "count": len(list)})
}

// GetTenant handles GET /v1/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant":       t,
		"monthlyQuota": t.QuotaLimit(),
		"tier":         t.Tier(),
	})
}

// UpdateTenant handles PATCH /v1/admin/tenants/:id
func (h *Handler) UpdateTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	var req struct {
		Name     *string   `json:"name"`
		Plan     *Plan     `json:"plan"`
		Status   *Status   `json:"status"`
		Settings *Settings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		t.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Plan != nil {
		if !ValidPlan(*req.Plan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "unknown plan"})
			return
		}
		t.Plan = *req.Plan
	}
	if req.Status != nil {
		switch *req.Status {
		case StatusActive, StatusSuspended, StatusCancelled:
			t.Status = *req.Status
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "unknown status"})
			return
		}
	}
	if req.Settings != nil {
		if req.Settings.MonthlyQuota < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_settings", "message": "monthlyQuota must not be negative"})
			return
		}
		t.Settings = *req.Settings
	}
	t.UpdatedAt = h.now()

	if err := h.store.Update(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update tenant"})
		return
	}
	if h.directory != nil {
		h.directory.Invalidate(t.ID)
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}
