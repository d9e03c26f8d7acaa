package policy

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the active policy version and explicit reload.
type Handler struct {
	provider *Provider
}

// NewHandler creates a new policy handler.
func NewHandler(provider *Provider) *Handler {
	return &Handler{provider: provider}
}

// RegisterAdminRoutes sets up policy routes under the admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/policy", h.Get)
	r.POST("/policy/reload", h.Reload)
}

// Get handles GET /v1/admin/policy
func (h *Handler) Get(c *gin.Context) {
	snap := h.provider.Current()
	c.JSON(http.StatusOK, gin.H{
		"version":  snap.Version(),
		"loadedAt": snap.LoadedAt(),
		"policy":   snap.Document(),
	})
}

// Reload handles POST /v1/admin/policy/reload
func (h *Handler) Reload(c *gin.Context) {
	changed, err := h.provider.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "reload_failed",
			"message": err.Error(),
			"version": h.provider.Current().Version(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"changed": changed,
		"version": h.provider.Current().Version(),
	})
}
