package signals

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides the signal ingestion endpoint.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a new signal handler.
func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

// RegisterRoutes sets up signal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/signals", h.Ingest)
}

// Ingest handles POST /v1/signals. Signals are queued and answered with
// 202; ?sync=true processes inline and returns the outcome.
func (h *Handler) Ingest(c *gin.Context) {
	var sig Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if c.Query("sync") == "true" {
		out, err := h.pipeline.Process(c.Request.Context(), sig)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": out})
		return
	}

	if err := h.pipeline.Submit(sig); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidSignal):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signal", "message": err.Error()})
	case errors.Is(err, ErrQueueFull):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_full", "message": "signal queue is full, retry later"})
	case errors.Is(err, ErrPipelineStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "signal ingestion is shutting down"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
