package velocity

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/logging"
)

// Handler exposes read-only velocity diagnostics.
type Handler struct {
	service *Service
}

// NewHandler creates a new velocity handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up velocity routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/velocity/:type/:identifier", h.Stats)
}

// Stats handles GET /v1/velocity/:type/:identifier
func (h *Handler) Stats(c *gin.Context) {
	identifierType := c.Param("type")
	identifier := c.Param("identifier")

	windows, err := h.service.Stats(c.Request.Context(), identifier, identifierType)
	if err != nil {
		logging.L(c.Request.Context()).Error("velocity stats failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "dependency_unavailable",
			"message": "velocity backend unavailable",
		})
		return
	}
	if windows == nil {
		windows = []Window{}
	}
	var current int64
	for _, w := range windows {
		if w.Count > current {
			current = w.Count
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"identifier":     identifier,
		"identifierType": identifierType,
		"windows":        windows,
		"currentCount":   current,
	})
}
