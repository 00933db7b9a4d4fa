package blacklist

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/logging"
)

// Handler provides HTTP endpoints for blacklist administration.
type Handler struct {
	service *Service
}

// NewHandler creates a new blacklist handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only blacklist routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/blacklist", h.List)
	r.GET("/blacklist/:id", h.Get)
}

// RegisterAdminRoutes sets up routes that change the blacklist.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/blacklist", h.Add)
	r.DELETE("/blacklist/:id", h.Remove)
}

// Add handles POST /v1/blacklist
func (h *Handler) Add(c *gin.Context) {
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "type, value and severity are required",
		})
		return
	}
	req.Source = SourceManual
	req.CreatedBy = auth.Subject(c)

	entry, err := h.service.Add(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// List handles GET /v1/blacklist?type=ip&active=true&limit=50
func (h *Handler) List(c *gin.Context) {
	filter := Filter{
		Type:       Type(c.Query("type")),
		ActiveOnly: c.Query("active") == "true",
		Limit:      100,
	}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 1000 {
		filter.Limit = l
	}

	entries, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Get handles GET /v1/blacklist/:id
func (h *Handler) Get(c *gin.Context) {
	entry, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// Remove handles DELETE /v1/blacklist/:id
func (h *Handler) Remove(c *gin.Context) {
	if err := h.service.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true, "id": c.Param("id")})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidSeverity),
		errors.Is(err, ErrInvalidValue), errors.Is(err, ErrInvalidExpiry):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("blacklist request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "blacklist operation failed"})
	}
}
