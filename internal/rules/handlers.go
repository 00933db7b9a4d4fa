package rules

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/logging"
)

// Handler provides HTTP endpoints for rule administration.
type Handler struct {
	service *Service
}

// NewHandler creates a new rules handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up rule routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/rules", h.Create)
	r.GET("/rules", h.List)
	r.GET("/rules/:id", h.Get)
	r.PUT("/rules/:id", h.Update)
	r.POST("/rules/:id/deactivate", h.Deactivate)
	r.POST("/rules/:id/activate", h.Activate)
}

// Create handles POST /v1/rules
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "name, type and action are required",
		})
		return
	}
	rule, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// List handles GET /v1/rules?type=velocity_check&active=true
func (h *Handler) List(c *gin.Context) {
	rs, err := h.service.List(c.Request.Context(), Filter{
		Type:       Type(c.Query("type")),
		ActiveOnly: c.Query("active") == "true",
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if rs == nil {
		rs = []*Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rs, "count": len(rs)})
}

// Get handles GET /v1/rules/:id
func (h *Handler) Get(c *gin.Context) {
	rule, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Update handles PUT /v1/rules/:id
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid request body"})
		return
	}
	rule, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Deactivate handles POST /v1/rules/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	rule, err := h.service.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Activate handles POST /v1/rules/:id/activate
func (h *Handler) Activate(c *gin.Context) {
	rule, err := h.service.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidRule), errors.Is(err, ErrInvalidConditions):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("rule request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "rule operation failed"})
	}
}
