package attempts

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/pagination"
)

// Handler provides HTTP endpoints for the attempt log.
type Handler struct {
	logger *Logger
}

// NewHandler creates a new attempts handler.
func NewHandler(logger *Logger) *Handler {
	return &Handler{logger: logger}
}

// RegisterRoutes sets up attempt routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/attempts", h.Record)
	r.GET("/attempts", h.List)
	r.GET("/attempts/:id", h.Get)
}

// Record handles POST /v1/attempts
func (h *Handler) Record(c *gin.Context) {
	var a Attempt
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid attempt body"})
		return
	}
	id, err := h.logger.Record(c.Request.Context(), &a)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// List handles GET /v1/attempts?type=&userId=&ip=&device=&limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = pagination.ClampLimit(limit)

	items, err := h.logger.List(c.Request.Context(), Filter{
		Type:              Type(c.Query("type")),
		UserID:            c.Query("userId"),
		IP:                c.Query("ip"),
		DeviceFingerprint: c.Query("device"),
		Limit:             limit + 1,
		Cursor:            cursor,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	items, next, more := pagination.ComputePage(items, limit, func(a *Attempt) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	if items == nil {
		items = []*Attempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": items, "count": len(items), "nextCursor": next, "hasMore": more})
}

// Get handles GET /v1/attempts/:id
func (h *Handler) Get(c *gin.Context) {
	a, err := h.logger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempt": a})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAttempt):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("attempts request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "attempt operation failed"})
	}
}
