package fraud

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/pagination"
)

// Handler provides HTTP endpoints for evaluation and review.
type Handler struct {
	service *Service
}

// NewHandler creates a new fraud handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up evaluation and score read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/fraud/evaluate", h.Evaluate)
	r.GET("/fraud/scores", h.List)
	r.GET("/fraud/scores/:id", h.Get)
}

// RegisterReviewRoutes sets up routes that need a reviewer.
func (h *Handler) RegisterReviewRoutes(r *gin.RouterGroup) {
	r.POST("/fraud/scores/:id/resolve", h.Resolve)
}

// EvaluateRequest is the wire form of a TransactionContext.
type EvaluateRequest struct {
	OrderID             string          `json:"orderId" binding:"required"`
	UserID              string          `json:"userId"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	IP                  string          `json:"ip"`
	IPCountry           string          `json:"ipCountry"`
	DeviceFingerprint   string          `json:"deviceFingerprint"`
	KnownDevice         bool            `json:"knownDevice"`
	Email               string          `json:"email"`
	Phone               string          `json:"phone"`
	BillingCountry      string          `json:"billingCountry"`
	ShippingCountry     string          `json:"shippingCountry"`
	BillingAddressHash  string          `json:"billingAddressHash"`
	ShippingAddressHash string          `json:"shippingAddressHash"`
	CardHash            string          `json:"cardHash"`
	RecentOrderCount    int             `json:"recentOrderCount"`
	RecentCardCount     int             `json:"recentCardCount"`
	AccountAgeHours     *float64        `json:"accountAgeHours"`
	OccurredAt          *time.Time      `json:"occurredAt"`
	UserAgent           string          `json:"userAgent"`
	VelocityAction      string          `json:"velocityAction"`
}

// Transaction converts the request.
func (req *EvaluateRequest) Transaction() TransactionContext {
	tx := TransactionContext{
		OrderID:             req.OrderID,
		UserID:              req.UserID,
		Amount:              req.Amount,
		Currency:            req.Currency,
		IP:                  req.IP,
		IPCountry:           req.IPCountry,
		DeviceFingerprint:   req.DeviceFingerprint,
		KnownDevice:         req.KnownDevice,
		Email:               req.Email,
		Phone:               req.Phone,
		BillingCountry:      req.BillingCountry,
		ShippingCountry:     req.ShippingCountry,
		BillingAddressHash:  req.BillingAddressHash,
		ShippingAddressHash: req.ShippingAddressHash,
		CardHash:            req.CardHash,
		RecentOrderCount:    req.RecentOrderCount,
		RecentCardCount:     req.RecentCardCount,
		UserAgent:           req.UserAgent,
		VelocityAction:      req.VelocityAction,
	}
	if req.AccountAgeHours != nil {
		age := time.Duration(*req.AccountAgeHours * float64(time.Hour))
		tx.AccountAge = &age
	}
	if req.OccurredAt != nil {
		tx.OccurredAt = *req.OccurredAt
	}
	return tx
}

// Evaluate handles POST /v1/fraud/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "orderId is required and fields must be well-formed",
		})
		return
	}

	score, err := h.service.Evaluate(c.Request.Context(), req.Transaction())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scoreId":         score.ID,
		"score":           score.TotalScore,
		"riskLevel":       score.RiskLevel,
		"action":          score.Action,
		"status":          score.Status,
		"triggeredRules":  score.TriggeredRules,
		"degraded":        score.Degraded,
		"degradedReasons": score.DegradedReasons,
		"fraudScore":      score,
	})
}

// Get handles GET /v1/fraud/scores/:id
func (h *Handler) Get(c *gin.Context) {
	score, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fraudScore": score})
}

// List handles GET /v1/fraud/scores?status=pending&orderId=&limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = pagination.ClampLimit(limit)

	scores, err := h.service.List(c.Request.Context(), ListFilter{
		Status:  Status(c.Query("status")),
		OrderID: c.Query("orderId"),
		Limit:   limit + 1,
		Cursor:  cursor,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	scores, next, more := pagination.ComputePage(scores, limit, func(s *Score) (time.Time, string) {
		return s.CreatedAt, s.ID
	})
	if scores == nil {
		scores = []*Score{}
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores, "count": len(scores), "nextCursor": next, "hasMore": more})
}

// Resolve handles POST /v1/fraud/scores/:id/resolve. The reviewer is the
// authenticated subject, never a body field.
func (h *Handler) Resolve(c *gin.Context) {
	var res Resolution
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "decision is required"})
		return
	}
	res.ReviewerID = auth.Subject(c)

	score, err := h.service.Resolve(c.Request.Context(), c.Param("id"), res)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fraudScore": score})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Error(), "fields": verr.Fields})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrDependencyUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency_unavailable", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("fraud request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "fraud operation failed"})
	}
}
