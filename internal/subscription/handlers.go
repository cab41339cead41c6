package subscription

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/latticepay/internal/validation"
)

// Handler provides HTTP endpoints for subscriptions
type Handler struct {
	service *Service
}

// NewHandler creates a new subscription handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public read routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subscriptions/plans", h.ListPlans)
	r.GET("/users/:address/subscription", h.GetSubscription)
}

// RegisterProtectedRoutes sets up routes that move funds
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.Purchase)
}

// RegisterAdminRoutes sets up admin-only routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.Grant)
	r.GET("/subscriptions", h.List)
}

// ListPlans handles GET /v1/subscriptions/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans := make([]Plan, 0, len(Plans))
	for _, t := range []Tier{TierBasic, TierPro, TierEnterprise} {
		plans = append(plans, Plans[t])
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// GetSubscription handles GET /v1/users/:address/subscription
func (h *Handler) GetSubscription(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidEthAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Invalid address"})
		return
	}
	sub, err := h.service.Get(c.Request.Context(), addr)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No subscription"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load subscription"})
		return
	}
	entitled, _ := h.service.IsEntitled(c.Request.Context(), addr)
	c.JSON(http.StatusOK, gin.H{"subscription": sub, "active": entitled})
}

// PurchaseRequest buys months of a tier for user.
type PurchaseRequest struct {
	User   string `json:"user" binding:"required"`
	Tier   Tier   `json:"tier" binding:"required"`
	Months int    `json:"months" binding:"required"`
}

// Purchase handles POST /v1/subscriptions
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "user, tier and months are required"})
		return
	}
	if !validation.IsValidEthAddress(req.User) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Invalid user address"})
		return
	}
	sub, err := h.service.Purchase(c.Request.Context(), req.User, req.Tier, req.Months)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// GrantRequest gives user a subscription until ExpiresAt.
type GrantRequest struct {
	User      string    `json:"user" binding:"required"`
	Tier      Tier      `json:"tier" binding:"required"`
	ExpiresAt time.Time `json:"expiresAt" binding:"required"`
}

// Grant handles POST /v1/admin/subscriptions
func (h *Handler) Grant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "user, tier and expiresAt are required"})
		return
	}
	if !validation.IsValidEthAddress(req.User) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Invalid user address"})
		return
	}
	sub, err := h.service.Grant(c.Request.Context(), req.User, req.Tier, req.ExpiresAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// List handles GET /v1/admin/subscriptions
func (h *Handler) List(c *gin.Context) {
	subs, err := h.service.List(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list subscriptions"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidTier), errors.Is(err, ErrInvalidMonths), errors.Is(err, ErrInvalidExpiry):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrPaymentFailed):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_failed", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Subscription failure"})
	}
}
