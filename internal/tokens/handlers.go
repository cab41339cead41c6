package tokens

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/latticepay/internal/validation"
)

// Handler provides HTTP endpoints for the token registry.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new token handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up public token routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tokens", h.ListTokens)
	r.GET("/tokens/:address", h.GetToken)
}

// RegisterAdminRoutes sets up token administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", h.AddToken)
	r.DELETE("/tokens/:address", h.RemoveToken)
}

// ListTokens handles GET /v1/tokens
func (h *Handler) ListTokens(c *gin.Context) {
	list, err := h.registry.ListTokens(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list tokens"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": list, "count": len(list)})
}

// GetToken handles GET /v1/tokens/:address
func (h *Handler) GetToken(c *gin.Context) {
	t, err := h.registry.GetToken(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// AddTokenRequest registers a payment token.
type AddTokenRequest struct {
	Address  string `json:"address" binding:"required"`
	Symbol   string `json:"symbol" binding:"required"`
	Decimals *int   `json:"decimals" binding:"required"`
	Price    string `json:"price" binding:"required"`
}

// AddToken handles POST /v1/admin/tokens
func (h *Handler) AddToken(c *gin.Context) {
	var req AddTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address, symbol, decimals and price are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.MaxLength("symbol", req.Symbol, 32),
		validation.ValidUnits("price", req.Price),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	t, err := h.registry.AddToken(c.Request.Context(), &Token{
		Address:  req.Address,
		Symbol:   validation.SanitizeString(req.Symbol, 32),
		Decimals: *req.Decimals,
		Price:    req.Price,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// RemoveToken handles DELETE /v1/admin/tokens/:address
func (h *Handler) RemoveToken(c *gin.Context) {
	if err := h.registry.RemoveToken(c.Request.Context(), c.Param("address")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": validation.SanitizeAddress(c.Param("address"))})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnsupportedToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_token", "message": "Token not supported"})
	case errors.Is(err, ErrSettlementToken):
		c.JSON(http.StatusConflict, gin.H{"error": "settlement_token", "message": err.Error()})
	case errors.Is(err, ErrInvalidToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token", "message": err.Error()})
	case errors.Is(err, ErrNormalizeOverflow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amount_overflow", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Token registry failure"})
	}
}
