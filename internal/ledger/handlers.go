package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/latticepay/internal/idgen"
	"github.com/mbd888/latticepay/internal/units"
	"github.com/mbd888/latticepay/internal/validation"
)

// Handler provides HTTP endpoints for custody balances
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up read-only ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balances", h.GetBalances)
	r.GET("/accounts/:address/entries", h.GetEntries)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/credit", h.Credit)
}

// GetBalances handles GET /v1/accounts/:address/balances
func (h *Handler) GetBalances(c *gin.Context) {
	balances, err := h.ledger.Balances(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load balances",
		})
		return
	}
	if balances == nil {
		balances = []*Balance{}
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// GetEntries handles GET /v1/accounts/:address/entries
func (h *Handler) GetEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.ledger.Entries(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load entries",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// CreditRequest mints token balance into an account.
type CreditRequest struct {
	Account   string `json:"account" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Credit handles POST /v1/admin/ledger/credit
func (h *Handler) Credit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account, token and amount are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("account", req.Account),
		validation.ValidAddress("token", req.Token),
		validation.ValidUnits("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, _ := units.ParseInt(req.Amount)
	if req.Reference == "" {
		req.Reference = "credit:" + idgen.New()
	}
	if err := h.ledger.Credit(c.Request.Context(), req.Account, req.Token, amount, req.Reference); err != nil {
		status := http.StatusInternalServerError
		code := "credit_failed"
		switch {
		case errors.Is(err, ErrInvalidAmount):
			status, code = http.StatusBadRequest, "invalid_amount"
		case errors.Is(err, ErrBalanceOverflow):
			status, code = http.StatusUnprocessableEntity, "amount_overflow"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	bal, _ := h.ledger.BalanceOf(c.Request.Context(), req.Account, req.Token)
	c.JSON(http.StatusOK, gin.H{
		"account":   validation.SanitizeAddress(req.Account),
		"token":     validation.SanitizeAddress(req.Token),
		"balance":   bal.String(),
		"reference": req.Reference,
	})
}
