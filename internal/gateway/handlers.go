package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/latticepay/internal/auth"
	"github.com/mbd888/latticepay/internal/units"
	"github.com/mbd888/latticepay/internal/validation"
)

// Handler provides HTTP endpoints for gateway profiles.
type Handler struct {
	registry *Registry
	keys     *auth.Manager
}

// NewHandler creates a new gateway handler. keys may be nil, in which case
// the key issuing route is not registered.
func NewHandler(registry *Registry, keys *auth.Manager) *Handler {
	return &Handler{registry: registry, keys: keys}
}

// RegisterRoutes sets up public gateway routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/gateways/:address", h.GetGateway)
}

// RegisterAdminRoutes sets up gateway administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/gateways", h.ListGateways)
	r.POST("/gateways", h.AddGateway)
	r.PUT("/gateways/:address/allowed", h.SetAllowed)
	if h.keys != nil {
		r.POST("/gateways/:address/keys", h.IssueKey)
	}
}

// GetGateway handles GET /v1/gateways/:address
func (h *Handler) GetGateway(c *gin.Context) {
	st, err := h.registry.GetStatus(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListGateways handles GET /v1/admin/gateways
func (h *Handler) ListGateways(c *gin.Context) {
	list, err := h.registry.ListProfiles(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Profile{}
	}
	c.JSON(http.StatusOK, gin.H{"gateways": list, "count": len(list)})
}

// AddGatewayRequest registers a gateway profile.
type AddGatewayRequest struct {
	Address     string `json:"address" binding:"required"`
	DailyLimit  string `json:"dailyLimit" binding:"required"`
	MetadataURI string `json:"metadataUri"`
	OpsPerHour  int64  `json:"opsPerHour"`
}

// AddGateway handles POST /v1/admin/gateways
func (h *Handler) AddGateway(c *gin.Context) {
	var req AddGatewayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address and dailyLimit are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.ValidUnits("dailyLimit", req.DailyLimit),
		validation.MaxLength("metadataUri", req.MetadataURI, 512),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	limit, _ := units.ParseInt(req.DailyLimit)
	p, err := h.registry.AddProfile(c.Request.Context(), req.Address, limit, req.MetadataURI, req.OpsPerHour)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// SetAllowedRequest toggles gateway authorization.
type SetAllowedRequest struct {
	Allowed *bool `json:"allowed" binding:"required"`
}

// SetAllowed handles PUT /v1/admin/gateways/:address/allowed
func (h *Handler) SetAllowed(c *gin.Context) {
	var req SetAllowedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "allowed is required"})
		return
	}
	if err := h.registry.SetAllowed(c.Request.Context(), c.Param("address"), *req.Allowed); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": validation.SanitizeAddress(c.Param("address")), "allowed": *req.Allowed})
}

// IssueKeyRequest names a new gateway API key.
type IssueKeyRequest struct {
	Name string `json:"name"`
}

// IssueKey handles POST /v1/admin/gateways/:address/keys
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	_ = c.ShouldBindJSON(&req)

	p, err := h.registry.GetProfile(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	raw, key, err := h.keys.GenerateKey(c.Request.Context(), p.Address, validation.SanitizeString(req.Name, 64))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"keyId":   key.ID,
		"gateway": p.Address,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Gateway not found"})
	case errors.Is(err, ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
	case errors.Is(err, ErrInvalidLimit), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrLimitBelowUsage):
		c.JSON(http.StatusConflict, gin.H{"error": "limit_below_usage", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Gateway registry failure"})
	}
}
