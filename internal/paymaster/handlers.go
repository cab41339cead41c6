package paymaster

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/latticepay/internal/auth"
	"github.com/mbd888/latticepay/internal/idgen"
	"github.com/mbd888/latticepay/internal/units"
	"github.com/mbd888/latticepay/internal/validation"
)

// Handler provides HTTP endpoints for the settlement engine.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new paymaster handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/users/:address/session", h.GetActiveSession)
	r.GET("/users/:address/metrics", h.GetUserMetrics)
	r.GET("/users/:address/validate", h.ValidateUser)
	r.GET("/gateways/:address/validate", h.ValidateGateway)
	r.POST("/normalize", h.NormalizePayment)
	r.GET("/metrics/profit", h.GetProfitMetrics)
	r.GET("/metrics/profit/detailed", h.GetDetailedProfitMetrics)
	r.GET("/tank", h.GetTankStatus)
	r.GET("/events", h.ListEvents)
}

// RegisterGatewayRoutes sets up the session lifecycle routes. The group must
// require an API key; the key's gateway is the caller.
func (h *Handler) RegisterGatewayRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.StartSession)
	r.POST("/sessions/:id/gas", h.RecordGasUsage)
	r.POST("/sessions/:id/end", h.EndSession)
}

// RegisterAdminRoutes sets up tank administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/sessions", h.ListSessions)
	r.PUT("/tank", h.SetTankParameters)
	r.POST("/tank/topup", h.TopUp)
	r.PUT("/mode", h.SetMode)
}

// StartSessionRequest opens a session on behalf of a user.
type StartSessionRequest struct {
	User         string `json:"user" binding:"required"`
	PaymentToken string `json:"paymentToken" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
}

// callerGateway returns the authenticated gateway, rejecting it before the
// request body is read when it may not act at all.
func (h *Handler) callerGateway(c *gin.Context) (string, bool) {
	gw := auth.GetAuthenticatedGateway(c)
	ok, err := h.engine.ValidateGateway(c.Request.Context(), gw)
	if err != nil {
		writeError(c, err)
		return "", false
	}
	if !ok {
		countRejection("authorize", ErrGatewayNotAuthorized)
		writeError(c, ErrGatewayNotAuthorized)
		return "", false
	}
	return gw, true
}

// StartSession handles POST /v1/sessions
func (h *Handler) StartSession(c *gin.Context) {
	caller, ok := h.callerGateway(c)
	if !ok {
		return
	}
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "user, paymentToken and amount are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("user", req.User),
		validation.ValidAddress("paymentToken", req.PaymentToken),
		validation.ValidUnits("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	amount, _ := units.ParseInt(req.Amount)
	s, err := h.engine.StartSession(c.Request.Context(), caller, req.User, req.PaymentToken, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": s.ID, "session": s})
}

// RecordGasRequest reports LGU consumed by a session.
type RecordGasRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// RecordGasUsage handles POST /v1/sessions/:id/gas
func (h *Handler) RecordGasUsage(c *gin.Context) {
	caller, ok := h.callerGateway(c)
	if !ok {
		return
	}
	var req RecordGasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	amount, ok := units.ParseInt(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount must be a base-10 integer"})
		return
	}
	s, err := h.engine.RecordGasUsage(c.Request.Context(), caller, c.Param("id"), amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

// EndSession handles POST /v1/sessions/:id/end
func (h *Handler) EndSession(c *gin.Context) {
	caller, ok := h.callerGateway(c)
	if !ok {
		return
	}
	st, err := h.engine.EndSession(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	if !idgen.IsSessionID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "id must be a 0x-prefixed 32-byte hex session ID"})
		return
	}
	s, err := h.engine.GetSessionDetails(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// GetActiveSession handles GET /v1/users/:address/session
func (h *Handler) GetActiveSession(c *gin.Context) {
	s, err := h.engine.GetActiveSession(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// ListSessions handles GET /v1/admin/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	list, next, err := h.engine.ListSessions(c.Request.Context(), c.Query("user"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list), "nextCursor": next, "hasMore": next != ""})
}

// GetUserMetrics handles GET /v1/users/:address/metrics
func (h *Handler) GetUserMetrics(c *gin.Context) {
	m, err := h.engine.GetUserMetrics(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ValidateUser handles GET /v1/users/:address/validate
func (h *Handler) ValidateUser(c *gin.Context) {
	ok, err := h.engine.ValidateUser(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": validation.SanitizeAddress(c.Param("address")), "valid": ok})
}

// ValidateGateway handles GET /v1/gateways/:address/validate
func (h *Handler) ValidateGateway(c *gin.Context) {
	ok, err := h.engine.ValidateGateway(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": validation.SanitizeAddress(c.Param("address")), "valid": ok})
}

// NormalizeRequest asks what an amount of token is worth in settlement units.
type NormalizeRequest struct {
	Token  string `json:"token" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// NormalizePayment handles POST /v1/normalize
func (h *Handler) NormalizePayment(c *gin.Context) {
	var req NormalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "token and amount are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("token", req.Token),
		validation.ValidUnits("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	amount, _ := units.ParseInt(req.Amount)
	n, err := h.engine.NormalizePayment(c.Request.Context(), req.Token, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

// GetProfitMetrics handles GET /v1/metrics/profit
func (h *Handler) GetProfitMetrics(c *gin.Context) {
	m, err := h.engine.GetProfitMetrics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetDetailedProfitMetrics handles GET /v1/metrics/profit/detailed
func (h *Handler) GetDetailedProfitMetrics(c *gin.Context) {
	m, err := h.engine.GetDetailedProfitMetrics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetTankStatus handles GET /v1/tank
func (h *Handler) GetTankStatus(c *gin.Context) {
	st, err := h.engine.GetGasTankStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListEvents handles GET /v1/events?after=N&limit=M
func (h *Handler) ListEvents(c *gin.Context) {
	after, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.engine.ListEvents(c.Request.Context(), after, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events), "next": next})
}

// TankParametersRequest replaces the tank limits.
type TankParametersRequest struct {
	MinReserve       string `json:"minReserve" binding:"required"`
	DailyLimit       string `json:"dailyLimit" binding:"required"`
	MaxGasPerSession string `json:"maxGasPerSession" binding:"required"`
}

// SetTankParameters handles PUT /v1/admin/tank
func (h *Handler) SetTankParameters(c *gin.Context) {
	var req TankParametersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "minReserve, dailyLimit and maxGasPerSession are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidUnits("minReserve", req.MinReserve),
		validation.ValidUnits("dailyLimit", req.DailyLimit),
		validation.ValidUnits("maxGasPerSession", req.MaxGasPerSession),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	minReserve, _ := units.ParseInt(req.MinReserve)
	dailyLimit, _ := units.ParseInt(req.DailyLimit)
	maxGas, _ := units.ParseInt(req.MaxGasPerSession)
	st, err := h.engine.SetGasTankParameters(c.Request.Context(), minReserve, dailyLimit, maxGas)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// TopUpRequest adds LGU to the tank.
type TopUpRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// TopUp handles POST /v1/admin/tank/topup
func (h *Handler) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	amount, ok := units.ParseInt(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount must be a base-10 integer"})
		return
	}
	st, err := h.engine.TopUpLGUBalance(c.Request.Context(), amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// SetModeRequest switches the paymaster mode by name or number.
type SetModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// SetMode handles PUT /v1/admin/mode
func (h *Handler) SetMode(c *gin.Context) {
	var req SetModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "mode is required"})
		return
	}
	mode, ok := ParseMode(req.Mode)
	if !ok {
		writeError(c, ErrInvalidMode)
		return
	}
	st, err := h.engine.SetPaymasterMode(c.Request.Context(), mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func writeError(c *gin.Context, err error) {
	var pe *Error
	if errors.As(err, &pe) {
		c.JSON(pe.HTTPStatus(), gin.H{"error": pe.Code, "message": pe.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Paymaster failure"})
}
