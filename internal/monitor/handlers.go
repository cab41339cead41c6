package monitor

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/latticepay/internal/gateway"
)

// Handler provides HTTP endpoints for the monitor.
type Handler struct {
	monitor *Monitor
}

// NewHandler creates a new monitor handler.
func NewHandler(m *Monitor) *Handler {
	return &Handler{monitor: m}
}

// RegisterRoutes sets up public monitor routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/monitor/health", h.GetSystemHealth)
	r.GET("/monitor/alerts", h.GetAlerts)
	r.GET("/monitor/gateways/:address", h.CheckGateway)
}

// RegisterAdminRoutes sets up monitor administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/monitor/check", h.PerformHealthCheck)
	r.GET("/monitor/thresholds", h.GetThresholds)
	r.PUT("/monitor/thresholds", h.UpdateThresholds)
}

// GetSystemHealth handles GET /v1/monitor/health
func (h *Handler) GetSystemHealth(c *gin.Context) {
	st, err := h.monitor.GetSystemHealth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to read system health"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetAlerts handles GET /v1/monitor/alerts
func (h *Handler) GetAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	c.JSON(http.StatusOK, gin.H{
		"summary": h.monitor.GetAlertSummary(),
		"alerts":  h.monitor.Alerts(limit),
	})
}

// CheckGateway handles GET /v1/monitor/gateways/:address
func (h *Handler) CheckGateway(c *gin.Context) {
	alerts, err := h.monitor.CheckGatewayHealth(c.Request.Context(), c.Param("address"))
	if errors.Is(err, gateway.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Gateway not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to check gateway"})
		return
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"healthy": len(alerts) == 0, "alerts": alerts})
}

// PerformHealthCheck handles POST /v1/admin/monitor/check
func (h *Handler) PerformHealthCheck(c *gin.Context) {
	report, err := h.monitor.PerformHealthCheck(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Health check failed"})
		return
	}
	if report.Alerts == nil {
		report.Alerts = []Alert{}
	}
	c.JSON(http.StatusOK, report)
}

// GetThresholds handles GET /v1/admin/monitor/thresholds
func (h *Handler) GetThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Thresholds())
}

// UpdateThresholds handles PUT /v1/admin/monitor/thresholds
func (h *Handler) UpdateThresholds(c *gin.Context) {
	var req Thresholds
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid thresholds body"})
		return
	}
	if err := h.monitor.UpdateAlertThresholds(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_thresholds", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, req)
}
