// Package monitor watches the LGU tank and gateway quotas and raises alerts
// when they cross operator thresholds. It recommends a paymaster mode but
// never changes it; operators act on the recommendation.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/latticepay/internal/gateway"
	"github.com/mbd888/latticepay/internal/idgen"
	"github.com/mbd888/latticepay/internal/paymaster"
	"github.com/mbd888/latticepay/internal/units"
)

var ErrInvalidThresholds = errors.New("monitor: warning and critical thresholds are inconsistent")

// Alert types.
const (
	AlertLowBalanceWarning      = "LOW_LGU_BALANCE_WARNING"
	AlertLowBalanceCritical     = "LOW_LGU_BALANCE_CRITICAL"
	AlertHighDailyUsageWarning  = "HIGH_DAILY_USAGE_WARNING"
	AlertHighDailyUsageCritical = "HIGH_DAILY_USAGE_CRITICAL"
	AlertGatewayUsageWarning    = "HIGH_GATEWAY_USAGE_WARNING"
	AlertGatewayUsageCritical   = "HIGH_GATEWAY_USAGE_CRITICAL"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// System health statuses.
const (
	StatusHealthy  = "HEALTHY"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
)

const maxAlerts = 1000

// Thresholds are absolute LGU amounts. Balance alerts fire below the
// threshold; usage alerts fire above it.
type Thresholds struct {
	BalanceWarning       string `json:"lguBalanceWarning"`
	BalanceCritical      string `json:"lguBalanceCritical"`
	DailyUsageWarning    string `json:"dailyUsageWarning"`
	DailyUsageCritical   string `json:"dailyUsageCritical"`
	GatewayUsageWarning  string `json:"gatewayUsageWarning"`
	GatewayUsageCritical string `json:"gatewayUsageCritical"`
}

func (t Thresholds) validate() error {
	vals := []string{t.BalanceWarning, t.BalanceCritical, t.DailyUsageWarning, t.DailyUsageCritical, t.GatewayUsageWarning, t.GatewayUsageCritical}
	for _, v := range vals {
		if _, ok := units.ParseInt(v); !ok {
			return ErrInvalidThresholds
		}
	}
	if units.OrZero(t.BalanceWarning).Cmp(units.OrZero(t.BalanceCritical)) < 0 ||
		units.OrZero(t.DailyUsageWarning).Cmp(units.OrZero(t.DailyUsageCritical)) > 0 ||
		units.OrZero(t.GatewayUsageWarning).Cmp(units.OrZero(t.GatewayUsageCritical)) > 0 {
		return ErrInvalidThresholds
	}
	return nil
}

// Alert is one threshold crossing.
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Subject   string    `json:"subject"` // "tank" or a gateway address
	Value     string    `json:"value"`
	Threshold string    `json:"threshold"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// HealthReport is the outcome of PerformHealthCheck.
type HealthReport struct {
	Healthy         bool           `json:"healthy"`
	Alerts          []Alert        `json:"alerts"`
	CurrentMode     paymaster.Mode `json:"currentMode"`
	RecommendedMode paymaster.Mode `json:"recommendedMode"`
	CheckedAt       time.Time      `json:"checkedAt"`
}

// SystemHealth summarizes the tank against the thresholds.
type SystemHealth struct {
	Healthy    bool           `json:"healthy"`
	Status     string         `json:"status"`
	LGUBalance string         `json:"lguBalance"`
	MinReserve string         `json:"minReserve"`
	DailyUsed  string         `json:"dailyUsed"`
	Mode       paymaster.Mode `json:"mode"`
}

// AlertSummary counts alerts raised since startup.
type AlertSummary struct {
	TotalAlerts     int        `json:"totalAlerts"`
	CriticalAlerts  int        `json:"criticalAlerts"`
	LastAlertAt     *time.Time `json:"lastAlertAt,omitempty"`
	InEmergencyMode bool       `json:"inEmergencyMode"`
}

// TankReader reports the current tank.
type TankReader interface {
	GetGasTankStatus(ctx context.Context) (*paymaster.TankStatus, error)
}

// GatewayReader reports a gateway's usage for today.
type GatewayReader interface {
	GetStatus(ctx context.Context, address string) (*gateway.Status, error)
}

// AlertSink receives every alert after it is recorded.
type AlertSink interface {
	PublishAlert(a Alert)
}

// Monitor evaluates thresholds and keeps a bounded alert history.
type Monitor struct {
	tank     TankReader
	gateways GatewayReader
	sink     AlertSink
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	thresholds  Thresholds
	alerts      []Alert
	total       int
	critical    int
	lastAlertAt *time.Time
	recommended paymaster.Mode
}

// New creates a monitor with the given thresholds.
func New(tank TankReader, gateways GatewayReader, thresholds Thresholds, logger *slog.Logger) (*Monitor, error) {
	if err := thresholds.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		tank:       tank,
		gateways:   gateways,
		logger:     logger,
		now:        time.Now,
		thresholds: thresholds,
	}, nil
}

// WithSink forwards recorded alerts to s.
func (m *Monitor) WithSink(s AlertSink) *Monitor {
	m.sink = s
	return m
}

// WithClock overrides the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Thresholds returns the current thresholds.
func (m *Monitor) Thresholds() Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// UpdateAlertThresholds replaces all thresholds at once.
func (m *Monitor) UpdateAlertThresholds(t Thresholds) error {
	if err := t.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
	m.logger.Info("alert thresholds updated",
		"balanceWarning", t.BalanceWarning, "balanceCritical", t.BalanceCritical,
		"dailyWarning", t.DailyUsageWarning, "dailyCritical", t.DailyUsageCritical)
	return nil
}

// PerformHealthCheck evaluates the tank, records any alerts and returns the
// mode the paymaster should be in. Paused is recommended on a critical
// balance, Degraded on any other alert.
func (m *Monitor) PerformHealthCheck(ctx context.Context) (*HealthReport, error) {
	st, err := m.tank.GetGasTankStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read tank: %w", err)
	}
	th := m.Thresholds()
	now := m.now().UTC()
	alerts := tankAlerts(st, th, now)

	rec := paymaster.ModeActive
	for _, a := range alerts {
		if a.Type == AlertLowBalanceCritical {
			rec = paymaster.ModePaused
			break
		}
		rec = paymaster.ModeDegraded
	}

	m.record(alerts, &rec)
	healthChecks.Inc()
	recommendedMode.Set(float64(rec))
	if rec != st.Mode {
		m.logger.Warn("paymaster mode recommendation differs from current mode",
			"current", st.Mode.String(), "recommended", rec.String(), "alerts", len(alerts))
	}
	return &HealthReport{
		Healthy:         len(alerts) == 0,
		Alerts:          alerts,
		CurrentMode:     st.Mode,
		RecommendedMode: rec,
		CheckedAt:       now,
	}, nil
}

// CheckGatewayHealth raises usage alerts for one gateway.
func (m *Monitor) CheckGatewayHealth(ctx context.Context, address string) ([]Alert, error) {
	st, err := m.gateways.GetStatus(ctx, address)
	if err != nil {
		return nil, err
	}
	th := m.Thresholds()
	now := m.now().UTC()
	used := units.OrZero(st.DailyUsed)
	subject := strings.ToLower(st.Address)

	var alerts []Alert
	switch {
	case used.Cmp(units.OrZero(th.GatewayUsageCritical)) > 0:
		alerts = append(alerts, newAlert(AlertGatewayUsageCritical, SeverityCritical, subject, used, th.GatewayUsageCritical, now))
	case used.Cmp(units.OrZero(th.GatewayUsageWarning)) > 0:
		alerts = append(alerts, newAlert(AlertGatewayUsageWarning, SeverityWarning, subject, used, th.GatewayUsageWarning, now))
	}
	m.record(alerts, nil)
	return alerts, nil
}

// GetSystemHealth classifies the tank without recording alerts.
func (m *Monitor) GetSystemHealth(ctx context.Context) (*SystemHealth, error) {
	st, err := m.tank.GetGasTankStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read tank: %w", err)
	}
	status := StatusHealthy
	for _, a := range tankAlerts(st, m.Thresholds(), m.now()) {
		if a.Severity == SeverityCritical {
			status = StatusCritical
			break
		}
		status = StatusWarning
	}
	return &SystemHealth{
		Healthy:    status == StatusHealthy,
		Status:     status,
		LGUBalance: st.CurrentBalance,
		MinReserve: st.MinReserve,
		DailyUsed:  st.DailyUsed,
		Mode:       st.Mode,
	}, nil
}

// GetAlertSummary counts alerts since startup.
func (m *Monitor) GetAlertSummary() AlertSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := AlertSummary{
		TotalAlerts:     m.total,
		CriticalAlerts:  m.critical,
		InEmergencyMode: m.recommended == paymaster.ModePaused,
	}
	if m.lastAlertAt != nil {
		t := *m.lastAlertAt
		s.LastAlertAt = &t
	}
	return s
}

// Alerts returns up to limit of the most recent alerts, newest first.
func (m *Monitor) Alerts(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	out := make([]Alert, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out
}

func (m *Monitor) record(alerts []Alert, rec *paymaster.Mode) {
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		if m.sink != nil {
			for _, a := range alerts {
				m.sink.PublishAlert(a)
			}
		}
	}()
	if rec != nil {
		m.recommended = *rec
	}
	for _, a := range alerts {
		m.alerts = append(m.alerts, a)
		m.total++
		if a.Severity == SeverityCritical {
			m.critical++
		}
		at := a.CreatedAt
		m.lastAlertAt = &at
		alertsRaised.WithLabelValues(a.Type).Inc()
		m.logger.Warn("alert triggered", "type", a.Type, "subject", a.Subject, "value", a.Value, "threshold", a.Threshold)
	}
	if over := len(m.alerts) - maxAlerts; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}
}

func tankAlerts(st *paymaster.TankStatus, th Thresholds, now time.Time) []Alert {
	var alerts []Alert
	balance := units.OrZero(st.CurrentBalance)
	switch {
	case balance.Cmp(units.OrZero(th.BalanceCritical)) < 0:
		alerts = append(alerts, newAlert(AlertLowBalanceCritical, SeverityCritical, "tank", balance, th.BalanceCritical, now))
	case balance.Cmp(units.OrZero(th.BalanceWarning)) < 0:
		alerts = append(alerts, newAlert(AlertLowBalanceWarning, SeverityWarning, "tank", balance, th.BalanceWarning, now))
	}
	used := units.OrZero(st.DailyUsed)
	switch {
	case used.Cmp(units.OrZero(th.DailyUsageCritical)) > 0:
		alerts = append(alerts, newAlert(AlertHighDailyUsageCritical, SeverityCritical, "tank", used, th.DailyUsageCritical, now))
	case used.Cmp(units.OrZero(th.DailyUsageWarning)) > 0:
		alerts = append(alerts, newAlert(AlertHighDailyUsageWarning, SeverityWarning, "tank", used, th.DailyUsageWarning, now))
	}
	return alerts
}

func newAlert(typ string, sev Severity, subject string, value *big.Int, threshold string, at time.Time) Alert {
	return Alert{
		ID:        idgen.WithPrefix("alert_"),
		Type:      typ,
		Severity:  sev,
		Subject:   subject,
		Value:     value.String(),
		Threshold: threshold,
		Message:   fmt.Sprintf("%s: %s crossed %s", subject, value.String(), threshold),
		CreatedAt: at,
	}
}
