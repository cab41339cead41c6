package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/latticepay/internal/gateway"
	"github.com/mbd888/latticepay/internal/paymaster"
)

type fakeTank struct{ st paymaster.TankStatus }

func (f *fakeTank) GetGasTankStatus(context.Context) (*paymaster.TankStatus, error) {
	cp := f.st
	return &cp, nil
}

type fakeGateways map[string]string

func (f fakeGateways) GetStatus(_ context.Context, addr string) (*gateway.Status, error) {
	used, ok := f[addr]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &gateway.Status{Profile: &gateway.Profile{Address: addr, DailyUsed: used, DailyLimit: "1000"}}, nil
}

var defaultThresholds = Thresholds{
	BalanceWarning:       "200",
	BalanceCritical:      "100",
	DailyUsageWarning:    "800",
	DailyUsageCritical:   "950",
	GatewayUsageWarning:  "80",
	GatewayUsageCritical: "95",
}

func newTestMonitor(t *testing.T, balance, used string) (*Monitor, *fakeTank) {
	t.Helper()
	tank := &fakeTank{st: paymaster.TankStatus{CurrentBalance: balance, DailyUsed: used, MinReserve: "10"}}
	m, err := New(tank, fakeGateways{"0xaa": "90", "0xbb": "10", "0xcc": "99"}, defaultThresholds, nil)
	require.NoError(t, err)
	m.WithClock(func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) })
	return m, tank
}

func TestPerformHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		used    string
		alerts  []string
		mode    paymaster.Mode
	}{
		{"healthy", "1000", "0", nil, paymaster.ModeActive},
		{"low balance warning", "150", "0", []string{AlertLowBalanceWarning}, paymaster.ModeDegraded},
		{"low balance critical", "50", "0", []string{AlertLowBalanceCritical}, paymaster.ModePaused},
		{"high usage warning", "1000", "900", []string{AlertHighDailyUsageWarning}, paymaster.ModeDegraded},
		{"high usage critical", "1000", "960", []string{AlertHighDailyUsageCritical}, paymaster.ModeDegraded},
		{"both", "50", "960", []string{AlertLowBalanceCritical, AlertHighDailyUsageCritical}, paymaster.ModePaused},
		{"at warning threshold is fine", "200", "800", nil, paymaster.ModeActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor(t, tt.balance, tt.used)
			report, err := m.PerformHealthCheck(context.Background())
			require.NoError(t, err)

			var types []string
			for _, a := range report.Alerts {
				types = append(types, a.Type)
			}
			assert.Equal(t, tt.alerts, types)
			assert.Equal(t, tt.mode, report.RecommendedMode)
			assert.Equal(t, len(tt.alerts) == 0, report.Healthy)
			assert.Equal(t, paymaster.ModeActive, report.CurrentMode, "the monitor never changes the mode")
		})
	}
}

type sinkRecorder struct{ got []Alert }

func (s *sinkRecorder) PublishAlert(a Alert) { s.got = append(s.got, a) }

func TestSinkReceivesAlerts(t *testing.T) {
	m, _ := newTestMonitor(t, "50", "0")
	sink := &sinkRecorder{}
	m.WithSink(sink)

	_, err := m.PerformHealthCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.got, 1)
	assert.Equal(t, AlertLowBalanceCritical, sink.got[0].Type)
}

func TestAlertSummary(t *testing.T) {
	m, tank := newTestMonitor(t, "1000", "0")
	ctx := context.Background()

	_, err := m.PerformHealthCheck(ctx)
	require.NoError(t, err)
	s := m.GetAlertSummary()
	assert.Equal(t, 0, s.TotalAlerts)
	assert.False(t, s.InEmergencyMode)
	assert.Nil(t, s.LastAlertAt)

	tank.st.CurrentBalance = "10"
	_, err = m.PerformHealthCheck(ctx)
	require.NoError(t, err)
	s = m.GetAlertSummary()
	assert.Equal(t, 1, s.TotalAlerts)
	assert.Equal(t, 1, s.CriticalAlerts)
	assert.True(t, s.InEmergencyMode)
	require.NotNil(t, s.LastAlertAt)

	tank.st.CurrentBalance = "1000"
	_, err = m.PerformHealthCheck(ctx)
	require.NoError(t, err)
	assert.False(t, m.GetAlertSummary().InEmergencyMode)
	assert.Len(t, m.Alerts(0), 1)
}

func TestCheckGatewayHealth(t *testing.T) {
	m, _ := newTestMonitor(t, "1000", "0")
	ctx := context.Background()

	alerts, err := m.CheckGatewayHealth(ctx, "0xaa")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertGatewayUsageWarning, alerts[0].Type)
	first := alerts[0].ID
	assert.True(t, strings.HasPrefix(first, "alert_"), first)

	alerts, err = m.CheckGatewayHealth(ctx, "0xcc")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertGatewayUsageCritical, alerts[0].Type)
	assert.NotEqual(t, first, alerts[0].ID)

	alerts, err = m.CheckGatewayHealth(ctx, "0xbb")
	require.NoError(t, err)
	assert.Empty(t, alerts)

	_, err = m.CheckGatewayHealth(ctx, "0xdd")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestGetSystemHealth(t *testing.T) {
	m, tank := newTestMonitor(t, "1000", "0")
	ctx := context.Background()

	h, err := m.GetSystemHealth(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, "1000", h.LGUBalance)

	tank.st.DailyUsed = "900"
	h, err = m.GetSystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, h.Status)

	tank.st.CurrentBalance = "1"
	h, err = m.GetSystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCritical, h.Status)
	assert.Equal(t, 0, m.GetAlertSummary().TotalAlerts, "health reads do not record alerts")
}

func TestUpdateAlertThresholds(t *testing.T) {
	m, _ := newTestMonitor(t, "1000", "0")

	bad := defaultThresholds
	bad.BalanceCritical = "500"
	assert.ErrorIs(t, m.UpdateAlertThresholds(bad), ErrInvalidThresholds)

	bad = defaultThresholds
	bad.DailyUsageWarning = "abc"
	assert.ErrorIs(t, m.UpdateAlertThresholds(bad), ErrInvalidThresholds)

	good := defaultThresholds
	good.BalanceWarning = "5000"
	require.NoError(t, m.UpdateAlertThresholds(good))
	assert.Equal(t, "5000", m.Thresholds().BalanceWarning)
}

func TestTimer_RunsChecksUntilCancelled(t *testing.T) {
	m, tank := newTestMonitor(t, "1000", "0")
	tank.st.CurrentBalance = "10"
	timer := NewTimer(m, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go timer.Start(ctx)
	require.Eventually(t, func() bool { return m.GetAlertSummary().TotalAlerts > 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	cancel()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := newTestMonitor(t, "150", "0")
	h := NewHandler(m)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/monitor/check", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recommendedMode":"degraded"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/monitor/health", nil))
	assert.Contains(t, w.Body.String(), `"status":"WARNING"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/monitor/alerts", nil))
	assert.Contains(t, w.Body.String(), `"totalAlerts":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/monitor/gateways/0xdd", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/admin/monitor/thresholds",
		strings.NewReader(`{"lguBalanceWarning":"1","lguBalanceCritical":"2","dailyUsageWarning":"1","dailyUsageCritical":"2","gatewayUsageWarning":"1","gatewayUsageCritical":"2"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
