package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	alertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "latticepay",
		Subsystem: "monitor",
		Name:      "alerts_total",
		Help:      "Alerts raised by type.",
	}, []string{"type"})

	healthChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "latticepay",
		Subsystem: "monitor",
		Name:      "health_checks_total",
		Help:      "Health checks performed.",
	})

	recommendedMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "latticepay",
		Subsystem: "monitor",
		Name:      "recommended_mode",
		Help:      "Paymaster mode recommended by the last health check (0 active, 1 degraded, 2 paused).",
	})
)

func init() {
	prometheus.MustRegister(alertsRaised, healthChecks, recommendedMode)
}
