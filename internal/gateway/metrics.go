package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	gwQuotaConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "latticepay",
		Subsystem: "gateway",
		Name:      "quota_consumed_lgu_total",
		Help:      "Total LGU charged against gateway daily limits.",
	})

	gwQuotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "latticepay",
		Subsystem: "gateway",
		Name:      "rejections_total",
		Help:      "Gateway operations rejected by reason.",
	}, []string{"reason"}) // "quota", "rate", "not_authorized"

	gwProfiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "latticepay",
		Subsystem: "gateway",
		Name:      "profiles",
		Help:      "Number of registered gateway profiles.",
	})
)

func init() {
	prometheus.MustRegister(gwQuotaConsumed, gwQuotaRejections, gwProfiles)
}
