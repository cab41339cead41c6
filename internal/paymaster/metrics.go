package paymaster

import (
	"errors"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pmSessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "latticepay",
		Subsystem: "paymaster",
		Name:      "sessions_started_total",
		Help:      "Total sessions started.",
	})

	pmSessionsEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "latticepay",
		Subsystem: "paymaster",
		Name:      "sessions_ended_total",
		Help:      "Total sessions settled.",
	})

	pmRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "latticepay",
		Subsystem: "paymaster",
		Name:      "rejections_total",
		Help:      "Operations rejected, by operation and error code.",
	}, []string{"op", "code"})

	pmGasRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "latticepay",
		Subsystem: "paymaster",
		Name:      "gas_recorded_lgu_total",
		Help:      "Total LGU recorded against sessions.",
	})

	pmFeesCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "latticepay",
		Subsystem: "paymaster",
		Name:      "fees_collected_units_total",
		Help:      "Total protocol fees in settlement smallest units.",
	})

	pmTankBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "latticepay",
		Subsystem: "paymaster",
		Name:      "tank_balance_lgu",
		Help:      "Current LGU tank balance.",
	})

	pmMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "latticepay",
		Subsystem: "paymaster",
		Name:      "mode",
		Help:      "Paymaster mode (0 active, 1 degraded, 2 paused).",
	})

	pmOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "latticepay",
		Subsystem: "paymaster",
		Name:      "operation_duration_seconds",
		Help:      "Engine operation latency.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		pmSessionsStarted,
		pmSessionsEnded,
		pmRejections,
		pmGasRecorded,
		pmFeesCollected,
		pmTankBalance,
		pmMode,
		pmOpDuration,
	)
}

func observeOp(op string) func() {
	start := time.Now()
	return func() { pmOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }
}

func countRejection(op string, err error) {
	var pe *Error
	if errors.As(err, &pe) {
		pmRejections.WithLabelValues(op, pe.Code).Inc()
		return
	}
	pmRejections.WithLabelValues(op, "internal").Inc()
}

// toFloat is for gauges and counters only; precision loss is acceptable there.
func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func observeTank(t *Tank) {
	if t == nil {
		return
	}
	if b, ok := new(big.Int).SetString(t.Balance, 10); ok {
		pmTankBalance.Set(toFloat(b))
	}
	pmMode.Set(float64(t.Mode))
}
