// Package metrics holds process-wide Prometheus instrumentation. Domain
// packages register their own collectors under the same namespace.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every latticepay metric.
const Namespace = "latticepay"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// ActiveWebSocketClients is maintained by the realtime hub.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "active_websocket_clients",
		Help:      "Connected WebSocket clients.",
	})

	// EventsBroadcast counts paymaster events pushed to WebSocket clients.
	EventsBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "realtime",
		Name:      "events_broadcast_total",
		Help:      "Events broadcast to WebSocket clients by type.",
	}, []string{"type"})

	dbOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "db", Name: "open_connections",
		Help: "Open database connections.",
	})
	dbInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "db", Name: "in_use_connections",
		Help: "In-use database connections.",
	})
	dbWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "db", Name: "wait_duration_seconds_total",
		Help: "Total time waited for a connection.",
	})
	goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWebSocketClients,
		EventsBroadcast,
		dbOpenConnections,
		dbInUseConnections,
		dbWaitDuration,
		goroutines,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count until
// ctx is done. db may be nil when running on in-memory stores. Call in a
// goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample(db)
		}
	}
}

func sample(db *sql.DB) {
	goroutines.Set(float64(runtime.NumGoroutine()))
	if db == nil {
		return
	}
	stats := db.Stats()
	dbOpenConnections.Set(float64(stats.OpenConnections))
	dbInUseConnections.Set(float64(stats.InUse))
	dbWaitDuration.Set(stats.WaitDuration.Seconds())
}

// Middleware records request count and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the Prometheus registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
