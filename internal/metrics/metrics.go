// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts settled orders, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_orders_total",
		Help: "Total number of orders settled",
	}, []string{"side"})

	// OrderRejections counts rejected orders by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_order_rejections_total",
		Help: "Orders rejected before commit",
	}, []string{"reason"})

	// SettlementLatency tracks settlement duration by side.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperbroker_settlement_latency_seconds",
		Help:    "Order settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// SnapshotsTotal counts recorded wealth snapshots by type.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_wealth_snapshots_total",
		Help: "Wealth snapshots recorded",
	}, []string{"type"})

	// SnapshotsPruned counts snapshots deleted by retention cleanup.
	SnapshotsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_wealth_snapshots_pruned_total",
		Help: "Wealth snapshots deleted by retention cleanup",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperbroker_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperbroker_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperbroker_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
