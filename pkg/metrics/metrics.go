// Package metrics provides Prometheus metrics for the VFS core.
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
	// Session pool metrics
	poolSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfs_pool_sessions",
			Help: "Pooled sessions by state",
		},
		[]string{"pool", "state"},
	)

	poolAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfs_pool_acquire_duration_seconds",
			Help:    "Time spent waiting for a pooled session",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	poolDestroyedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_pool_destroyed_total",
			Help: "Sessions destroyed, by reason",
		},
		[]string{"pool", "reason"},
	)

	// Resolution metrics
	resolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_resolve_total",
			Help: "Resource resolutions by outcome",
		},
		[]string{"outcome"},
	)

	mountedFileSystems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfs_mounted_filesystems",
			Help: "Number of mounted filesystems",
		},
	)

	// Gateway metrics
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_gateway_requests_total",
			Help: "Gateway requests by method and status",
		},
		[]string{"method", "status"},
	)

	gatewayBytesServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_gateway_bytes_served_total",
			Help: "Bytes written by the gateway, by transfer mode",
		},
		[]string{"mode"},
	)

	// Object storage metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfs_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfs_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// SetPoolSessions records the session counts of a pool.
func SetPoolSessions(pool string, live, idle, outstanding int) {
	poolSessions.WithLabelValues(pool, "live").Set(float64(live))
	poolSessions.WithLabelValues(pool, "idle").Set(float64(idle))
	poolSessions.WithLabelValues(pool, "outstanding").Set(float64(outstanding))
}

// ObservePoolAcquire records the wait for a pooled session.
func ObservePoolAcquire(pool string, d time.Duration) {
	poolAcquireDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// RecordPoolDestroyed counts a destroyed session.
func RecordPoolDestroyed(pool, reason string) {
	poolDestroyedTotal.WithLabelValues(pool, reason).Inc()
}

// RecordResolve counts a resolution: "hit", "miss" or "not_found".
func RecordResolve(outcome string) {
	resolveTotal.WithLabelValues(outcome).Inc()
}

// SetMounted records the number of mounted filesystems.
func SetMounted(n int) {
	mountedFileSystems.Set(float64(n))
}

// RecordGatewayRequest counts a finished gateway request.
func RecordGatewayRequest(method string, status int) {
	gatewayRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// AddBytesServed counts bytes sent; mode is "local" or "stream".
func AddBytesServed(mode string, n int64) {
	gatewayBytesServed.WithLabelValues(mode).Add(float64(n))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
