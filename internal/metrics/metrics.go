// Package metrics provides Prometheus instrumentation for the settlement engine.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts state-machine transitions by target status.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// EscrowRejectionsTotal counts rejected transitions by reason class.
	EscrowRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "escrow_rejections_total",
			Help:      "Total rejected escrow transitions by reason.",
		},
		[]string{"reason"},
	)

	// WebhookEventsTotal counts inbound webhook events by provider and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "webhook_events_total",
			Help:      "Total inbound webhook events by provider and outcome.",
		},
		[]string{"provider", "result"},
	)

	// WalletOpsTotal counts wallet ledger primitives by type and result.
	WalletOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "wallet_ops_total",
			Help:      "Total wallet ledger operations by type and result.",
		},
		[]string{"op", "result"},
	)

	// LockWaitDuration observes per-trade lock acquisition latency.
	LockWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting on per-trade locks.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 3, 5},
	})

	// SweepReleasesTotal counts releases/refunds/cancels issued by the timer sweep.
	SweepReleasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "sweep_actions_total",
		Help:      "Total time-triggered sweep actions by kind.",
	}, []string{"kind"})

	// ReconciliationDriftTotal counts wallets whose replayed balance mismatched.
	ReconciliationDriftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "reconciliation_drift_total",
		Help:      "Total wallet balance mismatches detected by reconciliation.",
	})

	// RateLookupsTotal counts exchange-rate lookups by source and result.
	RateLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "rate_lookups_total",
		Help:      "Total exchange-rate lookups by source (cache, upstream) and result.",
	}, []string{"source", "result"})

	// NotifyDeliveriesTotal counts outbound notification deliveries by result.
	NotifyDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "notify_deliveries_total",
		Help:      "Total outbound notification deliveries by result.",
	}, []string{"result"})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowRejectionsTotal,
		WebhookEventsTotal,
		WalletOpsTotal,
		LockWaitDuration,
		SweepReleasesTotal,
		ReconciliationDriftTotal,
		RateLookupsTotal,
		NotifyDeliveriesTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not raw path, to cap cardinality
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into 1xx..5xx.
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
