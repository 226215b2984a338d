// Package metrics holds the process-wide Prometheus collectors: HTTP
// traffic, the metering edge, and database/runtime gauges. Component
// collectors live next to their component.
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
	// HTTPRequestsTotal counts HTTP requests by method, route and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paymeter",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paymeter",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChallengesTotal counts 402 responses by why the caller was challenged.
	ChallengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paymeter",
			Name:      "challenges_total",
			Help:      "402 challenges issued by reason.",
		},
		[]string{"reason"}, // "missing_proof", "invalid_proof", "rejected"
	)

	// AdmissionsTotal counts Admit outcomes.
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paymeter",
			Name:      "admissions_total",
			Help:      "Admission attempts by result.",
		},
		[]string{"result"}, // "new_session", "session_header", "rejected"
	)

	// SettlementsTotal counts settlement attempts made by batch processing.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paymeter",
			Name:      "settlements_total",
			Help:      "Settlement attempts by result.",
		},
		[]string{"result"}, // "settled", "failed", "circuit_open"
	)

	// BatchDuration observes wall time of one ProcessBatch call.
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Name:      "batch_duration_seconds",
		Help:      "Time spent settling one batch.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paymeter",
			Name:      "rate_limited_total",
			Help:      "Requests rejected with 429 by key kind.",
		},
		[]string{"key"}, // "session", "ip"
	)

	// ActiveWebSocketClients tracks connected audit stream subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "paymeter",
			Name:      "active_websocket_clients",
			Help:      "Number of connected audit stream clients.",
		},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChallengesTotal,
		AdmissionsTotal,
		SettlementsTotal,
		BatchDuration,
		RateLimitedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count into
// gauges until ctx is done. Run it in its own goroutine.
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
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency keyed by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry for /metrics.
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
