package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Total sessions created.",
	})

	sessionsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "session",
		Name:      "terminated_total",
		Help:      "Total sessions terminated by reason.",
	}, []string{"reason"}) // "client", "wallet", "evicted", "expired", "payment_revoked"

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of tracked sessions.",
	})

	sessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Subsystem: "session",
		Name:      "duration_seconds",
		Help:      "Lifetime of terminated sessions in seconds.",
		Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 86400},
	})
)

func init() {
	prometheus.MustRegister(
		sessionsCreated,
		sessionsTerminated,
		activeSessions,
		sessionDuration,
	)
}
