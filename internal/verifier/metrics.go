package verifier

import "github.com/prometheus/client_golang/prometheus"

var (
	verificationsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "verifier",
		Name:      "submitted_total",
		Help:      "Total signatures submitted for verification.",
	})

	verificationTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "verifier",
		Name:      "transitions_total",
		Help:      "Total record status changes by target status.",
	}, []string{"status"})

	confirmationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Subsystem: "verifier",
		Name:      "confirmation_seconds",
		Help:      "Time from submission to verified in seconds.",
		Buckets:   []float64{1, 5, 10, 15, 30, 60, 120, 300},
	})

	detailMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "verifier",
		Name:      "detail_mismatches_total",
		Help:      "Total settlement detail checks that found a mismatch.",
	})
)

func init() {
	prometheus.MustRegister(
		verificationsSubmitted,
		verificationTransitions,
		confirmationLatency,
		detailMismatches,
	)
}
