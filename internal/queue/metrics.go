package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	paymentsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total payments admitted by priority.",
	}, []string{"priority"})

	paymentsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "queue",
		Name:      "rejected_total",
		Help:      "Payments rejected because the queue was full.",
	})

	paymentOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "queue",
		Name:      "outcomes_total",
		Help:      "Settlement attempt outcomes.",
	}, []string{"outcome"}) // "completed", "failed", "retried"

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending payments in the live queue.",
	})

	processingTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paymeter",
		Subsystem: "queue",
		Name:      "processing_seconds",
		Help:      "Time from enqueue to successful settlement.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	batchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "queue",
		Name:      "batches_total",
		Help:      "Total batches created.",
	})

	batchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "queue",
		Name:      "batch_outcomes_total",
		Help:      "Settled batches by final status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		paymentsEnqueued,
		paymentsRejected,
		paymentOutcomes,
		queueDepth,
		processingTime,
		batchesCreated,
		batchOutcomes,
	)
}
