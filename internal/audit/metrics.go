package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	auditEntriesRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "audit",
		Name:      "entries_recorded_total",
		Help:      "Total audit entries appended by action and severity.",
	}, []string{"action", "severity"})

	auditEntriesPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "audit",
		Name:      "entries_pruned_total",
		Help:      "Total audit entries removed by the retention pass.",
	})

	auditSinkFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymeter",
		Subsystem: "audit",
		Name:      "sink_failures_total",
		Help:      "Total sink appends that returned an error.",
	})

	auditChainValid = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymeter",
		Subsystem: "audit",
		Name:      "chain_valid",
		Help:      "1 if the last integrity check passed, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(
		auditEntriesRecorded,
		auditEntriesPruned,
		auditSinkFailures,
		auditChainValid,
	)
}
