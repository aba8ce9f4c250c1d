// Package metrics exposes Prometheus metrics for the dispatch core, in the
// same promauto-against-the-default-registry style the teacher repo uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// --- Lease renewer metrics ---

	RenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeagent",
			Subsystem: "lease",
			Name:      "renewals_total",
			Help:      "Total lease renewal attempts by result",
		},
		[]string{"result"},
	)

	FirstRenewalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgeagent",
			Subsystem: "lease",
			Name:      "first_renewal_duration_seconds",
			Help:      "Time from dispatch start to the first successful lease renewal",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// --- IPC channel metrics ---

	ChannelSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeagent",
			Subsystem: "ipc",
			Name:      "sends_total",
			Help:      "Total worker IPC sends by message type and result",
		},
		[]string{"message_type", "result"},
	)

	ChannelSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgeagent",
			Subsystem: "ipc",
			Name:      "send_duration_seconds",
			Help:      "Duration of worker IPC sends",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"message_type"},
	)

	// --- Dispatch outcome metrics ---

	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeagent",
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Total completed dispatches by outcome",
		},
		[]string{"outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgeagent",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a dispatch from Run to Done",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 15),
		},
		[]string{"outcome"},
	)

	ActiveDispatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgeagent",
			Subsystem: "dispatch",
			Name:      "active",
			Help:      "1 if a dispatch is currently in flight, 0 otherwise",
		},
	)

	// --- Completion reporter metrics ---

	ReportAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgeagent",
			Subsystem: "report",
			Name:      "attempts",
			Help:      "Number of attempts a completion report took before success or exhaustion",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		},
	)

	ReportFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgeagent",
			Subsystem: "report",
			Name:      "exhausted_total",
			Help:      "Total completion reports that exhausted all retries",
		},
	)

	// --- Worker process metrics ---

	WorkerCrashesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgeagent",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Total worker exits with an undefined exit code",
		},
	)
)

// RecordOutcome records a completed dispatch's terminal outcome and the
// wall-clock time it took to get there.
func RecordOutcome(outcome string, durationSeconds float64) {
	OutcomesTotal.WithLabelValues(outcome).Inc()
	DispatchDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordRenewal records one lease renewal attempt's result ("success",
// "transient_error", "not_found", "token_expired").
func RecordRenewal(result string) {
	RenewalsTotal.WithLabelValues(result).Inc()
}

// RecordChannelSend records one IPC send's result and latency.
func RecordChannelSend(messageType, result string, durationSeconds float64) {
	ChannelSendsTotal.WithLabelValues(messageType, result).Inc()
	ChannelSendDuration.WithLabelValues(messageType).Observe(durationSeconds)
}
