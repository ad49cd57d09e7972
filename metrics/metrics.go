package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// ForwardSuccess labels reports accepted by the ingest endpoint.
	ForwardSuccess = "success"
	// ForwardRetry labels attempts that failed transiently and will be retried.
	ForwardRetry = "retry"
	// ForwardExhausted labels reports that ran out of attempts.
	ForwardExhausted = "exhausted"
	// ForwardRejected labels reports that can never be delivered.
	ForwardRejected = "rejected"
)

var (
	heartbeatsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartbeat_monitor",
			Name:      "heartbeats_ingested_total",
			Help:      "Heartbeat events recorded, partitioned by normalized status.",
		},
		[]string{"status"},
	)

	ingestRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heartbeat_monitor",
			Name:      "ingest_rejected_total",
			Help:      "Reports rejected by validation.",
		},
	)

	windowsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartbeat_monitor",
			Name:      "windows_closed_total",
			Help:      "Windows closed by the sweep, partitioned by terminal status.",
		},
		[]string{"status"},
	)

	missingSynthesized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heartbeat_monitor",
			Name:      "missing_reports_synthesized_total",
			Help:      "Placeholder events written for reports that never arrived.",
		},
	)

	sweepFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heartbeat_monitor",
			Name:      "sweep_window_failures_total",
			Help:      "Windows skipped by a sweep because their close transaction failed.",
		},
	)

	forwardAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartbeat_monitor",
			Name:      "forward_attempts_total",
			Help:      "Forward attempts from the report stream, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	deadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heartbeat_monitor",
			Name:      "forward_dead_lettered_total",
			Help:      "Reports moved to the dead-letter subject.",
		},
	)

	streamReadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heartbeat_monitor",
			Name:      "stream_read_errors_total",
			Help:      "Failed reads from the report stream.",
		},
	)
)

// Register attaches the collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		heartbeatsIngested,
		ingestRejected,
		windowsClosed,
		missingSynthesized,
		sweepFailures,
		forwardAttempts,
		deadLettered,
		streamReadErrors,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveHeartbeat(status string) {
	heartbeatsIngested.WithLabelValues(status).Inc()
}

func ObserveRejected() {
	ingestRejected.Inc()
}

// ObserveWindowClosed records a closure and the placeholders it required.
func ObserveWindowClosed(status string, missing int) {
	windowsClosed.WithLabelValues(status).Inc()
	if missing > 0 {
		missingSynthesized.Add(float64(missing))
	}
}

func ObserveSweepFailure() {
	sweepFailures.Inc()
}

func ObserveForward(outcome string) {
	forwardAttempts.WithLabelValues(outcome).Inc()
}

func ObserveDeadLetter() {
	deadLettered.Inc()
}

func ObserveStreamReadError() {
	streamReadErrors.Inc()
}
