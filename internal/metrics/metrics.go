// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FailuresReportedTotal counts reported failures by subsystem and kind
	FailuresReportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failsink_failures_reported_total",
			Help: "Total number of failures reported",
		},
		[]string{"subsystem", "kind"},
	)

	// FailuresClearedTotal counts acknowledgements that removed a pending failure
	FailuresClearedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failsink_failures_cleared_total",
			Help: "Total number of pending failures cleared",
		},
		[]string{"subsystem"},
	)

	// FailurePending is 1 while a subsystem has an unacknowledged failure
	FailurePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "failsink_failure_pending",
			Help: "Whether a failure is pending acknowledgement (0=no, 1=yes)",
		},
		[]string{"subsystem"},
	)

	// EventBusDroppedTotal counts events dropped because a partition queue was full
	EventBusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failsink_eventbus_dropped_total",
			Help: "Total number of events dropped by the event bus",
		},
		[]string{"topic"},
	)

	// SinkErrorsTotal counts failed deliveries to external transition sinks
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failsink_sink_errors_total",
			Help: "Total number of failed transition deliveries per sink",
		},
		[]string{"sink"},
	)

	// LokiFailedBatchesTotal counts log batches dropped after all push attempts
	LokiFailedBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "failsink_log_loki_failed_batches_total",
			Help: "Total number of log batches dropped by the Loki output",
		},
	)
)
