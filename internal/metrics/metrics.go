// Package metrics holds the Prometheus instrumentation shared by the
// supervisor, the delivery pipeline and the HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Supervisor
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_relay_health_checks_total",
			Help: "Health checks run by the supervisor, by service and resulting status",
		},
		[]string{"service", "status"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_relay_health_check_duration_seconds",
			Help:    "Duration of health check calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	ServiceFailureCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_relay_service_failure_count",
			Help: "Current consecutive failure count per service",
		},
		[]string{"service"},
	)

	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_relay_recoveries_total",
			Help: "Recovery attempts by service and outcome",
		},
		[]string{"service", "outcome"}, // "success", "failure"
	)

	RecoveriesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_relay_recoveries_in_flight",
			Help: "Recoveries currently executing",
		},
	)

	// Delivery pipeline
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_relay_tasks_enqueued_total",
			Help: "Delivery tasks accepted into the queue",
		},
		[]string{"type"},
	)

	QueueOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_relay_queue_overflow_total",
			Help: "Delivery tasks rejected because the queue was full",
		},
	)

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_relay_tasks_processed_total",
			Help: "Delivery tasks processed, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_relay_task_duration_seconds",
			Help:    "Processing time of delivery tasks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	TasksDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_relay_tasks_discarded_total",
			Help: "Queued delivery tasks discarded on pipeline stop",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_relay_queue_depth",
			Help: "Delivery tasks waiting in the queue",
		},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_relay_tasks_in_flight",
			Help: "Delivery tasks currently being processed",
		},
	)

	// Accounting API
	AccountingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_relay_accounting_requests_total",
			Help: "Requests to the accounting API, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_relay_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Chat transport
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_relay_messages_sent_total",
			Help: "Messages handed to the chat transport, by outcome",
		},
		[]string{"outcome"},
	)
)

// Outcome maps a success flag to the outcome label value.
func Outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
