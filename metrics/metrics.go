package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// SubmissionsTotal counts report submissions by synchronous outcome.
	SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "submissions_total",
		Help:      "Total number of report submissions, labeled by outcome.",
	}, []string{"outcome"})

	// TransitionsTotal counts applied status transitions.
	TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "transitions_total",
		Help:      "Total number of applied report status transitions, labeled by target status and actor kind.",
	}, []string{"status", "actor"})

	// DependencyCallsTotal counts guarded external calls by outcome.
	DependencyCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "dependency_calls_total",
		Help:      "Total number of external dependency calls through the resilience layer, labeled by dependency and outcome.",
	}, []string{"dependency", "outcome"})

	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
	}, []string{"dependency"})

	// BreakerTransitionsTotal counts circuit breaker state changes.
	BreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "breaker_transitions_total",
		Help:      "Total number of circuit breaker state changes, labeled by dependency and new state.",
	}, []string{"dependency", "to"})

	// VerificationDurationSeconds is the time of one asynchronous verification pass.
	VerificationDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "verification_duration_seconds",
		Help:      "Time to classify a report and apply the resulting transition.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120, 300},
	}, []string{"result"})

	// WorkerQueueDepth is the number of verification jobs waiting for a worker.
	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "worker_queue_depth",
		Help:      "Number of verification jobs waiting for a worker.",
	})

	// WorkerInFlight is the number of verification jobs being processed.
	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "worker_in_flight",
		Help:      "Current number of verification jobs being processed by worker goroutines.",
	})

	// RabbitMQConnected is 1 when the subscriber considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "rabbitmq_connected",
		Help:      "Whether the re-verify RabbitMQ subscriber is currently connected (best-effort).",
	})

	// ProcessedTotal counts processed deliveries by outcome.
	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "rabbitmq_processed_total",
		Help:      "Total number of RabbitMQ deliveries processed by the re-verify subscriber, labeled by result.",
	}, []string{"result"})

	// PublishErrorTotal counts failed event publications.
	PublishErrorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleanapp",
		Subsystem: "verifier",
		Name:      "rabbitmq_publish_error_total",
		Help:      "Total number of RabbitMQ publish errors, labeled by routing key.",
	}, []string{"routing_key"})
)

// Register registers verifier metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsTotal,
			TransitionsTotal,
			DependencyCallsTotal,
			BreakerState,
			BreakerTransitionsTotal,
			VerificationDurationSeconds,
			WorkerQueueDepth,
			WorkerInFlight,
			RabbitMQConnected,
			ProcessedTotal,
			PublishErrorTotal,
		)
	})
}
