package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for the gateway.
type Registry struct {
	prom *prometheus.Registry

	// Tick pipeline
	TicksReceived     *prometheus.CounterVec   // account
	ProcessingLatency *prometheus.HistogramVec // path (underlying|option)
	ValidationErrors  *prometheus.CounterVec   // reason
	DroppedTotal      *prometheus.CounterVec   // reason
	GreeksFailures    *prometheus.CounterVec   // reason

	// Publish
	PublishedTotal  *prometheus.CounterVec // channel
	PublishFailures prometheus.Counter
	BatchFlushSize  prometheus.Histogram
	SamplingRate    prometheus.Gauge
	BreakerState    *prometheus.GaugeVec // component (0 closed, 1 half-open, 2 open)

	// Subscriptions and pool
	ActiveSubscriptions prometheus.Gauge
	PoolSubscribed      *prometheus.GaugeVec // account
	RegistryStaleness   prometheus.Gauge

	// Orders
	TaskTransitions *prometheus.CounterVec // status
	TasksInFlight   prometheus.Gauge
}

// NewRegistry creates all gateway metrics on a fresh Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		prom: prometheus.NewRegistry(),

		TicksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ticks_received_total",
				Help: "Ticks received from the broker stream per account",
			},
			[]string{"account"},
		),
		ProcessingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_processing_latency_seconds",
				Help:    "Tick processing latency per pipeline path",
				Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"path"},
		),
		ValidationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_validation_errors_total",
				Help: "Ticks dropped or rejected by the validator",
			},
			[]string{"reason"},
		),
		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dropped_total",
				Help: "Messages dropped by reason (batch_overflow, circuit_open, sampled, sink_overflow)",
			},
			[]string{"reason"},
		),
		GreeksFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_greeks_failures_total",
				Help: "Option enrichments that produced zero Greeks",
			},
			[]string{"reason"},
		),

		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_published_total",
				Help: "Messages published to the bus per channel",
			},
			[]string{"channel"},
		),
		PublishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_publish_failures_total",
				Help: "Bus publish attempts that failed",
			},
		),
		BatchFlushSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_batch_flush_size",
				Help:    "Number of items per batch flush",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		SamplingRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_publish_sampling_rate",
				Help: "Current adaptive sampling rate (0.0 to 1.0)",
			},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"component"},
		),

		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_active_subscriptions",
				Help: "Active subscription records in the store",
			},
		),
		PoolSubscribed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_pool_subscribed_tokens",
				Help: "Tokens streaming per account",
			},
			[]string{"account"},
		),
		RegistryStaleness: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_registry_stale_refreshes",
				Help: "Consecutive failed instrument registry refreshes",
			},
		),

		TaskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_order_task_transitions_total",
				Help: "Order task state transitions by resulting status",
			},
			[]string{"status"},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_order_tasks_running",
				Help: "Order tasks currently running",
			},
		),
	}

	r.prom.MustRegister(
		r.TicksReceived, r.ProcessingLatency, r.ValidationErrors, r.DroppedTotal,
		r.GreeksFailures, r.PublishedTotal, r.PublishFailures, r.BatchFlushSize,
		r.SamplingRate, r.BreakerState, r.ActiveSubscriptions, r.PoolSubscribed,
		r.RegistryStaleness, r.TaskTransitions, r.TasksInFlight,
	)

	return r
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}
