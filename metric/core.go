package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rosbridge"

// Metrics contains the gateway-level metrics
type Metrics struct {
	// Command pipeline
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Endpoints       *prometheus.GaugeVec

	// Outbound events
	EventsEmitted *prometheus.CounterVec
	EventsDropped prometheus.Counter

	// Actions
	GoalsTotal *prometheus.CounterVec

	// Callback groups
	CallbackGroups   prometheus.Gauge
	Timers           prometheus.Gauge
	CallbacksTotal   *prometheus.CounterVec
	CallbackDuration prometheus.Histogram

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all gateway metrics
func NewMetrics() *Metrics {
	return &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "total",
				Help:      "Commands processed by endpoint kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "duration_seconds",
				Help:      "Time from dequeue to routing completion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		Endpoints: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "endpoints",
				Name:      "active",
				Help:      "Registered endpoints by kind",
			},
			[]string{"kind"},
		),

		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Outbound events handed to sinks",
			},
			[]string{"event"},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Outbound events dropped because the emitter buffer was full",
			},
		),

		GoalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "goals",
				Name:      "total",
				Help:      "Action goals by final state",
			},
			[]string{"state"},
		),

		CallbackGroups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "callback_groups",
				Help:      "Open callback groups",
			},
		),

		Timers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "timers",
				Help:      "Running timers",
			},
		),

		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "callbacks_total",
				Help:      "Callbacks by status (ok, panic, dropped)",
			},
			[]string{"status"},
		),

		CallbackDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "callback_duration_seconds",
				Help:      "Callback execution time",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.CommandsTotal,
		c.CommandDuration,
		c.Endpoints,
		c.EventsEmitted,
		c.EventsDropped,
		c.GoalsTotal,
		c.CallbackGroups,
		c.Timers,
		c.CallbacksTotal,
		c.CallbackDuration,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordCommand counts a processed command and its routing time
func (c *Metrics) RecordCommand(kind, outcome string, duration time.Duration) {
	c.CommandsTotal.WithLabelValues(kind, outcome).Inc()
	c.CommandDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordEndpoints sets the number of registered endpoints of a kind
func (c *Metrics) RecordEndpoints(kind string, n int) {
	c.Endpoints.WithLabelValues(kind).Set(float64(n))
}

// RecordEventEmitted increments the emitted counter for an event type
func (c *Metrics) RecordEventEmitted(event string) {
	c.EventsEmitted.WithLabelValues(event).Inc()
}

// RecordEventDropped increments the dropped event counter
func (c *Metrics) RecordEventDropped() {
	c.EventsDropped.Inc()
}

// RecordGoal counts a goal reaching a final state
func (c *Metrics) RecordGoal(state string) {
	c.GoalsTotal.WithLabelValues(state).Inc()
}

// RecordCallback counts a callback and, when it ran, its duration
func (c *Metrics) RecordCallback(status string, duration time.Duration) {
	c.CallbacksTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		c.CallbackDuration.Observe(duration.Seconds())
	}
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
