// Package metrics exports Prometheus counters/gauges for the engine's
// background components (scanner, poller, retry controller, bus,
// monitor), grounded on the teacher's ai/metrics.PrometheusExporter:
// a struct of pre-registered collectors behind a registry, with
// Record*/Set* methods standing in for direct collector access and a
// Handler() for mounting on the façade's echo instance.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the engine's Prometheus exporter.
type Metrics struct {
	registry *prometheus.Registry

	scanTicks    prometheus.Counter
	scanDuration prometheus.Histogram

	pollTicks    *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec

	busDispatches *prometheus.CounterVec
	busErrors     *prometheus.CounterVec

	retriesScheduled *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec

	stallsRaised prometheus.Counter
	activeWorkflows prometheus.Gauge
}

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

// New builds a Metrics exporter on a fresh registry. A nil registry
// selects prometheus.NewRegistry(), matching the teacher's
// Config.Registry-or-new-one fallback.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}

	m.scanTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "scanner",
		Name:      "ticks_total",
		Help:      "Total number of completed scan sweeps.",
	})
	m.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskflow",
		Subsystem: "scanner",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a single scan sweep.",
		Buckets:   latencyBuckets,
	})

	m.pollTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "poller",
		Name:      "ticks_total",
		Help:      "Total number of poll loop iterations, by agent_id and outcome.",
	}, []string{"agent_id", "outcome"})
	m.pollDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskflow",
		Subsystem: "poller",
		Name:      "process_duration_seconds",
		Help:      "Duration of a single agent.Process call.",
		Buckets:   latencyBuckets,
	}, []string{"agent_id"})

	m.busDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "bus",
		Name:      "dispatches_total",
		Help:      "Total number of messages dispatched to subscribers, by kind and type.",
	}, []string{"kind", "type"})
	m.busErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "bus",
		Name:      "dispatch_errors_total",
		Help:      "Total number of subscriber callback errors, by kind and type.",
	}, []string{"kind", "type"})

	m.retriesScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "retry",
		Name:      "scheduled_total",
		Help:      "Total number of retries scheduled, by command type.",
	}, []string{"command_type"})
	m.deadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "retry",
		Name:      "dead_letters_total",
		Help:      "Total number of messages dead-lettered, by command type and reason.",
	}, []string{"command_type", "reason"})

	m.stallsRaised = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskflow",
		Subsystem: "monitor",
		Name:      "stalls_raised_total",
		Help:      "Total number of stalled_workflow alerts raised.",
	})
	m.activeWorkflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskflow",
		Subsystem: "monitor",
		Name:      "active_workflows",
		Help:      "Current number of workflows the monitor considers active.",
	})

	registry.MustRegister(
		m.scanTicks,
		m.scanDuration,
		m.pollTicks,
		m.pollDuration,
		m.busDispatches,
		m.busErrors,
		m.retriesScheduled,
		m.deadLetters,
		m.stallsRaised,
		m.activeWorkflows,
	)

	return m
}

// RecordScanSweep records one completed scanner sweep.
func (m *Metrics) RecordScanSweep(seconds float64) {
	m.scanTicks.Inc()
	m.scanDuration.Observe(seconds)
}

// RecordPollTick records one poller loop iteration for agentID.
func (m *Metrics) RecordPollTick(agentID, outcome string, seconds float64) {
	m.pollTicks.WithLabelValues(agentID, outcome).Inc()
	m.pollDuration.WithLabelValues(agentID).Observe(seconds)
}

// RecordBusDispatch records one subscriber dispatch outcome.
func (m *Metrics) RecordBusDispatch(kind, msgType string, err bool) {
	m.busDispatches.WithLabelValues(kind, msgType).Inc()
	if err {
		m.busErrors.WithLabelValues(kind, msgType).Inc()
	}
}

// RecordRetryScheduled records one retry scheduled by the controller.
func (m *Metrics) RecordRetryScheduled(commandType string) {
	m.retriesScheduled.WithLabelValues(commandType).Inc()
}

// RecordDeadLetter records one message reaching the dead-letter store.
func (m *Metrics) RecordDeadLetter(commandType, reason string) {
	m.deadLetters.WithLabelValues(commandType, reason).Inc()
}

// RecordStallRaised records one stalled_workflow alert.
func (m *Metrics) RecordStallRaised() {
	m.stallsRaised.Inc()
}

// SetActiveWorkflows sets the monitor's current active-workflow count.
func (m *Metrics) SetActiveWorkflows(n int) {
	m.activeWorkflows.Set(float64(n))
}

// Handler returns the HTTP handler serving this exporter's registry in
// Prometheus text format, for mounting at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for tests that want
// to gather and assert on specific series.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
