package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/metrics"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	m := metrics.New(nil)

	m.RecordScanSweep(0.25)
	m.RecordPollTick("agent-1", "ok", 0.1)
	m.RecordBusDispatch("event", "TASK_CREATED", false)
	m.RecordBusDispatch("command", "UPDATE_TASK_STATUS", true)
	m.RecordRetryScheduled("UPDATE_TASK_STATUS")
	m.RecordDeadLetter("UPDATE_TASK_STATUS", "invalid_transition")
	m.RecordStallRaised()
	m.SetActiveWorkflows(3)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"taskflow_scanner_ticks_total",
		"taskflow_scanner_sweep_duration_seconds",
		"taskflow_poller_ticks_total",
		"taskflow_bus_dispatches_total",
		"taskflow_bus_dispatch_errors_total",
		"taskflow_retry_scheduled_total",
		"taskflow_retry_dead_letters_total",
		"taskflow_monitor_stalls_raised_total",
		"taskflow_monitor_active_workflows",
	} {
		assert.True(t, names[want], "expected metric family %s", want)
	}
}

func TestNewWithExplicitRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	assert.Same(t, reg, m.Registry())
}

func TestHandlerServesText(t *testing.T) {
	m := metrics.New(nil)
	m.RecordStallRaised()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskflow_monitor_stalls_raised_total")
}
