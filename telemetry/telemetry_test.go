package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func resetMetrics() {
	metricsLock.Lock()
	hotReloadCounter = nil
	eventCounter = nil
	ignoredStopCounter = nil
	workerFailureCounter = nil
	trackedGauge = nil
	metricsLock.Unlock()
}

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("config.yaml")
	collector.IncEvent("App.exe", "start")
	collector.IncIgnoredStop("App.exe")
	collector.IncWorkerFailure("App.exe", "stop", "stream")
	collector.SetTrackedProcesses(2, 1)
}

func TestPrometheusCollectorRegistersAndReusesCounters(t *testing.T) {
	resetMetrics()
	t.Cleanup(resetMetrics)

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncHotReload("a.yaml")
	collector.IncEvent("App.exe", "start")
	collector.IncEvent("App.exe", "start")

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)
	again.IncHotReload("a.yaml")

	families := gather(t, reg)
	requireCounterValue(t, families["procwatch_config_hot_reload_total"], 2)
	requireCounterValue(t, families["procwatch_events_total"], 2)
}

func TestPrometheusCollectorReusesMetricsRegisteredElsewhere(t *testing.T) {
	resetMetrics()
	t.Cleanup(resetMetrics)

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	resetMetrics()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	collector.IncWorkerFailure("App.exe", "stop", "subscribe")

	families := gather(t, reg)
	requireCounterValue(t, families["procwatch_worker_failures_total"], 1)
}

func TestPrometheusCollectorTrackedGauge(t *testing.T) {
	resetMetrics()
	t.Cleanup(resetMetrics)

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	collector.SetTrackedProcesses(5, 2)
	collector.IncIgnoredStop("App.exe")

	families := gather(t, reg)
	gauge := families["procwatch_tracked_processes"]
	require.NotNil(t, gauge)
	values := map[string]float64{}
	for _, metric := range gauge.Metric {
		values[metric.GetLabel()[0].GetValue()] = metric.GetGauge().GetValue()
	}
	require.Equal(t, map[string]float64{"running": 2, "stopped": 3}, values)
	requireCounterValue(t, families["procwatch_ignored_stop_events_total"], 1)
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncEvent("a", "start")
	collector.SetTrackedProcesses(1, 1)
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	families := make(map[string]*dto.MetricFamily, len(metrics))
	for _, mf := range metrics {
		families[mf.GetName()] = mf
	}
	return families
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.NotNil(t, mf)
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
