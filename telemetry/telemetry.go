package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They are called inline from ingestion workers and the
// reporter and must be cheap and safe for concurrent use.
type Collector interface {
	IncHotReload(file string)
	IncEvent(process, kind string)
	IncIgnoredStop(process string)
	IncWorkerFailure(process, kind, reason string)
	SetTrackedProcesses(total, running int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                     {}
func (noopCollector) IncEvent(string, string)                 {}
func (noopCollector) IncIgnoredStop(string)                   {}
func (noopCollector) IncWorkerFailure(string, string, string) {}
func (noopCollector) SetTrackedProcesses(int, int)            {}

// PrometheusCollector exposes telemetry via Prometheus.
type PrometheusCollector struct {
	hotReloads     *prometheus.CounterVec
	events         *prometheus.CounterVec
	ignoredStops   *prometheus.CounterVec
	workerFailures *prometheus.CounterVec
	tracked        *prometheus.GaugeVec
}

var (
	metricsLock sync.Mutex

	hotReloadCounter     *prometheus.CounterVec
	eventCounter         *prometheus.CounterVec
	ignoredStopCounter   *prometheus.CounterVec
	workerFailureCounter *prometheus.CounterVec
	trackedGauge         *prometheus.GaugeVec
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics already registered by an earlier collector are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsLock.Lock()
	defer metricsLock.Unlock()

	var err error
	if hotReloadCounter, err = registerCounter(reg, hotReloadCounter, prometheus.CounterOpts{
		Name: "procwatch_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration file.",
	}, "file"); err != nil {
		return nil, err
	}
	if eventCounter, err = registerCounter(reg, eventCounter, prometheus.CounterOpts{
		Name: "procwatch_events_total",
		Help: "Number of process events applied to the process table.",
	}, "process", "kind"); err != nil {
		return nil, err
	}
	if ignoredStopCounter, err = registerCounter(reg, ignoredStopCounter, prometheus.CounterOpts{
		Name: "procwatch_ignored_stop_events_total",
		Help: "Number of stop events received for untracked process identifiers.",
	}, "process"); err != nil {
		return nil, err
	}
	if workerFailureCounter, err = registerCounter(reg, workerFailureCounter, prometheus.CounterOpts{
		Name: "procwatch_worker_failures_total",
		Help: "Number of ingestion worker failures by reason.",
	}, "process", "kind", "reason"); err != nil {
		return nil, err
	}
	if trackedGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procwatch_tracked_processes",
			Help: "Number of process identifiers in the process table at the last report.",
		}, []string{"state"})
		if err := reg.Register(gauge); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				return nil, err
			}
			gauge = existing
		}
		trackedGauge = gauge
	}

	return &PrometheusCollector{
		hotReloads:     hotReloadCounter,
		events:         eventCounter,
		ignoredStops:   ignoredStopCounter,
		workerFailures: workerFailureCounter,
		tracked:        trackedGauge,
	}, nil
}

func registerCounter(reg prometheus.Registerer, current *prometheus.CounterVec, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	if current != nil {
		return current, nil
	}
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncEvent counts an applied event.
func (p *PrometheusCollector) IncEvent(process, kind string) {
	if p == nil || p.events == nil {
		return
	}
	p.events.WithLabelValues(process, kind).Inc()
}

// IncIgnoredStop counts a stop event that matched no tracked instance.
func (p *PrometheusCollector) IncIgnoredStop(process string) {
	if p == nil || p.ignoredStops == nil {
		return
	}
	p.ignoredStops.WithLabelValues(process).Inc()
}

// IncWorkerFailure counts a worker failure.
func (p *PrometheusCollector) IncWorkerFailure(process, kind, reason string) {
	if p == nil || p.workerFailures == nil {
		return
	}
	p.workerFailures.WithLabelValues(process, kind, reason).Inc()
}

// SetTrackedProcesses records the table size split by running state.
func (p *PrometheusCollector) SetTrackedProcesses(total, running int) {
	if p == nil || p.tracked == nil {
		return
	}
	p.tracked.WithLabelValues("running").Set(float64(running))
	p.tracked.WithLabelValues("stopped").Set(float64(total - running))
}
