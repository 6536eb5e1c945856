package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DurationBuckets covers sub-second probes up to multi-minute chunk runs.
	DurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
	// CountBuckets is used for batch and chunk sizes.
	CountBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}
)

// ComponentRegistry creates collectors sharing a namespace and subsystem.
type ComponentRegistry struct {
	namespace string
	subsystem string
	factory   promauto.Factory
}

// NewComponentRegistryWith registers collectors with reg. A nil reg creates
// unregistered collectors, which is what tests usually want.
func NewComponentRegistryWith(reg prometheus.Registerer, namespace, subsystem string) *ComponentRegistry {
	return &ComponentRegistry{
		namespace: namespace,
		subsystem: subsystem,
		factory:   promauto.With(reg),
	}
}

func (r *ComponentRegistry) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return r.factory.NewCounter(opts)
}

func (r *ComponentRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return r.factory.NewCounterVec(opts, labels)
}

func (r *ComponentRegistry) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return r.factory.NewGauge(opts)
}

func (r *ComponentRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return r.factory.NewGaugeVec(opts, labels)
}

func (r *ComponentRegistry) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return r.factory.NewHistogram(opts)
}

func (r *ComponentRegistry) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return r.factory.NewHistogramVec(opts, labels)
}
