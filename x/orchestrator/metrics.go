package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/compose-network/proxy-validator/metrics"
	"github.com/compose-network/proxy-validator/x/job"
	"github.com/compose-network/proxy-validator/x/proxy"
)

// Metrics holds orchestrator metrics.
type Metrics struct {
	JobsSubmitted     prometheus.Counter
	JobsFinished      *prometheus.CounterVec
	CompletionSources *prometheus.CounterVec
	ActiveJobs        prometheus.Gauge
	JobDuration       prometheus.Histogram
	JobSize           prometheus.Histogram

	ChunksFinished *prometheus.CounterVec
	ChunkRetries   prometheus.Counter
	ChunkDuration  prometheus.Histogram

	UsableProxies prometheus.Counter
}

// NewMetrics registers orchestrator metrics with reg; a nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	r := metrics.NewComponentRegistryWith(reg, "proxy_validator", "orchestrator")

	return &Metrics{
		JobsSubmitted: r.NewCounter(prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of submitted validation jobs",
		}),
		JobsFinished: r.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Validation jobs by terminal state and reason",
		}, []string{"state", "reason"}),
		CompletionSources: r.NewCounterVec(prometheus.CounterOpts{
			Name: "completion_source_total",
			Help: "Which path observed job completion",
		}, []string{"source"}),
		ActiveJobs: r.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Number of jobs being validated",
		}),
		JobDuration: r.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Time from dispatch to terminal state",
			Buckets: metrics.DurationBuckets,
		}),
		JobSize: r.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_candidates",
			Help:    "Number of candidates per job",
			Buckets: metrics.CountBuckets,
		}),
		ChunksFinished: r.NewCounterVec(prometheus.CounterOpts{
			Name: "chunks_finished_total",
			Help: "Chunk results by status",
		}, []string{"status"}),
		ChunkRetries: r.NewCounter(prometheus.CounterOpts{
			Name: "chunk_retries_total",
			Help: "Chunk attempts beyond the first",
		}),
		ChunkDuration: r.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunk_completion_seconds",
			Help:    "Time from job dispatch to chunk completion",
			Buckets: metrics.DurationBuckets,
		}),
		UsableProxies: r.NewCounter(prometheus.CounterOpts{
			Name: "usable_proxies_total",
			Help: "Usable proxies handed downstream",
		}),
	}
}

// RecordChunks observes the chunk results a job finished with.
func (m *Metrics) RecordChunks(status JobStatus, results []proxy.ChunkResult) {
	for _, r := range results {
		m.ChunksFinished.WithLabelValues(string(r.Status)).Inc()
		if r.Attempts > 1 {
			m.ChunkRetries.Add(float64(r.Attempts - 1))
		}
		if !r.CompletedAt.IsZero() && r.CompletedAt.After(status.DispatchedAt) {
			m.ChunkDuration.Observe(r.CompletedAt.Sub(status.DispatchedAt).Seconds())
		}
	}
}

// RecordFinished observes a job reaching its terminal state.
func (m *Metrics) RecordFinished(status JobStatus) {
	m.ActiveJobs.Dec()
	m.JobsFinished.WithLabelValues(string(status.State), status.Reason).Inc()
	if status.Source != "" {
		m.CompletionSources.WithLabelValues(status.Source).Inc()
	}
	if !status.FinishedAt.IsZero() {
		m.JobDuration.Observe(status.FinishedAt.Sub(status.DispatchedAt).Seconds())
	}
	if status.Report != nil && status.State == job.StateComplete {
		m.UsableProxies.Add(float64(status.Report.Usable))
	}
}
