package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records per-stage timings and record counts for a run.
type PipelineMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
	records  *prometheus.CounterVec
	retries  *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "funnel_stage_duration_seconds",
		Help:    "Duration of pipeline stages in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_stage_success_total",
		Help: "Pipeline stages that completed.",
	}, []string{"stage"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_stage_failure_total",
		Help: "Pipeline stages that failed.",
	}, []string{"stage", "code"})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_records_total",
		Help: "Records handled by the pipeline, by kind.",
	}, []string{"kind"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_retries_total",
		Help: "Retried attempts against external dependencies.",
	}, []string{"target"})
	reg.MustRegister(duration, success, failure, records, retries)
	return &PipelineMetrics{
		duration: duration,
		success:  success,
		failure:  failure,
		records:  records,
		retries:  retries,
	}
}

// ObserveDuration records the duration for the named stage.
func (m *PipelineMetrics) ObserveDuration(stage string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(stage)).Observe(duration.Seconds())
}

// IncSuccess increments the success counter for the named stage.
func (m *PipelineMetrics) IncSuccess(stage string) {
	if m == nil || m.success == nil {
		return
	}
	m.success.WithLabelValues(normalizeLabel(stage)).Inc()
}

// IncFailure increments the failure counter for the named stage and error code.
func (m *PipelineMetrics) IncFailure(stage, code string) {
	if m == nil || m.failure == nil {
		return
	}
	m.failure.WithLabelValues(normalizeLabel(stage), normalizeLabel(code)).Inc()
}

// AddRecords adds n to the counter for kind (products_fetched, events_written, ...).
func (m *PipelineMetrics) AddRecords(kind string, n int) {
	if m == nil || m.records == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(normalizeLabel(kind)).Add(float64(n))
}

// IncRetry counts one retried attempt against target.
func (m *PipelineMetrics) IncRetry(target string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(target)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
