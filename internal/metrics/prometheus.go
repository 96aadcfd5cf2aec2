package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instruments holds the Prometheus metrics of the engine. A nil *Instruments
// is valid and records nothing.
type Instruments struct {
	gatherer prometheus.Gatherer

	jobsFinished       *prometheus.CounterVec
	jobsRunning        prometheus.Gauge
	documentsProcessed prometheus.Counter
	documentsSkipped   prometheus.Counter
	chunksCreated      prometheus.Counter
	retries            *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	logDropped         prometheus.Counter
}

// NewInstruments creates and registers the engine metrics on reg. Pass a
// fresh prometheus.NewRegistry() in tests.
func NewInstruments(reg *prometheus.Registry) *Instruments {
	buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	m := &Instruments{
		gatherer: reg,
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_jobs_finished_total", Help: "Jobs that reached a terminal status",
		}, []string{"status", "kind"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_jobs_running", Help: "Jobs currently executing",
		}),
		documentsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_documents_processed_total", Help: "Documents chunked, embedded and stored",
		}),
		documentsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_documents_skipped_total", Help: "Documents skipped under the skip failure policy",
		}),
		chunksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_chunks_created_total", Help: "Chunks written to vector stores",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_retries_total", Help: "Retried external calls",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "ingestd_stage_seconds", Help: "Duration of pipeline stage calls", Buckets: buckets,
		}, []string{"stage"}),
		logDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_log_entries_dropped_total", Help: "Log entries dropped for slow subscribers",
		}),
	}
	reg.MustRegister(
		m.jobsFinished, m.jobsRunning,
		m.documentsProcessed, m.documentsSkipped, m.chunksCreated,
		m.retries, m.stageDuration, m.logDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Instruments) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Instruments) observeStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// JobStarted increments the running gauge.
func (m *Instruments) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

// JobFinished records a terminal job. kind is empty for completed jobs.
func (m *Instruments) JobFinished(status, kind string) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobsFinished.WithLabelValues(status, kind).Inc()
}

func (m *Instruments) DocumentProcessed(chunks int) {
	if m == nil {
		return
	}
	m.documentsProcessed.Inc()
	m.chunksCreated.Add(float64(chunks))
}

func (m *Instruments) DocumentSkipped() {
	if m == nil {
		return
	}
	m.documentsSkipped.Inc()
}

func (m *Instruments) Retry(stage string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
}

func (m *Instruments) LogDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.logDropped.Add(float64(n))
}
