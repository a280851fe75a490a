package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes used as the outcome label of diarizer_runs_total.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Metrics holds Prometheus counters and gauges for the diarization service.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	runsTotal          *prometheus.CounterVec
	runDuration        prometheus.Histogram
	runProgress        prometheus.Gauge
	segmentsInstalled  prometheus.Gauge
	speakers           prometheus.Gauge
	captureSamples     prometheus.Gauge
	conversionFailures prometheus.Counter
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diarizer_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diarizer_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diarizer_runs_total",
		Help: "Total number of diarization runs by terminal outcome",
	}, []string{"outcome"})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "diarizer_run_duration_seconds",
		Help:    "Wall-clock duration of diarization runs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	runProgress := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "diarizer_run_progress",
		Help: "Progress of the current or last run in [0,1]",
	})
	segmentsInstalled := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "diarizer_segments_installed",
		Help: "Number of segments in the segment store",
	})
	speakers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "diarizer_speakers",
		Help: "Number of distinct speakers in the segment store",
	})
	captureSamples := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "diarizer_capture_samples",
		Help: "Number of canonical samples held by the capture source",
	})
	conversionFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diarizer_conversion_failures_total",
		Help: "Total number of audio inputs that could not be normalized",
	})

	runsTotal.WithLabelValues(OutcomeCompleted)
	runsTotal.WithLabelValues(OutcomeFailed)

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		runsTotal,
		runDuration,
		runProgress,
		segmentsInstalled,
		speakers,
		captureSamples,
		conversionFailures,
	)

	return &Metrics{
		registry:           registry,
		requestsTotal:      requestsTotal,
		errorsTotal:        errorsTotal,
		runsTotal:          runsTotal,
		runDuration:        runDuration,
		runProgress:        runProgress,
		segmentsInstalled:  segmentsInstalled,
		speakers:           speakers,
		captureSamples:     captureSamples,
		conversionFailures: conversionFailures,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveRun records a finished run with its outcome and duration.
func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	m.runsTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

// SetRunProgress sets the run progress gauge.
func (m *Metrics) SetRunProgress(p float64) {
	m.runProgress.Set(p)
}

// SetSegments sets the installed segment and speaker gauges.
func (m *Metrics) SetSegments(segments, speakers int) {
	m.segmentsInstalled.Set(float64(segments))
	m.speakers.Set(float64(speakers))
}

// SetCaptureSamples sets the capture buffer gauge.
func (m *Metrics) SetCaptureSamples(n int) {
	m.captureSamples.Set(float64(n))
}

// IncConversionFailures increments the conversion failure counter.
func (m *Metrics) IncConversionFailures() {
	m.conversionFailures.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. capture samples).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
