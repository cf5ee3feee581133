package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the executor.
type Metrics struct {
	Registry *prometheus.Registry

	JobsTotal          *prometheus.CounterVec
	JobsInFlight       prometheus.Gauge
	JobDuration        prometheus.Histogram
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
	OutputChunks       *prometheus.CounterVec
	OutputBytes        *prometheus.CounterVec
	ContainerLatency   *prometheus.HistogramVec
	ContainerErrors    *prometheus.CounterVec
	CommandsTotal      *prometheus.CounterVec
	PersistenceErrors  *prometheus.CounterVec
	LeasesRevoked      prometheus.Counter
	RequestsInFlight   prometheus.Gauge
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "executor",
				Name:      "jobs_total",
				Help:      "Total number of jobs by final status.",
			},
			[]string{"status"},
		),

		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "executor",
				Name:      "jobs_in_flight",
				Help:      "Number of jobs currently registered with the dispatcher.",
			},
		),

		JobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "executor",
				Name:      "job_duration_seconds",
				Help:      "Wall time from job load to reconciliation.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "executor",
				Name:      "executions_total",
				Help:      "Total number of target executions by final status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "executor",
				Name:      "execution_duration_seconds",
				Help:      "Duration of a single target execution.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		OutputChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "executor",
				Name:      "output_chunks_total",
				Help:      "Output chunks forwarded to the sink by stream.",
			},
			[]string{"stream"},
		),

		OutputBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "executor",
				Name:      "output_bytes_total",
				Help:      "Output bytes forwarded to the sink by stream.",
			},
			[]string{"stream"},
		),

		ContainerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "executor",
				Name:      "container_operation_duration_seconds",
				Help:      "Duration of container runtime operations.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),

		ContainerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "executor",
				Name:      "container_errors_total",
				Help:      "Container runtime failures by operation.",
			},
			[]string{"operation"},
		),

		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "executor",
				Name:      "commands_total",
				Help:      "Job commands consumed by action.",
			},
			[]string{"action"},
		),

		PersistenceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "executor",
				Name:      "persistence_errors_total",
				Help:      "Store failures by phase.",
			},
			[]string{"phase"},
		),

		LeasesRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "executor",
				Name:      "container_leases_revoked_total",
				Help:      "Executions that lost their container to a newer job of the same exploit.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "executor",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "executor",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),

		HTTPRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "executor",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobsInFlight,
		m.JobDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.OutputChunks,
		m.OutputBytes,
		m.ContainerLatency,
		m.ContainerErrors,
		m.CommandsTotal,
		m.PersistenceErrors,
		m.LeasesRevoked,
		m.RequestsInFlight,
		m.HTTPRequestsTotal,
		m.HTTPRequestLatency,
	)

	return m
}

// RecordJob records a job's final status and duration.
func (m *Metrics) RecordJob(status string, d time.Duration) {
	m.JobsTotal.WithLabelValues(status).Inc()
	m.JobDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordExecution(status string, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}

// RecordOutput counts one forwarded chunk.
func (m *Metrics) RecordOutput(stdout bool, size int) {
	stream := "stderr"
	if stdout {
		stream = "stdout"
	}
	m.OutputChunks.WithLabelValues(stream).Inc()
	m.OutputBytes.WithLabelValues(stream).Add(float64(size))
}

// ObserveContainer records the latency of a container operation and counts
// it as an error when err is non-nil.
func (m *Metrics) ObserveContainer(op string, start time.Time, err error) {
	m.ContainerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.ContainerErrors.WithLabelValues(op).Inc()
	}
}
