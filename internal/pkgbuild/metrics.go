package pkgbuild

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records job outcomes in a private registry so a pipeline run can
// be exported as a node_exporter textfile.
type Metrics struct {
	Registry *prometheus.Registry

	jobDuration *prometheus.HistogramVec
	jobsTotal   *prometheus.CounterVec
	published   *prometheus.CounterVec
}

// NewMetrics creates the pipeline collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgecli",
			Subsystem: "pkg",
			Name:      "job_duration_seconds",
			Help:      "Duration of executed pipeline jobs",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
		}, []string{"kind", "target"}),
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgecli",
			Subsystem: "pkg",
			Name:      "jobs_total",
			Help:      "Pipeline jobs by outcome",
		}, []string{"kind", "status"}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgecli",
			Subsystem: "pkg",
			Name:      "published_artifacts_total",
			Help:      "Artifacts uploaded to the package bucket",
		}, []string{"index"}),
	}
}

func (m *Metrics) observe(r Result) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(string(r.Job.Kind), string(r.Status)).Inc()
	if r.Status != StatusSkipped {
		m.jobDuration.WithLabelValues(string(r.Job.Kind), r.Job.Target.Name()).Observe(r.Duration.Seconds())
	}
}

func (m *Metrics) artifactPublished(index string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(index).Inc()
}

// WriteTextfile writes the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
