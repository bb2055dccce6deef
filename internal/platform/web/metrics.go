package web

import (
	"context"

	"github.com/dontdude/gradex/internal/load"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the load estimate and job outcome counters.
type Metrics struct {
	averageJobs *prometheus.GaugeVec
	maxJobs     *prometheus.GaugeVec
	jobs        *prometheus.CounterVec
	duration    prometheus.Histogram
}

var _ load.Reporter = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		averageJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grader",
			Name:      "average_jobs",
			Help:      "Time averaged number of running jobs over the last report interval.",
		}, []string{"queue"}),
		maxJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grader",
			Name:      "max_jobs",
			Help:      "Configured number of concurrent job slots.",
		}, []string{"queue"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "jobs_total",
			Help:      "Jobs handled by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "grader",
			Name:      "container_seconds",
			Help:      "Wall time spent in grading containers.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
	}
}

func (m *Metrics) ReportLoad(_ context.Context, r load.Report) error {
	m.averageJobs.WithLabelValues(r.QueueName).Set(r.AverageJobs)
	m.maxJobs.WithLabelValues(r.QueueName).Set(float64(r.MaxJobs))
	return nil
}

func (m *Metrics) ObserveJob(outcome string) {
	m.jobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveContainer(seconds float64) {
	m.duration.Observe(seconds)
}
