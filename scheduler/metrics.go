package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pricewise/affiliate-engine/batch"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runsTotal    *prometheus.CounterVec
	skippedTotal *prometheus.CounterVec
	itemsTotal   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	running      *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_job_runs_total",
				Help: "Total number of finished job runs",
			},
			[]string{"job", "status"},
		),
		skippedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_job_skipped_total",
				Help: "Triggers skipped because the job was still running",
			},
			[]string{"job"},
		),
		itemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_job_items_total",
				Help: "Items handled by job runs, by result",
			},
			[]string{"job", "result"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_job_duration_seconds",
				Help:    "Job run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"job"},
		),
		running: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scheduler_job_running",
				Help: "1 while a job is running",
			},
			[]string{"job"},
		),
	}
}

func (m *Metrics) started(job string) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(job).Set(1)
}

func (m *Metrics) finished(job string, status State, res batch.Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(job).Set(0)
	m.runsTotal.WithLabelValues(job, string(status)).Inc()
	m.duration.WithLabelValues(job).Observe(elapsed.Seconds())
	m.itemsTotal.WithLabelValues(job, "succeeded").Add(float64(res.Succeeded))
	m.itemsTotal.WithLabelValues(job, "failed").Add(float64(res.Failed))
}

func (m *Metrics) skipped(job string) {
	if m == nil {
		return
	}
	m.skippedTotal.WithLabelValues(job).Inc()
}
