package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pool and job counters to prometheus. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	workersAvailable prometheus.Gauge
	workersActive    prometheus.Gauge
	workersCreated   prometheus.Counter
	creationFailures prometheus.Counter
	workersDestroyed *prometheus.CounterVec
	acquireDuration  *prometheus.HistogramVec
	jobsTotal        *prometheus.CounterVec
	jobDuration      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		workersAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchengine_workers_available",
			Help: "Workers idle in the pool",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchengine_workers_active",
			Help: "Workers currently assigned to a job",
		}),
		workersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchengine_workers_created_total",
			Help: "Workers created and verified healthy",
		}),
		creationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchengine_worker_creation_failures_total",
			Help: "Worker creations that failed after all retries",
		}),
		workersDestroyed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchengine_workers_destroyed_total",
				Help: "Workers destroyed, by reason",
			},
			[]string{"reason"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchengine_acquire_duration_seconds",
				Help:    "Time spent waiting for a worker, by outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchengine_jobs_total",
				Help: "Jobs run, by outcome",
			},
			[]string{"outcome"},
		),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchengine_job_duration_seconds",
			Help:    "Transform execution time",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.workersAvailable,
		m.workersActive,
		m.workersCreated,
		m.creationFailures,
		m.workersDestroyed,
		m.acquireDuration,
		m.jobsTotal,
		m.jobDuration,
	)
	return m
}

func (m *Metrics) setSizes(available, active int) {
	if m == nil {
		return
	}
	m.workersAvailable.Set(float64(available))
	m.workersActive.Set(float64(active))
}

func (m *Metrics) workerCreated() {
	if m == nil {
		return
	}
	m.workersCreated.Inc()
}

func (m *Metrics) creationFailed() {
	if m == nil {
		return
	}
	m.creationFailures.Inc()
}

func (m *Metrics) workerDestroyed(reason string) {
	if m == nil {
		return
	}
	m.workersDestroyed.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeAcquire(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.acquireDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) observeJob(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(d.Seconds())
}
