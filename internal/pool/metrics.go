package pool

import "github.com/prometheus/client_golang/prometheus"

// Worker state label values.
const (
	stateStarting = "starting"
	stateIdle     = "idle"
	stateBusy     = "busy"

	// stateDead is never exported; it marks a slot torn down by Close.
	stateDead = "dead"
)

// Job result label values.
const (
	jobOK        = "ok"
	jobError     = "error"
	jobCancelled = "cancelled"
)

var (
	workersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_pool_workers",
			Help: "Live workers by state.",
		},
		[]string{"state"},
	)

	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_pool_queue_length",
			Help: "Jobs waiting for a worker.",
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_pool_jobs_total",
			Help: "Completed jobs by result.",
		},
		[]string{"result"},
	)

	workersKilledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_pool_workers_killed_total",
			Help: "Workers terminated forcibly by cancellation or protocol violation.",
		},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_pool_job_duration_seconds",
			Help:    "Time from job start to completion.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		},
	)
)

func init() {
	prometheus.MustRegister(workersGauge)
	prometheus.MustRegister(queueLength)
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(workersKilledTotal)
	prometheus.MustRegister(jobDuration)

	for _, s := range []string{stateStarting, stateIdle, stateBusy} {
		workersGauge.WithLabelValues(s)
	}
	for _, r := range []string{jobOK, jobError, jobCancelled} {
		jobsTotal.WithLabelValues(r)
	}
}
