package runner

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/anvil/internal/model"
)

// Send result label values.
const (
	sendOK      = "ok"
	sendFailed  = "failed"
	sendInvalid = "invalid"
)

var (
	tasksGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_runner_tasks",
			Help: "Tasks held by the runner, by status.",
		},
		[]string{"status"},
	)

	taskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_runner_task_outcomes_total",
			Help: "Tasks that reached finished, by outcome.",
		},
		[]string{"outcome"},
	)

	sendBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_runner_send_batches_total",
			Help: "Result batches submitted to the provider, by result.",
		},
		[]string{"result"},
	)

	checkpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_runner_checkpoint_duration_seconds",
			Help:    "Time spent writing a checkpoint.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(tasksGauge)
	prometheus.MustRegister(taskOutcomesTotal)
	prometheus.MustRegister(sendBatchesTotal)
	prometheus.MustRegister(checkpointDuration)

	for _, s := range []string{model.StatusPending, model.StatusBlocked, model.StatusRunning, model.StatusFinished, model.StatusSending} {
		tasksGauge.WithLabelValues(s)
	}
	for _, o := range []string{model.OutcomeOK, model.OutcomeError, model.OutcomeRefused} {
		taskOutcomesTotal.WithLabelValues(o)
	}
	for _, r := range []string{sendOK, sendFailed, sendInvalid} {
		sendBatchesTotal.WithLabelValues(r)
	}
}
