package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	evalAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hogwild_eval_accuracy",
			Help: "Accuracy of the most recent evaluation of the shared model.",
		},
		[]string{"run"},
	)

	evalLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hogwild_eval_loss",
			Help: "Loss of the most recent evaluation of the shared model.",
		},
		[]string{"run"},
	)

	evalRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hogwild_eval_records_total",
			Help: "Total number of evaluation records appended.",
		},
		[]string{"phase"},
	)

	liveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hogwild_live_workers",
			Help: "Number of workers alive at the last poll.",
		},
		[]string{"run"},
	)

	workerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hogwild_worker_spawns_total",
			Help: "Total number of workers spawned.",
		},
		[]string{"role"},
	)

	checkpointSavesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hogwild_checkpoint_saves_total",
			Help: "Total number of best checkpoints written.",
		},
	)

	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hogwild_poll_iteration_duration_seconds",
			Help:    "Duration of one liveness check and evaluation.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(evalAccuracy)
	prometheus.MustRegister(evalLoss)
	prometheus.MustRegister(evalRecordsTotal)
	prometheus.MustRegister(liveWorkers)
	prometheus.MustRegister(workerSpawnsTotal)
	prometheus.MustRegister(checkpointSavesTotal)
	prometheus.MustRegister(pollDuration)
}
