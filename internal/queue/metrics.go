package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobs_service",
		Name:      "jobs_processed_total",
		Help:      "Jobs handled per family and outcome",
	}, []string{"family", "outcome"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobs_service",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one processing cycle",
		Buckets:   prometheus.DefBuckets,
	}, []string{"family"})

	leasedBatch = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobs_service",
		Name:      "leased_batch_size",
		Help:      "Jobs claimed per lease call",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	}, []string{"family"})
)

func observeResult(family string, outcome Outcome) {
	jobsProcessed.WithLabelValues(family, string(outcome)).Inc()
}

func observeCycle(family string, d time.Duration) {
	cycleDuration.WithLabelValues(family).Observe(d.Seconds())
}

func observeBatch(family string, n int) {
	leasedBatch.WithLabelValues(family).Observe(float64(n))
}
