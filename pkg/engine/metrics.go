package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeqa",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by outcome.",
	}, []string{"pipeline", "outcome"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeqa",
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "End-to-end pipeline run duration.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"pipeline"})

	stepsPerRun = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeqa",
		Subsystem: "pipeline",
		Name:      "steps_per_run",
		Help:      "Dispatched steps per pipeline run.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
	}, []string{"pipeline"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeqa",
		Subsystem: "pipeline",
		Name:      "step_duration_seconds",
		Help:      "Per-action step execution duration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"action"})
)

func observeRun(name, outcome string, steps int, start time.Time) {
	runsTotal.WithLabelValues(name, outcome).Inc()
	runDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	stepsPerRun.WithLabelValues(name).Observe(float64(steps))
}

func observeStep(action string, start time.Time) {
	stepDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}
