// Package metrics exposes Prometheus metrics for pipeline latency, pipeline
// and dispatch failures, and the number of deployments running under the
// controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "modsentry",
		Subsystem: "pipeline",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent evaluating a single message end to end.",
		Buckets:   prometheus.DefBuckets,
	})

	PipelineFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "pipeline",
		Name:      "evaluation_failures_total",
		Help:      "Count of message evaluations that exhausted retries without success.",
	})

	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modsentry",
		Subsystem: "dispatch",
		Name:      "action_failures_total",
		Help:      "Count of moderation actions that failed to dispatch.",
	})

	DeploymentsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modsentry",
		Subsystem: "controller",
		Name:      "deployments_running",
		Help:      "Number of deployments currently running under this controller.",
	})
)
