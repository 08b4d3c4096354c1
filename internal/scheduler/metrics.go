package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes scheduler health for the /metrics endpoint.
type Metrics struct {
	QueueBuilds     prometheus.Counter
	JobsDispatched  prometheus.Counter
	JobsSucceeded   prometheus.Counter
	JobsFailed      prometheus.Counter
	QueueDepth      prometheus.Gauge
	ActiveRuns      prometheus.Gauge
	AnomalySeverity prometheus.Gauge
	OptimalTests    prometheus.Gauge
}

// NewMetrics registers scheduler metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueBuilds: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_scheduler_queue_builds_total",
			Help: "Number of queue rebuild cycles.",
		}),
		JobsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_scheduler_jobs_dispatched_total",
			Help: "Jobs handed to the runner.",
		}),
		JobsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_scheduler_jobs_succeeded_total",
			Help: "Jobs that completed successfully.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_scheduler_jobs_failed_total",
			Help: "Jobs recorded in the failed-jobs set.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_scheduler_queue_depth",
			Help: "Jobs currently queued.",
		}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_scheduler_active_runs",
			Help: "Simulations currently running.",
		}),
		AnomalySeverity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_scheduler_anomaly_severity",
			Help: "Market anomaly severity at the last queue build (baseline 1).",
		}),
		OptimalTests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_scheduler_optimal_test_count",
			Help: "Coverage-derived test budget at the last queue build.",
		}),
	}
}
