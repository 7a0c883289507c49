// Package metrics exposes Prometheus instrumentation for backend workers,
// rollback and deployments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nfvo"

// Collector groups the orchestrator metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
	rejected     *prometheus.CounterVec
	rollback     *prometheus.CounterVec
	deployments  *prometheus.CounterVec
}

// NewCollector registers the orchestrator metrics on reg. When reg is nil a
// private registry is used so collectors never clash across tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Collector{
		tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Backend tasks that reached a terminal status.",
			},
			[]string{"worker", "operation", "status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time spent executing a backend task.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"worker", "operation"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Tasks currently waiting in a worker queue.",
			},
			[]string{"worker"},
		),
		rejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_submissions_rejected_total",
				Help:      "Task submissions rejected because the worker queue was full.",
			},
			[]string{"worker"},
		),
		rollback: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_actions_total",
				Help:      "Compensating actions executed during rollback.",
			},
			[]string{"kind", "outcome"},
		),
		deployments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Deployment attempts by result.",
			},
			[]string{"result"},
		),
	}
}

// TaskFinished records a task reaching a terminal status.
func (c *Collector) TaskFinished(worker, operation, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.tasks.WithLabelValues(worker, operation, status).Inc()
	c.taskDuration.WithLabelValues(worker, operation).Observe(elapsed.Seconds())
}

// QueueDepth sets the current queue depth of a worker.
func (c *Collector) QueueDepth(worker string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(worker).Set(float64(depth))
}

// SubmissionRejected counts a queue-full rejection.
func (c *Collector) SubmissionRejected(worker string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(worker).Inc()
}

// RollbackAction counts one compensating action by kind and outcome.
func (c *Collector) RollbackAction(kind, outcome string) {
	if c == nil {
		return
	}
	c.rollback.WithLabelValues(kind, outcome).Inc()
}

// Deployment counts a deployment attempt; result is "success" or "failure".
func (c *Collector) Deployment(result string) {
	if c == nil {
		return
	}
	c.deployments.WithLabelValues(result).Inc()
}
