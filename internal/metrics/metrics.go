// Package metrics exposes the fleet's Prometheus counters. Each node
// constructs its own Collector against a private registry (rather than
// the global default registry) so a single test binary can build many
// nodes without duplicate-registration panics, and mounts the resulting
// handler onto its own echo router alongside its other endpoints.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the coordination core emits.
type Collector struct {
	registry *prometheus.Registry

	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter
	taskLatency     prometheus.Histogram

	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge

	heartbeatMisses   prometheus.Counter
	electionsTriggered prometheus.Counter
	stallRecoveries   prometheus.Counter
}

// NewCollector builds a Collector registered against a fresh private
// registry, labelled with this node's id and role so metrics from
// several nodes scraped through one federation target stay distinguishable.
func NewCollector(nodeID string, role string) *Collector {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"node_id": nodeID, "role": role}

	c := &Collector{
		registry: reg,
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fleetcoord_tasks_dispatched_total",
			Help:        "Total number of tasks dispatched to a worker",
			ConstLabels: constLabels,
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fleetcoord_tasks_completed_total",
			Help:        "Total number of tasks completed successfully",
			ConstLabels: constLabels,
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fleetcoord_tasks_failed_total",
			Help:        "Total number of tasks that ended in failure",
			ConstLabels: constLabels,
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "fleetcoord_task_latency_seconds",
			Help:        "Task latency from creation on the leader to completion",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fleetcoord_queue_depth",
			Help:        "Current number of pending tasks in the dispatch queue",
			ConstLabels: constLabels,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fleetcoord_tasks_in_flight",
			Help:        "Current number of tasks being executed",
			ConstLabels: constLabels,
		}),
		heartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fleetcoord_heartbeat_misses_total",
			Help:        "Total number of missed-beat increments across all tracked peers",
			ConstLabels: constLabels,
		}),
		electionsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fleetcoord_elections_triggered_total",
			Help:        "Total number of leader-selection attempts this node has made",
			ConstLabels: constLabels,
		}),
		stallRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fleetcoord_stall_recoveries_total",
			Help:        "Total number of processing tasks reset to pending for stalling",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		c.tasksDispatched,
		c.tasksCompleted,
		c.tasksFailed,
		c.taskLatency,
		c.queueDepth,
		c.inFlight,
		c.heartbeatMisses,
		c.electionsTriggered,
		c.stallRecoveries,
	)
	return c
}

// RecordDispatch records a task handed to a worker.
func (c *Collector) RecordDispatch() {
	c.tasksDispatched.Inc()
}

// RecordCompleted records a task reaching completed, with its total
// creation-to-completion latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latencySeconds)
}

// RecordFailed records a task reaching failed.
func (c *Collector) RecordFailed() {
	c.tasksFailed.Inc()
}

// RecordHeartbeatMiss records one missed-beat increment against any peer.
func (c *Collector) RecordHeartbeatMiss() {
	c.heartbeatMisses.Inc()
}

// RecordElectionTriggered records this node arming a selection timer.
func (c *Collector) RecordElectionTriggered() {
	c.electionsTriggered.Inc()
}

// RecordStallRecovery records a processing task reset to pending for
// exceeding the stall threshold.
func (c *Collector) RecordStallRecovery() {
	c.stallRecoveries.Inc()
}

// UpdateQueueStats sets the instantaneous queue-depth and in-flight gauges.
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	c.queueDepth.Set(float64(pending))
	c.inFlight.Set(float64(inFlight))
}

// Handler returns the HTTP handler that serves this collector's metrics
// in Prometheus exposition format, for mounting at GET /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
