// Package metrics holds the prometheus collectors shared by the serve, worker
// and scheduler processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	connections    prometheus.Gauge
	framesSent     prometheus.Counter
	framesDropped  prometheus.Counter
	relayPublished prometheus.Counter
	relayReceived  prometheus.Counter
	relayMalformed prometheus.Counter
	jobsEnqueued   *prometheus.CounterVec
	jobsClaimed    prometheus.Counter
	claimsLost     prometheus.Counter
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobLatency     prometheus.Histogram
	jobsByStatus   *prometheus.GaugeVec
	taskRuns       *prometheus.CounterVec
	taskFailures   *prometheus.CounterVec
}

// New creates a collector backed by its own registry so tests can create as
// many as they like.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatflow_ws_connections",
			Help: "Live WebSocket connections held by this process",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_ws_frames_sent_total",
			Help: "Frames queued to WebSocket connections",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_ws_frames_dropped_total",
			Help: "Frames that could not be delivered; the connection was closed",
		}),
		relayPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_relay_published_total",
			Help: "Envelopes published to the shared relay channel",
		}),
		relayReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_relay_received_total",
			Help: "Envelopes received from the shared relay channel",
		}),
		relayMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_relay_malformed_total",
			Help: "Relay messages dropped because they could not be decoded",
		}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_jobs_enqueued_total",
			Help: "Jobs inserted into the queue",
		}, []string{"kind"}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_jobs_claimed_total",
			Help: "Jobs claimed by this worker",
		}),
		claimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_job_claims_lost_total",
			Help: "Claims abandoned because another worker won the row",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_jobs_completed_total",
			Help: "Jobs that finished successfully",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_jobs_failed_total",
			Help: "Jobs that ended in FAILED",
		}, []string{"kind"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatflow_job_duration_seconds",
			Help:    "Job execution time",
			Buckets: prometheus.DefBuckets,
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatflow_jobs",
			Help: "Jobs in the queue table by status",
		}, []string{"status"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_scheduled_task_runs_total",
			Help: "Successful scheduled task runs",
		}, []string{"task"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_scheduled_task_failures_total",
			Help: "Failed scheduled task runs",
		}, []string{"task"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connections, c.framesSent, c.framesDropped,
		c.relayPublished, c.relayReceived, c.relayMalformed,
		c.jobsEnqueued, c.jobsClaimed, c.claimsLost, c.jobsCompleted, c.jobsFailed,
		c.jobLatency, c.jobsByStatus, c.taskRuns, c.taskFailures,
	)
	return c
}

// Handler exposes the collector in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// All record methods are nil-safe so components can run without metrics.

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.connections.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.connections.Dec()
	}
}

func (c *Collector) FrameSent() {
	if c != nil {
		c.framesSent.Inc()
	}
}

func (c *Collector) FrameDropped() {
	if c != nil {
		c.framesDropped.Inc()
	}
}

func (c *Collector) RelayPublished() {
	if c != nil {
		c.relayPublished.Inc()
	}
}

func (c *Collector) RelayReceived() {
	if c != nil {
		c.relayReceived.Inc()
	}
}

func (c *Collector) RelayMalformed() {
	if c != nil {
		c.relayMalformed.Inc()
	}
}

func (c *Collector) JobEnqueued(kind string) {
	if c != nil {
		c.jobsEnqueued.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) JobClaimed() {
	if c != nil {
		c.jobsClaimed.Inc()
	}
}

func (c *Collector) ClaimLost() {
	if c != nil {
		c.claimsLost.Inc()
	}
}

func (c *Collector) JobCompleted(kind string, seconds float64) {
	if c != nil {
		c.jobsCompleted.WithLabelValues(kind).Inc()
		c.jobLatency.Observe(seconds)
	}
}

func (c *Collector) JobFailed(kind string, seconds float64) {
	if c != nil {
		c.jobsFailed.WithLabelValues(kind).Inc()
		c.jobLatency.Observe(seconds)
	}
}

func (c *Collector) SetJobsByStatus(status string, n int) {
	if c != nil {
		c.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) TaskRun(task string) {
	if c != nil {
		c.taskRuns.WithLabelValues(task).Inc()
	}
}

func (c *Collector) TaskFailed(task string) {
	if c != nil {
		c.taskFailures.WithLabelValues(task).Inc()
	}
}
