// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package metrics exposes the scheduler's operational counters to
// Prometheus and builds, on demand, the point-in-time snapshot shape used
// for persistence and the realtime metrics channel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codepr/kiln/internal/store"
)

var (
	ActiveContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_active_containers",
			Help: "Number of containers currently admitted and running",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_queue_depth",
			Help: "Number of jobs by queue state",
		},
		[]string{"state"},
	)

	WorkerCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_worker_count",
			Help: "Number of workers currently running in the pool",
		},
	)

	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_jobs_completed_total",
			Help: "Total number of jobs that finished successfully",
		},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_jobs_failed_total",
			Help: "Total number of jobs that finished in failure, by terminality",
		},
		[]string{"terminal"},
	)

	JobExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_job_execution_duration_seconds",
			Help:    "Wall-clock duration of a container run, from admission to exit",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_container_start_duration_seconds",
			Help:    "Time taken from docker run invocation to the first observed output",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScalingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_scaling_events_total",
			Help: "Total number of worker pool scaling decisions, by direction",
		},
		[]string{"direction"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_retries_total",
			Help: "Total number of retry decisions, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveContainers,
		QueueDepth,
		WorkerCount,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobExecutionDuration,
		ContainerStartDuration,
		ScalingEventsTotal,
		RetriesTotal,
	)
}

// Handler returns the HTTP handler a collaborator-owned server mounts to
// expose the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an in-flight operation against a
// histogram, mirroring how job execution and container start latency are
// recorded.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Collector tracks the current gauge values needed to assemble a
// SystemMetricSnapshot on demand, in addition to updating the Prometheus
// series above. The worker pool and scaler call its Set methods as state
// changes. Snapshot returns the current point-in-time view; the
// bootstrapper only constructs the Collector and runs no periodic Snapshot,
// so nothing in this module persists or broadcasts it.
type Collector struct {
	activeContainers int
	workerCount      int
	queueDepth       int64
	extra            map[string]float64
}

// NewCollector builds an empty Collector.
func NewCollector() *Collector {
	return &Collector{extra: make(map[string]float64)}
}

// SetActiveContainers records the current admission-controller occupancy.
func (c *Collector) SetActiveContainers(n int) {
	c.activeContainers = n
	ActiveContainers.Set(float64(n))
}

// SetWorkerCount records the current worker pool size.
func (c *Collector) SetWorkerCount(n int) {
	c.workerCount = n
	WorkerCount.Set(float64(n))
}

// SetQueueDepth records the waiting/active/delayed/dead depth by state and
// the combined total used for scaling decisions and snapshots.
func (c *Collector) SetQueueDepth(waiting, active, delayed, dead int64) {
	QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	QueueDepth.WithLabelValues("active").Set(float64(active))
	QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	QueueDepth.WithLabelValues("dead").Set(float64(dead))
	c.queueDepth = waiting + delayed
	c.extra["queue_active"] = float64(active)
	c.extra["queue_dead"] = float64(dead)
}

// RecordCompletion records a terminal outcome for a job.
func (c *Collector) RecordCompletion(success bool, terminal bool) {
	if success {
		JobsCompletedTotal.Inc()
		return
	}
	label := "retryable"
	if terminal {
		label = "terminal"
	}
	JobsFailedTotal.WithLabelValues(label).Inc()
}

// RecordRetryOutcome records one retry.Controller decision.
func (c *Collector) RecordRetryOutcome(outcome string) {
	RetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordScalingEvent records one scaler decision.
func (c *Collector) RecordScalingEvent(direction string) {
	ScalingEventsTotal.WithLabelValues(direction).Inc()
}

// Snapshot produces the collaborator-facing point-in-time view for
// persistence and the system:metrics realtime channel.
func (c *Collector) Snapshot() store.SystemMetricSnapshot {
	extra := make(map[string]float64, len(c.extra))
	for k, v := range c.extra {
		extra[k] = v
	}
	return store.SystemMetricSnapshot{
		Timestamp:        time.Now(),
		ActiveContainers: c.activeContainers,
		QueueDepth:       c.queueDepth,
		WorkerCount:      c.workerCount,
		Extra:            extra,
	}
}
