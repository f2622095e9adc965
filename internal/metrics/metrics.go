// Package metrics exposes run, scheduler and step counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iago/dataflow-batch/internal/batch"
	"github.com/iago/dataflow-batch/internal/domain"
)

const (
	ResultLaunched       = "launched"
	ResultSkippedRunning = "skipped-running"
	ResultFailed         = "failed"
	ResultBackPressure   = "back-pressure"
)

// Collectors groups every metric of the service. A nil *Collectors is valid
// and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	jobExecutions    *prometheus.CounterVec
	schedulerTrigger *prometheus.CounterVec
	retryAttempts    *prometheus.CounterVec
	stepReads        *prometheus.CounterVec
	stepWrites       *prometheus.CounterVec
	stepSkips        *prometheus.CounterVec
	stepFiltered     *prometheus.CounterVec
	chunksCommitted  *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

func New() *Collectors {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collectors{
		registry: registry,
		jobExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_job_executions_total",
			Help: "Launch requests by result.",
		}, []string{"result"}),
		schedulerTrigger: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_scheduler_trigger_total",
			Help: "Scheduler outcomes per pending item or cycle.",
		}, []string{"result"}),
		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_step_retry_attempts_total",
			Help: "Transient chunk write failures by step and category.",
		}, []string{"step", "exception"}),
		stepReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_step_reads_total",
			Help: "Records parsed by finished runs.",
		}, []string{"job"}),
		stepWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_step_writes_total",
			Help: "Records handed to the writer by finished runs.",
		}, []string{"job"}),
		stepSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_step_skips_total",
			Help: "Records skipped by finished runs.",
		}, []string{"job"}),
		stepFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_step_filtered_total",
			Help: "Records filtered out by finished runs.",
		}, []string{"job"}),
		chunksCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dataflow_step_chunks_committed_total",
			Help: "Chunks written successfully.",
		}, []string{"job"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataflow_job_duration_seconds",
			Help:    "Wall time of finished runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"job", "status"}),
	}
}

func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collectors) IncJobExecution(result string) {
	if c == nil {
		return
	}
	c.jobExecutions.WithLabelValues(result).Inc()
}

func (c *Collectors) IncSchedulerTrigger(result string) {
	if c == nil {
		return
	}
	c.schedulerTrigger.WithLabelValues(result).Inc()
}

// ObserveRun records the final counters of a finished attempt.
func (c *Collectors) ObserveRun(jobName string, status domain.ExecutionStatus, metrics domain.RunMetrics, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepReads.WithLabelValues(jobName).Add(float64(metrics.Read))
	c.stepWrites.WithLabelValues(jobName).Add(float64(metrics.Written))
	c.stepSkips.WithLabelValues(jobName).Add(float64(metrics.Skipped))
	c.stepFiltered.WithLabelValues(jobName).Add(float64(metrics.Filtered))
	c.jobDuration.WithLabelValues(jobName, string(status)).Observe(duration.Seconds())
}

// Listener returns a batch.Listener feeding these collectors.
func (c *Collectors) Listener(step string) batch.Listener {
	return &listener{c: c, step: step}
}

type listener struct {
	c    *Collectors
	step string
}

func (l *listener) OnRowSkipped(context.Context, batch.SkipEvent) {}

func (l *listener) OnRetryAttempt(_ context.Context, event batch.RetryEvent) {
	if l.c == nil {
		return
	}
	l.c.retryAttempts.WithLabelValues(l.step, string(event.Category)).Inc()
}

func (l *listener) OnChunkCommitted(_ context.Context, event batch.ChunkEvent) {
	if l.c == nil {
		return
	}
	l.c.chunksCommitted.WithLabelValues(event.Key.JobName).Inc()
}
