// Package metrics holds the Prometheus collectors for the decision engine. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adops"

type Metrics struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	scores      *prometheus.HistogramVec
	guardDenied *prometheus.CounterVec
	transitions *prometheus.CounterVec
	channelErrs *prometheus.CounterVec
	jobsSubmit  *prometheus.CounterVec
	jobRuns     *prometheus.CounterVec
	jobLatency  *prometheus.HistogramVec
	queueErrs   prometheus.Counter
}

// New registers the collectors on a fresh registry that also carries the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decision", Name: "evaluations_total",
			Help: "Evaluations by outcome",
		}, []string{"outcome"}),
		scores: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "decision", Name: "final_score",
			Help:    "Distribution of final lifecycle scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}, []string{"stage"}),
		guardDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "guardrail", Name: "denied_total",
			Help: "Actions blocked by a guardrail rule",
		}, []string{"rule"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "operation", Name: "transitions_total",
			Help: "Operation status transitions",
		}, []string{"status"}),
		channelErrs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "approval", Name: "channel_errors_total",
			Help: "Failed approval channel calls",
		}, []string{"call"}),
		jobsSubmit: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "submitted_total",
			Help: "Job submissions, split by whether a new job was created",
		}, []string{"type", "created"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "executions_total",
			Help: "Job execution attempts by resulting status",
		}, []string{"type", "status"}),
		jobLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "execution_seconds",
			Help:    "Handler latency per job type",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		queueErrs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "enqueue_errors_total",
			Help: "Enqueue failures that fell back to inline execution",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordDecision(outcome, stage string, score float64, scored bool) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
	if scored {
		m.scores.WithLabelValues(stage).Observe(score)
	}
}

func (m *Metrics) RecordGuardDenied(rule string) {
	if m == nil {
		return
	}
	m.guardDenied.WithLabelValues(rule).Inc()
}

func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordChannelError(call string) {
	if m == nil {
		return
	}
	m.channelErrs.WithLabelValues(call).Inc()
}

func (m *Metrics) RecordJobSubmitted(jobType string, created bool) {
	if m == nil {
		return
	}
	label := "false"
	if created {
		label = "true"
	}
	m.jobsSubmit.WithLabelValues(jobType, label).Inc()
}

func (m *Metrics) RecordJobRun(jobType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(jobType, status).Inc()
	m.jobLatency.WithLabelValues(jobType).Observe(took.Seconds())
}

func (m *Metrics) RecordEnqueueError() {
	if m == nil {
		return
	}
	m.queueErrs.Inc()
}
