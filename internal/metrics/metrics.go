// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service collectors. Use New with a dedicated registry in
// tests to avoid duplicate registration.
type Metrics struct {
	Transitions         *prometheus.CounterVec
	TransitionDuration  *prometheus.HistogramVec
	WorkflowsStarted    *prometheus.CounterVec
	WorkflowsFinished   *prometheus.CounterVec
	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	NotificationsDrop   prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_task_transitions_total",
			Help: "Approval task transitions by resulting status and outcome.",
		}, []string{"status", "outcome"}),
		TransitionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approval_task_transition_duration_seconds",
			Help:    "Time spent inside the transition unit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		WorkflowsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_workflows_started_total",
			Help: "Workflow runs started by subject kind.",
		}, []string{"subject_kind"}),
		WorkflowsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_workflows_finished_total",
			Help: "Workflow runs finished by subject kind and status.",
		}, []string{"subject_kind", "status"}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_notifications_sent_total",
			Help: "Notifications delivered by sink.",
		}, []string{"sink"}),
		NotificationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_notifications_failed_total",
			Help: "Notification deliveries that failed by sink.",
		}, []string{"sink"}),
		NotificationsDrop: f.NewCounter(prometheus.CounterOpts{
			Name: "approval_notifications_dropped_total",
			Help: "Notification batches dropped because the queue was full or closed.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
}

// Delivered, Failed and Dropped make Metrics a notify.Observer.

func (m *Metrics) Delivered(sink string) { m.NotificationsSent.WithLabelValues(sink).Inc() }

func (m *Metrics) Failed(sink string) { m.NotificationsFailed.WithLabelValues(sink).Inc() }

func (m *Metrics) Dropped() { m.NotificationsDrop.Inc() }
