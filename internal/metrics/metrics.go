// Package metrics collects and exposes Prometheus metrics for the CRM API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notification outcomes.
const (
	OutcomeSent       = "sent"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
	OutcomeSkipped    = "skipped"
)

// Collector is the Prometheus-backed recorder used by the coordinators, the notification
// dispatcher and the HTTP layer. A nil *Collector records nothing.
type Collector struct {
	leadMutations      *prometheus.CounterVec
	activitiesAppended *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	accessDenied       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		leadMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_lead_mutations_total",
			Help: "Lead create, update and delete operations that committed",
		}, []string{"op"}),
		activitiesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_activities_appended_total",
			Help: "Activities appended to lead timelines",
		}, []string{"type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_notifications_total",
			Help: "Notification deliveries by channel and outcome",
		}, []string{"channel", "outcome"}),
		accessDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_access_denied_total",
			Help: "Requests rejected by the ownership policy",
		}, []string{"resource"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crm_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		c.leadMutations,
		c.activitiesAppended,
		c.notifications,
		c.accessDenied,
		c.requestDuration,
	)

	return c
}

func (c *Collector) RecordLeadMutation(op string) {
	if c == nil {
		return
	}
	c.leadMutations.WithLabelValues(op).Inc()
}

func (c *Collector) RecordActivityAppended(activityType string) {
	if c == nil {
		return
	}
	c.activitiesAppended.WithLabelValues(activityType).Inc()
}

// RecordNotification counts one delivery attempt on channel ("email" or "realtime").
func (c *Collector) RecordNotification(channel, outcome string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(channel, outcome).Inc()
}

func (c *Collector) RecordAccessDenied(resource string) {
	if c == nil {
		return
	}
	c.accessDenied.WithLabelValues(resource).Inc()
}

func (c *Collector) RecordRequest(method string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(duration.Seconds())
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
