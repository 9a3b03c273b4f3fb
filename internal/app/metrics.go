package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics owns a private registry so tests can build as many services as
// they like without duplicate-registration panics.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequests          *prometheus.CounterVec
	httpDuration          *prometheus.HistogramVec
	invitationTransitions *prometheus.CounterVec
	changeResolutions     *prometheus.CounterVec
	Notifications         *prometheus.CounterVec
	presenceDegraded      prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptorium_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scriptorium_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"route"}),
		invitationTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptorium_invitation_transitions_total",
			Help: "Invitation state transitions by resulting status",
		}, []string{"status"}),
		changeResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptorium_change_resolutions_total",
			Help: "Tracked changes resolved by outcome and mode",
		}, []string{"status", "mode"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptorium_notifications_created_total",
			Help: "Notifications recorded by type",
		}, []string{"type"}),
		presenceDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "scriptorium_presence_degraded_total",
			Help: "Presence responses served without a backing store",
		}),
	}
}
