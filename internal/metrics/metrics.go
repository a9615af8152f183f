// Package metrics provides Prometheus instrumentation for BrowserGrid.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browsergrid_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "browsergrid_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session metrics.
var (
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "browsergrid_sessions_created_total",
		Help: "Total number of browser sessions created.",
	})

	SessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browsergrid_sessions_closed_total",
		Help: "Total number of browser sessions closed, by reason.",
	}, []string{"reason"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "browsergrid_sessions_active",
		Help: "Number of currently active browser sessions.",
	})

	ReaperClosuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browsergrid_reaper_closures_total",
		Help: "Total number of sessions closed by the reaper, by reason.",
	}, []string{"reason"})
)

// Relay metrics.
var (
	RelayConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "browsergrid_relay_connections_active",
		Help: "Number of active CDP relay tunnels.",
	})

	RelayFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browsergrid_relay_frames_total",
		Help: "Total number of CDP frames relayed, by direction.",
	}, []string{"direction"})
)

// Worker metrics.
var (
	BrowsersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "browsergrid_browsers_active",
		Help: "Number of browser processes currently running on this worker.",
	})

	BrowserLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browsergrid_browser_launches_total",
		Help: "Total number of browser launch attempts, by outcome.",
	}, []string{"outcome"})
)
