package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PendingSessions is the number of overlay connections waiting for their registration id.
var PendingSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iinaplus_pending_sessions",
	Help: "Overlay websocket sessions not yet matched to a registration",
})

// Registrations tracks registry entries by site and state.
var Registrations = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iinaplus_registrations",
	Help: "Registered danmaku feeds",
}, []string{"state"})

// Resolutions counts finished resolutions. The result label is ok, cached or an error class.
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iinaplus_resolutions_total",
	Help: "Media resolutions by site and result",
}, []string{"site", "result"})

var UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iinaplus_upstream_requests_total",
	Help: "Upstream API requests by stage reached",
}, []string{"stage"})

var FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iinaplus_feed_messages_total",
	Help: "Danmaku pushed to overlay sessions",
}, []string{"site"})

var EvictedSessions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iinaplus_evicted_sessions_total",
	Help: "Pending sessions closed by the eviction timeout",
})
