package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campus_escort"

var (
	RidesCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total ride requests accepted into the queue"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_completed_total", Help: "Total rides completed"})
	MatchesTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total successful ride/driver matches"},
		[]string{"source"},
	)
	MatchConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_conflicts_total", Help: "Match attempts rejected because a precondition no longer held"},
		[]string{"source"},
	)
	AssignSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "assign_sweep_seconds", Help: "Duration of auto-assign sweeps"})
	DriversIdle         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_idle", Help: "Available drivers left unmatched after the last assign sweep"})

	RouteLegDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_leg_lookup_seconds",
			Help:      "Latency of route-duration lookups",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"result"},
	)
	RouteLegFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "eta_leg_fallbacks_total", Help: "Route legs that used the fixed fallback duration"})
	RouteCacheHits    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "route_cache_hits_total", Help: "Route legs served from cache"})

	WSSubscribers  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_subscribers", Help: "Open ride status subscriptions"})
	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "push_deliveries_total", Help: "Status pushes by outcome"},
		[]string{"result"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Kafka events published by topic and outcome"},
		[]string{"topic", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
