package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "matches_total", Help: "Total match queries served"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ambulance_dispatch", Name: "match_latency_seconds", Help: "Match query latency seconds"})

	TripTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "trip_transitions_total", Help: "Trip transitions committed, by target status"},
		[]string{"to"},
	)
	ConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "conflicts_total", Help: "Binding and status conflicts observed"})
	ForceCompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "force_completions_total", Help: "Force-complete remediations applied"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "events_published_total", Help: "Domain events published"},
		[]string{"type"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "events_dropped_total", Help: "Events dropped on full subscriber buffers"},
		[]string{"type"},
	)
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ambulance_dispatch", Name: "subscriptions_active", Help: "Live event-stream subscriptions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ambulance_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
