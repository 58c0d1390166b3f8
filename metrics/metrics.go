package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	// Travel time resolver
	TravelCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_travel_cache_lookups_total",
			Help: "Travel time cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "joined"
	)

	TravelUpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_travel_upstream_calls_total",
			Help: "Calls made to the routing provider by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "canceled"
	)

	TravelCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_travel_cache_entries",
			Help: "Live entries in the travel time cache",
		},
	)

	// In-memory caches, sampled on each sweep
	CacheHitRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_cache_hit_rate_percent",
			Help: "Cache hit rate since start",
		},
		[]string{"cache"}, // "travel", "feed_sessions"
	)

	CacheEvictions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_cache_evictions",
			Help: "Entries evicted since start",
		},
		[]string{"cache"},
	)

	FeedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_sessions_entries",
			Help: "Stored feed pagination sessions",
		},
	)

	// Embeddings
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_embedding_requests_total",
			Help: "Embedding generation attempts by outcome",
		},
		[]string{"outcome"}, // "ok", "skipped", "not_configured", "upstream_error", "invalid_payload"
	)

	EmbeddingBackfill = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_embedding_backfill_profiles_total",
			Help: "Profiles processed by the embedding backfill",
		},
		[]string{"outcome"}, // "ok", "partial", "failed"
	)

	// Feed
	FeedPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_pages_total",
			Help: "Feed pages served by scoring version",
		},
		[]string{"scoring_version"},
	)

	FeedPageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feed_page_duration_seconds",
			Help:    "Time to assemble one feed page",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Upstream circuit breakers
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_http_requests_total",
			Help: "HTTP requests by route pattern and status code",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_live_travel_connections",
			Help: "Open travel websocket connections",
		},
	)
)

// BreakerStateValue maps a breaker state to the gauge value.
func BreakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
