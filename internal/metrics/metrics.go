package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "board_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "board_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Board metrics
	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "board_rooms_created_total",
			Help: "Total rooms created",
		},
	)

	StrokesCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "board_strokes_committed_total",
			Help: "Total strokes committed",
		},
	)

	TempPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "board_temp_publishes_total",
			Help: "Total in-progress stroke publishes",
		},
	)

	RoomClears = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "board_room_clears_total",
			Help: "Total room clears",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "board_active_sessions",
			Help: "Open WebSocket sessions",
		},
	)

	// Presence metrics
	PresenceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "board_presence_events_total",
			Help: "Presence transitions",
		},
		[]string{"kind"}, // "join", "leave" or "expire"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "board_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "board_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "board_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	RegistryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "board_registry_latency_seconds",
			Help:    "Room registry query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
		[]string{"backend"}, // "postgres" or "sqlite"
	)
)
