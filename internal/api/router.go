package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sketchguess/board/internal/api/middleware"
	"github.com/sketchguess/board/internal/channel"
	"github.com/sketchguess/board/internal/handlers"
	"github.com/sketchguess/board/internal/store"
)

// NewRouter creates and configures the HTTP router. registry and
// limiterClient may be nil; without a Redis client requests are not rate
// limited.
func NewRouter(
	logger zerolog.Logger,
	registry store.DataStore,
	rooms store.SyncStore,
	direct *channel.Direct,
	limiterClient *redis.Client,
	limits middleware.RateLimiterConfig,
) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // strokes travel over the socket, not HTTP bodies
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(limiterClient, logger, limits)
	r.Use(limiter.Middleware)

	// CORS - boards are embedded from any origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(registry, rooms, direct, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	r.Post("/room", h.CreateRoom)
	r.Get("/room/{id}", h.GetRoom)
	r.Delete("/room/{id}/strokes", h.ClearRoom)
	r.Get("/rooms", h.ListRooms)

	// Drawing sessions
	r.Get("/ws/{id}", h.ServeWS)

	return r
}
