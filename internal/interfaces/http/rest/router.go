// Package rest assembles the chi router: middleware chain, operational
// endpoints, and the authenticated /v1 API.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"rae-backend/internal/config"
	"rae-backend/internal/interfaces/http/handlers"
	"rae-backend/internal/middleware"
	"rae-backend/internal/observability"
	"rae-backend/pkg/auth"
)

// Router wires handlers and middleware into the served http.Handler.
type Router struct {
	cfg        *config.Config
	memories   *handlers.MemoryHandler
	graphs     *handlers.GraphHandler
	agents     *handlers.AgentHandler
	caches     *handlers.CacheHandler
	governance *handlers.GovernanceHandler
	health     *handlers.HealthHandler
	collector  *observability.Collector
	validator  *auth.JWTValidator
	limiter    *middleware.RateLimiter
	logger     *zap.Logger
}

// NewRouter collects the already-built handlers. Optional pieces (collector,
// limiter) may be nil and are then left out of the chain.
func NewRouter(
	cfg *config.Config,
	memories *handlers.MemoryHandler,
	graphs *handlers.GraphHandler,
	agents *handlers.AgentHandler,
	caches *handlers.CacheHandler,
	governance *handlers.GovernanceHandler,
	health *handlers.HealthHandler,
	collector *observability.Collector,
	validator *auth.JWTValidator,
	limiter *middleware.RateLimiter,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:        cfg,
		memories:   memories,
		graphs:     graphs,
		agents:     agents,
		caches:     caches,
		governance: governance,
		health:     health,
		collector:  collector,
		validator:  validator,
		limiter:    limiter,
		logger:     logger,
	}
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(rt.logger))
	router.Use(maxBytes(rt.cfg.Server.MaxRequestBytes))
	router.Use(middleware.Timeout(rt.cfg.Server.RequestTimeout.Std(), rt.logger))

	if rt.cfg.CORS.Enabled {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: rt.cfg.CORS.AllowedOrigins,
			AllowedMethods: rt.cfg.CORS.AllowedMethods,
			AllowedHeaders: rt.cfg.CORS.AllowedHeaders,
			ExposedHeaders: []string{"X-Request-ID", "X-Trace-ID", "Retry-After"},
			MaxAge:         rt.cfg.CORS.MaxAge,
		}))
	}
	if rt.collector != nil && rt.cfg.Features.EnableMetrics {
		router.Use(observability.MetricsMiddleware(rt.collector))
	}
	if rt.cfg.Features.EnableTracing {
		router.Use(observability.TracingMiddleware(rt.cfg.Tracing.ServiceName))
	}

	// Operational endpoints stay outside authentication.
	router.Get("/health", rt.health.Health)
	router.Get("/health/ready", rt.health.Ready)
	router.Get("/health/live", rt.health.Live)
	if rt.collector != nil && rt.cfg.Metrics.Enabled {
		router.Method(http.MethodGet, "/metrics", rt.collector.Handler())
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(rt.validator, rt.cfg.Security.EnableAuth, rt.logger))
		if rt.limiter != nil && rt.cfg.RateLimit.Enabled {
			r.Use(rt.limiter.Middleware)
		}
		// Logged after auth so every line carries the tenant; refusals are
		// already logged by the auth middleware itself.
		r.Use(middleware.RequestLogger(rt.logger))

		r.Route("/memory", func(r chi.Router) {
			r.Post("/store", rt.memories.Store)
			r.Post("/query", rt.memories.Query)
			r.Get("/get", rt.memories.Get)
			r.Get("/list", rt.memories.List)
			r.Delete("/delete", rt.memories.Delete)
			r.Post("/importance", rt.memories.SetImportance)
			r.Post("/reflection/hierarchical", rt.graphs.HierarchicalReflection)
		})

		r.Route("/graph", func(r chi.Router) {
			r.Post("/extract", rt.graphs.Extract)
			r.Post("/query", rt.graphs.Query)
			r.Get("/stats", rt.graphs.Stats)
			r.Get("/nodes", rt.graphs.Nodes)
			r.Get("/edges", rt.graphs.Edges)
			r.Get("/subgraph", rt.graphs.Subgraph)
			r.Post("/reflection/hierarchical", rt.graphs.HierarchicalReflection)
		})

		r.Route("/agent", func(r chi.Router) {
			r.Use(middleware.CircuitBreaker("agent", rt.cfg.Providers.CircuitBreaker, rt.logger))
			r.Post("/execute", rt.agents.Execute)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", rt.caches.Stats)
			r.Post("/rebuild", rt.caches.Rebuild)
			r.With(middleware.RequireRole(auth.RoleAdmin)).Post("/invalidate", rt.caches.Invalidate)
		})

		r.Route("/governance/tenant/{tenant_id}", func(r chi.Router) {
			r.Get("/", rt.governance.TenantUsage)
			r.Get("/budget", rt.governance.Budget)
			r.With(middleware.RequireRole(auth.RoleAdmin)).Put("/budget", rt.governance.SetBudget)
		})
	})

	return router
}

// maxBytes caps request body size so one oversized payload cannot exhaust
// memory.
func maxBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
