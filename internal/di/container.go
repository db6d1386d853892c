// Package di assembles the application object graph: storage, providers,
// services, HTTP transport and background runners, in that order. Provider
// functions stay small and side-effect free; the container owns lifecycle
// and teardown.
package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/cache"
	"rae-backend/internal/config"
	"rae-backend/internal/interfaces/http/handlers"
	"rae-backend/internal/interfaces/http/rest"
	"rae-backend/internal/lifecycle"
	"rae-backend/internal/middleware"
	"rae-backend/internal/observability"
	"rae-backend/internal/repository"
	"rae-backend/internal/repository/sqlite"
	"rae-backend/internal/service/cost"
	"rae-backend/internal/service/governance"
	"rae-backend/internal/service/graph"
	"rae-backend/internal/service/importance"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/service/memory"
	"rae-backend/internal/service/orchestrator"
	"rae-backend/internal/service/reflection"
	"rae-backend/internal/service/retrieval"
	"rae-backend/internal/vector"
	"rae-backend/internal/worker"
	"rae-backend/pkg/auth"
)

const defaultProbeInterval = 15 * time.Second

// Container holds every constructed component. Fields are exported so the
// entrypoint can serve Handler and tests can reach the services underneath
// the HTTP surface.
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	Store        *sqlite.Store
	MemoryRepo   repository.MemoryRepository
	GraphRepo    repository.GraphRepository
	CostRepo     repository.CostRepository
	QueryLogRepo repository.QueryLogRepository
	Index        *vector.SQLiteIndex

	Embedder     llm.EmbeddingProvider
	LLM          llm.Provider
	ContextCache cache.ContextCache

	Memory       *memory.Service
	Retrieval    *retrieval.Service
	Graph        *graph.Service
	Importance   *importance.Service
	Reflection   *reflection.Service
	Cost         *cost.Service
	Governance   *governance.Service
	Orchestrator *orchestrator.Service

	Collector *observability.Collector
	Tracer    *observability.TracerProvider
	Validator *auth.JWTValidator
	Limiter   *middleware.RateLimiter

	Health    *handlers.HealthHandler
	Handler   http.Handler
	Lifecycle *lifecycle.Manager

	closers []func(context.Context) error
}

// NewContainer builds the full graph from configuration. A failure part-way
// through releases everything already constructed.
func NewContainer(ctx context.Context, cfg *config.Config, version string) (*Container, error) {
	logger, err := provideLogger(cfg)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: logger}
	if err := c.build(ctx, version); err != nil {
		c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context, version string) error {
	cfg := c.Config

	store, err := provideStore(cfg)
	if err != nil {
		return err
	}
	c.Store = store
	c.onClose(func(context.Context) error { return store.Close() })

	c.MemoryRepo = sqlite.NewMemoryRepository(store)
	c.GraphRepo = sqlite.NewGraphRepository(store)
	c.CostRepo = sqlite.NewCostRepository(store)
	c.QueryLogRepo = sqlite.NewQueryLogRepository(store)

	index, err := provideVectorIndex(store)
	if err != nil {
		return err
	}
	c.Index = index

	c.Embedder = provideEmbedder(cfg)
	c.LLM = provideLLM(cfg, c.Logger)

	contextCache, err := provideContextCache(cfg, c.Logger)
	if err != nil {
		return err
	}
	c.ContextCache = contextCache
	c.onClose(func(context.Context) error { return contextCache.Close() })

	// The caching flag detaches the pipeline from the cache; the cache
	// endpoints keep serving either way.
	pipelineCache := contextCache
	if !cfg.Features.EnableCaching {
		pipelineCache = nil
	}

	c.Memory = memory.NewService(c.MemoryRepo, index, c.Embedder, c.Logger)
	c.Importance = importance.NewService(c.MemoryRepo, c.GraphRepo, c.QueryLogRepo, c.Embedder, cfg.Importance, c.Logger)
	c.Graph = graph.NewService(c.MemoryRepo, c.GraphRepo, store, index, c.Embedder, c.LLM, pipelineCache, cfg.Extraction, c.Logger)

	c.Retrieval = retrieval.NewService(
		c.MemoryRepo,
		c.GraphRepo,
		c.QueryLogRepo,
		index,
		c.Embedder,
		retrieval.NewAnalyzer(c.LLM, c.Logger),
		c.Graph,
		retrieval.NewLexicalReranker(),
		pipelineCache,
		retrieval.PipelineOptions{
			Retrieval:        cfg.Retrieval,
			Importance:       cfg.Importance,
			CacheTTL:         cfg.Cache.TTL.Std(),
			NegativeCacheTTL: cfg.Cache.NegativeTTL.Std(),
			PipelineVersion:  cfg.PipelineVersion,
		},
		c.Logger,
	)

	c.Reflection = reflection.NewService(
		c.MemoryRepo,
		store,
		index,
		c.Embedder,
		c.LLM,
		provideClusterer(cfg, c.Embedder),
		pipelineCache,
		cfg.Reflection,
		c.Logger,
	)

	c.Cost = cost.NewService(c.CostRepo, cfg.Budget, c.Logger)
	c.Governance = governance.NewService(c.CostRepo, c.Cost, c.Logger)
	c.Orchestrator = orchestrator.NewService(c.Retrieval, c.Memory, c.LLM, c.Cost, cfg.Providers.LLM, cfg.Reflection, c.Logger)

	c.Collector = provideCollector(cfg)

	if cfg.Tracing.Enabled {
		tracer, err := observability.InitTracing(ctx, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		c.Tracer = tracer
		c.onClose(tracer.Shutdown)
	}

	validator, err := provideValidator(cfg)
	if err != nil {
		return err
	}
	c.Validator = validator
	c.Limiter = provideRateLimiter(cfg, c.Logger)

	c.Health = handlers.NewHealthHandler(version, cfg.Health, c.Logger,
		handlers.Dependency{Name: "database", Probe: store.Ping},
		handlers.Dependency{Name: "vector_index", Probe: index.Ping},
	)
	// The first probe runs inline so readiness is meaningful from the
	// first request, not one interval later.
	c.Health.ProbeAll(ctx)

	memoryHandler := handlers.NewMemoryHandler(c.Memory, c.Retrieval, c.Collector, cfg.Retrieval, c.Logger)
	graphHandler := handlers.NewGraphHandler(c.Graph, c.Reflection, c.Collector, c.Logger)
	agentHandler := handlers.NewAgentHandler(c.Orchestrator, c.Collector, c.Logger)
	cacheHandler := handlers.NewCacheHandler(contextCache, c.Retrieval, c.QueryLogRepo, cfg.Retrieval, c.Logger)
	governanceHandler := handlers.NewGovernanceHandler(c.Governance, c.Logger)

	c.Handler = rest.NewRouter(
		cfg,
		memoryHandler,
		graphHandler,
		agentHandler,
		cacheHandler,
		governanceHandler,
		c.Health,
		c.Collector,
		c.Validator,
		c.Limiter,
		c.Logger,
	).Setup()

	return c.buildLifecycle()
}

// buildLifecycle registers the health prober and, when enabled, the
// background sweepers. Runners with an unset interval are skipped so a
// zeroed config section cannot arm a zero-period ticker.
func (c *Container) buildLifecycle() error {
	cfg := c.Config
	c.Lifecycle = lifecycle.NewManager(c.Logger)

	probeInterval := cfg.Health.ProbeInterval.Std()
	if probeInterval <= 0 {
		probeInterval = defaultProbeInterval
	}
	prober := lifecycle.NewIntervalRunner("health-prober", probeInterval, c.Health.ProbeAll, c.Logger)
	if err := c.Lifecycle.Register(prober); err != nil {
		return err
	}

	if !cfg.Sweepers.Enabled {
		return nil
	}

	if ival := cfg.Sweepers.DecayInterval.Std(); ival > 0 {
		sweeper := worker.NewDecaySweeper(c.Importance, ival, c.Collector, c.Logger)
		if err := c.Lifecycle.Register(sweeper); err != nil {
			return err
		}
	}
	if ival := cfg.Sweepers.ArchiveInterval.Std(); ival > 0 {
		deleter := worker.NewArchiveDeleter(c.MemoryRepo, c.Index, cfg.Importance.PurgeAfterDays, ival, c.Collector, c.Logger)
		if err := c.Lifecycle.Register(deleter); err != nil {
			return err
		}
	}
	if ival := cfg.Sweepers.CacheSweepInterval.Std(); ival > 0 && cfg.Features.EnableCaching {
		sweeper := worker.NewCacheSweeper(c.ContextCache, ival, c.Collector, c.Logger)
		if err := c.Lifecycle.Register(sweeper); err != nil {
			return err
		}
	}
	if ival := cfg.Sweepers.ReflectionInterval.Std(); ival > 0 && cfg.Features.EnableReflection {
		sweeper := worker.NewReflectionSweeper(c.MemoryRepo, c.Reflection, ival, c.Collector, c.Logger)
		if err := c.Lifecycle.Register(sweeper); err != nil {
			return err
		}
	}
	return nil
}

// Start brings up the registered background components.
func (c *Container) Start(ctx context.Context) error {
	return c.Lifecycle.Start(ctx)
}

// Stop shuts down background components, then releases storage, cache and
// tracing in reverse construction order.
func (c *Container) Stop(ctx context.Context) error {
	var errs []error
	if c.Lifecycle != nil {
		if err := c.Lifecycle.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases held resources without touching the lifecycle manager. It
// is safe to call on a partially built container.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}
