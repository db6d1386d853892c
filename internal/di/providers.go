package di

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rae-backend/internal/cache"
	"rae-backend/internal/config"
	"rae-backend/internal/middleware"
	"rae-backend/internal/observability"
	"rae-backend/internal/repository/sqlite"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/service/reflection"
	"rae-backend/internal/vector"
	"rae-backend/pkg/auth"
)

// provideLogger builds the process logger from the logging section. The
// console format uses zap's development encoder; everything else emits JSON.
func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Logging.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("parse logging.level: %w", err)
		}
		level = parsed
	}

	var zcfg zap.Config
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// provideStore opens the relational store and applies the schema.
func provideStore(cfg *config.Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.Database.Path, err)
	}
	return store, nil
}

// provideVectorIndex builds the vector index on the store's database handle
// so vector writes join relational transactions.
func provideVectorIndex(store *sqlite.Store) (*vector.SQLiteIndex, error) {
	index, err := vector.NewSQLiteIndex(store.DB())
	if err != nil {
		return nil, fmt.Errorf("init vector index: %w", err)
	}
	return index, nil
}

// provideEmbedder builds the embedding provider. The local hash embedder is
// the only deployed implementation; its dimension comes from configuration
// and is fixed for the lifetime of the index.
func provideEmbedder(cfg *config.Config) llm.EmbeddingProvider {
	return llm.NewHashEmbedder(cfg.Providers.Embedding.Dim)
}

// provideLLM selects the completion provider. The anthropic provider is
// wrapped in a circuit breaker; the mock stays bare so tests reach it with a
// type assertion and drive its scripted responses directly.
func provideLLM(cfg *config.Config, logger *zap.Logger) llm.Provider {
	if cfg.Providers.LLM.Provider == "anthropic" {
		base := llm.NewAnthropicProvider(llm.AnthropicOptions{
			APIKey:      cfg.Providers.LLM.APIKey,
			Model:       cfg.Providers.LLM.Model,
			MaxTokens:   cfg.Providers.LLM.MaxTokens,
			Temperature: cfg.Providers.LLM.Temperature,
			Timeout:     cfg.Providers.LLM.Timeout.Std(),
		}, logger)
		return llm.NewBreakerProvider(base, llm.BreakerSettings{
			MaxRequests:  cfg.Providers.CircuitBreaker.MaxRequests,
			Interval:     cfg.Providers.CircuitBreaker.Interval.Std(),
			OpenDuration: cfg.Providers.CircuitBreaker.OpenDuration.Std(),
			FailureRatio: cfg.Providers.CircuitBreaker.FailureRatio,
			MinRequests:  cfg.Providers.CircuitBreaker.MinRequests,
		}, logger)
	}
	return llm.NewMockProvider()
}

// provideContextCache builds the context cache named by cache.provider. The
// cache is always constructed even when pipeline caching is off, so the
// cache endpoints keep answering; the feature flag only decides whether the
// retrieval pipeline writes to it.
func provideContextCache(cfg *config.Config, logger *zap.Logger) (cache.ContextCache, error) {
	if cfg.Cache.Provider == "redis" {
		client := cache.NewRedisClient(
			cfg.Cache.Redis.Addr,
			cfg.Cache.Redis.Password,
			cfg.Cache.Redis.DB,
			cfg.Cache.Redis.PoolSize,
		)
		return cache.NewRedisCache(client, cfg.Cache.TTL.Std(), logger), nil
	}
	mc, err := cache.NewMemoryCache(cfg.Cache.Capacity, cfg.Cache.TTL.Std(), logger)
	if err != nil {
		return nil, fmt.Errorf("init memory cache: %w", err)
	}
	return mc, nil
}

// provideClusterer picks the reflection clusterer. Embedding similarity is
// the default; the time-bucket clusterer serves deployments that set a
// bucket window and want deterministic grouping without embeddings.
func provideClusterer(cfg *config.Config, embedder llm.EmbeddingProvider) reflection.Clusterer {
	if cfg.Reflection.TimeBucket.Std() > 0 {
		return reflection.NewTimeBucketClusterer(cfg.Reflection.TimeBucket.Std())
	}
	return reflection.NewEmbeddingClusterer(embedder, 0)
}

// provideCollector builds the metrics collector. It is constructed
// unconditionally; metrics.enabled only controls whether /metrics is served.
func provideCollector(cfg *config.Config) *observability.Collector {
	namespace := cfg.Metrics.Namespace
	if namespace == "" {
		namespace = "rae"
	}
	return observability.NewCollector(namespace)
}

// provideValidator builds the JWT validator when auth is enabled. HS256 with
// the shared secret is the only deployed signing method.
func provideValidator(cfg *config.Config) (*auth.JWTValidator, error) {
	if !cfg.Security.EnableAuth {
		return nil, nil
	}
	validator, err := auth.NewJWTValidator(auth.JWTConfig{
		SigningMethod: "HS256",
		SecretKey:     cfg.Security.JWTSecret,
		Issuer:        cfg.Security.JWTIssuer,
	})
	if err != nil {
		return nil, fmt.Errorf("init jwt validator: %w", err)
	}
	return validator, nil
}

// provideRateLimiter builds the per-tenant limiter, or nil when disabled.
func provideRateLimiter(cfg *config.Config, logger *zap.Logger) *middleware.RateLimiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	return middleware.NewRateLimiter(cfg.RateLimit, logger)
}
