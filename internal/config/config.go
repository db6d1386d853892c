// Package config provides layered configuration loading with hot reload
// support. Values come from defaults, YAML files and environment variables,
// in that order of increasing priority.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Duration wraps time.Duration so YAML files can use "30s" style values.
type Duration time.Duration

// UnmarshalYAML parses either a Go duration string or a bare integer of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// PipelineVersion participates in the context-cache fingerprint so a
	// config change invalidates cached retrievals without a flush.
	PipelineVersion string `yaml:"pipeline_version"`

	Server     Server     `yaml:"server"`
	Database   Database   `yaml:"database"`
	Cache      Cache      `yaml:"cache"`
	Retrieval  Retrieval  `yaml:"retrieval"`
	Importance Importance `yaml:"importance"`
	Reflection Reflection `yaml:"reflection"`
	Extraction Extraction `yaml:"extraction"`
	Providers  Providers  `yaml:"providers"`
	Budget     Budget     `yaml:"budget"`
	Security   Security   `yaml:"security"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	CORS       CORS       `yaml:"cors"`
	Logging    Logging    `yaml:"logging"`
	Metrics    Metrics    `yaml:"metrics"`
	Tracing    Tracing    `yaml:"tracing"`
	Health     Health     `yaml:"health"`
	Sweepers   Sweepers   `yaml:"sweepers"`
	Features   Features   `yaml:"features"`

	// LoadedFrom tracks which sources contributed, for startup logging.
	LoadedFrom []string `yaml:"-"`
}

// Server holds HTTP server settings.
type Server struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	MaxRequestBytes int64    `yaml:"max_request_bytes"`
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Database holds relational store settings.
type Database struct {
	// Path is the SQLite database file, or ":memory:" for tests.
	Path            string   `yaml:"path"`
	BusyTimeout     Duration `yaml:"busy_timeout"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// Cache holds context-cache settings.
type Cache struct {
	// Provider selects the backing store: "memory" or "redis".
	Provider    string      `yaml:"provider"`
	Capacity    int         `yaml:"capacity"`
	TTL         Duration    `yaml:"ttl"`
	NegativeTTL Duration    `yaml:"negative_ttl"`
	Redis       RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the shared cache store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// Retrieval holds hybrid-search pipeline settings.
type Retrieval struct {
	DefaultK          int     `yaml:"default_k"`
	MaxK              int     `yaml:"max_k"`
	Oversample        float64 `yaml:"oversample"`
	FusedWeight       float64 `yaml:"fused_weight"`
	ImportanceWeight  float64 `yaml:"importance_weight"`
	RecencyWeight     float64 `yaml:"recency_weight"`
	DefaultGraphDepth int     `yaml:"default_graph_depth"`
	MaxGraphDepth     int     `yaml:"max_graph_depth"`
	RerankMultiplier  int     `yaml:"rerank_multiplier"`
	EnableRerank      bool    `yaml:"enable_rerank"`
}

// Importance holds scoring weights and the decay schedule.
type Importance struct {
	RecencyWeight       float64 `yaml:"recency_weight"`
	FrequencyWeight     float64 `yaml:"frequency_weight"`
	CentralityWeight    float64 `yaml:"centrality_weight"`
	RelevanceWeight     float64 `yaml:"relevance_weight"`
	OverrideWeight      float64 `yaml:"override_weight"`
	ConsolidationWeight float64 `yaml:"consolidation_weight"`

	FrequencySaturation float64 `yaml:"frequency_saturation"`
	RecentQueryWindow   int     `yaml:"recent_query_window"`

	HalfLifeDays          float64 `yaml:"half_life_days"`
	StaleHalfLifeDays     float64 `yaml:"stale_half_life_days"`
	VeryStaleHalfLifeDays float64 `yaml:"very_stale_half_life_days"`

	// Daily decay multipliers by staleness tier. Fresh memories (accessed
	// within seven days) never decay.
	DecayRate          float64 `yaml:"decay_rate"`
	StaleDecayRate     float64 `yaml:"stale_decay_rate"`
	VeryStaleDecayRate float64 `yaml:"very_stale_decay_rate"`

	ArchiveThreshold float64 `yaml:"archive_threshold"`
	ArchiveAgeDays   float64 `yaml:"archive_age_days"`
	PurgeAfterDays   float64 `yaml:"purge_after_days"`
}

// Reflection holds reflection-pipeline settings.
type Reflection struct {
	MinEpisodes           int      `yaml:"min_episodes"`
	MaxMemories           int      `yaml:"max_memories"`
	MinClusterSize        int      `yaml:"min_cluster_size"`
	TimeBucket            Duration `yaml:"time_bucket"`
	MinReflectionsForMeta int      `yaml:"min_reflections_for_meta"`
	BucketSize            int      `yaml:"bucket_size"`
	ReflectiveImportance  float64  `yaml:"reflective_importance"`
	InjectionTokenBudget  int      `yaml:"injection_token_budget"`
}

// Extraction holds graph-extraction settings.
type Extraction struct {
	BatchSize     int     `yaml:"batch_size"`
	MinConfidence float64 `yaml:"min_confidence"`
	Concurrency   int     `yaml:"concurrency"`
}

// Providers holds external provider settings.
type Providers struct {
	LLM            LLMConfig            `yaml:"llm"`
	Embedding      EmbeddingConfig      `yaml:"embedding"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// LLMConfig selects and tunes the completion provider.
type LLMConfig struct {
	// Provider is "anthropic" or "mock".
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key"`
	MaxTokens   int64    `yaml:"max_tokens"`
	Temperature float64  `yaml:"temperature"`
	Timeout     Duration `yaml:"timeout"`
}

// EmbeddingConfig tunes the embedding provider.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Dim      int    `yaml:"dim"`
}

// CircuitBreakerConfig tunes the breaker wrapping provider calls.
type CircuitBreakerConfig struct {
	MaxRequests  uint32   `yaml:"max_requests"`
	Interval     Duration `yaml:"interval"`
	OpenDuration Duration `yaml:"open_duration"`
	FailureRatio float64  `yaml:"failure_ratio"`
	MinRequests  uint32   `yaml:"min_requests"`
}

// Budget holds default tenant budget settings.
type Budget struct {
	DefaultMonthlyUSD    float64 `yaml:"default_monthly_usd"`
	DefaultMonthlyTokens int64   `yaml:"default_monthly_tokens"`
}

// Security holds authentication settings.
type Security struct {
	JWTSecret  string   `yaml:"jwt_secret"`
	JWTIssuer  string   `yaml:"jwt_issuer"`
	JWTExpiry  Duration `yaml:"jwt_expiry"`
	EnableAuth bool     `yaml:"enable_auth"`
}

// RateLimit holds request throttling settings.
type RateLimit struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	CleanupInterval   Duration `yaml:"cleanup_interval"`
}

// CORS holds cross-origin settings.
type CORS struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// Logging holds logger settings.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics holds Prometheus settings.
type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Tracing holds OpenTelemetry settings.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Health holds dependency probe settings behind the readiness endpoint.
type Health struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
}

// Sweepers holds background task intervals.
type Sweepers struct {
	Enabled            bool     `yaml:"enabled"`
	ReflectionInterval Duration `yaml:"reflection_interval"`
	DecayInterval      Duration `yaml:"decay_interval"`
	CacheSweepInterval Duration `yaml:"cache_sweep_interval"`
	ArchiveInterval    Duration `yaml:"archive_interval"`
}

// Features contains feature flags for the application.
type Features struct {
	EnableCaching    bool `yaml:"enable_caching"`
	EnableMetrics    bool `yaml:"enable_metrics"`
	EnableTracing    bool `yaml:"enable_tracing"`
	EnableReflection bool `yaml:"enable_reflection"`
}

// Validate checks that required configuration is present and in range.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within (0, 65535], got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Cache.Provider != "memory" && c.Cache.Provider != "redis" {
		return fmt.Errorf("cache.provider must be memory or redis, got %q", c.Cache.Provider)
	}
	if c.Cache.Provider == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required when cache.provider is redis")
	}
	if c.Retrieval.MaxK <= 0 || c.Retrieval.DefaultK <= 0 || c.Retrieval.DefaultK > c.Retrieval.MaxK {
		return fmt.Errorf("retrieval k bounds invalid: default_k=%d max_k=%d", c.Retrieval.DefaultK, c.Retrieval.MaxK)
	}
	if c.Retrieval.Oversample < 1 {
		return fmt.Errorf("retrieval.oversample must be >= 1, got %f", c.Retrieval.Oversample)
	}
	if c.Retrieval.MaxGraphDepth > 5 {
		return fmt.Errorf("retrieval.max_graph_depth cannot exceed 5, got %d", c.Retrieval.MaxGraphDepth)
	}
	sum := c.Retrieval.FusedWeight + c.Retrieval.ImportanceWeight + c.Retrieval.RecencyWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("retrieval score weights must sum to 1, got %f", sum)
	}
	if c.Providers.Embedding.Dim <= 0 {
		return fmt.Errorf("providers.embedding.dim must be positive, got %d", c.Providers.Embedding.Dim)
	}
	if c.Providers.LLM.Provider == "anthropic" && c.Providers.LLM.APIKey == "" {
		return fmt.Errorf("providers.llm.api_key is required for the anthropic provider")
	}
	if c.Environment == Production {
		if c.Security.EnableAuth && c.Security.JWTSecret == "" {
			return fmt.Errorf("security.jwt_secret is required in production when auth is enabled")
		}
		if c.Database.Path == ":memory:" {
			return fmt.Errorf("database.path cannot be in-memory in production")
		}
	}
	return nil
}

// IsDevelopment checks if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction checks if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// applyEnvironmentDefaults tightens or loosens settings per environment.
func (c *Config) applyEnvironmentDefaults() {
	switch c.Environment {
	case Production:
		if c.Logging.Level == "" {
			c.Logging.Level = "info"
		}
		c.Logging.Format = "json"
	case Development:
		if c.Logging.Level == "" {
			c.Logging.Level = "debug"
		}
		if c.Security.JWTSecret == "" {
			c.Security.JWTSecret = generateDefaultSecret()
		}
	}
}

// getEnvironment resolves the deployment environment from ENVIRONMENT.
func getEnvironment() Environment {
	switch strings.ToLower(os.Getenv("ENVIRONMENT")) {
	case "production", "prod":
		return Production
	case "staging":
		return Staging
	default:
		return Development
	}
}

// generateDefaultSecret produces a random development-only JWT secret.
func generateDefaultSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "dev-only-insecure-secret"
	}
	return hex.EncodeToString(buf)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
