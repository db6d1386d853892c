package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION LOADER
// ============================================================================

// Loader loads configuration from a hierarchy of sources.
type Loader struct {
	// basePath is the root directory for configuration files
	basePath string

	// environment is the current deployment environment
	environment Environment

	// sources tracks where configuration was loaded from
	sources []string

	// fileLoaders maps file extensions to their loaders
	fileLoaders map[string]FileLoader
}

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extension() string
}

// NewLoader creates a configuration loader rooted at basePath.
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}

	loader := &Loader{
		basePath:    basePath,
		environment: env,
		sources:     make([]string, 0),
		fileLoaders: make(map[string]FileLoader),
	}

	loader.RegisterLoader(&YAMLLoader{})
	loader.RegisterLoader(&JSONLoader{})

	return loader
}

// RegisterLoader registers a file loader for a specific format.
func (l *Loader) RegisterLoader(loader FileLoader) {
	l.fileLoaders[loader.Extension()] = loader
}

// Load builds the configuration. The loading order, from lowest to highest
// priority:
//  1. Default values (in code)
//  2. Base configuration file (base.yaml)
//  3. Environment-specific file (e.g. production.yaml)
//  4. Local overrides (local.yaml, development only)
//  5. Environment variables
func (l *Loader) Load() (*Config, error) {
	cfg := l.defaultConfig()
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load local config: %v\n", err)
		}
	}

	l.loadEnvironmentVariables(cfg)
	l.sources = append(l.sources, "environment")

	cfg.LoadedFrom = l.sources
	cfg.applyEnvironmentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile loads configuration from a file with automatic format detection.
func (l *Loader) loadFile(name string, cfg *Config) error {
	for ext, loader := range l.fileLoaders {
		filename := fmt.Sprintf("%s.%s", name, ext)
		path := filepath.Join(l.basePath, filename)

		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		defer file.Close()

		if err := loader.Load(file, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		l.sources = append(l.sources, path)
		return nil
	}

	return os.ErrNotExist
}

// loadEnvironmentVariables overlays environment variables, the highest
// priority source.
func (l *Loader) loadEnvironmentVariables(cfg *Config) {
	if val := os.Getenv("SERVER_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if port := getEnvInt("SERVER_PORT", 0); port > 0 {
		cfg.Server.Port = port
	}

	if val := os.Getenv("DATABASE_PATH"); val != "" {
		cfg.Database.Path = val
	}

	if val := os.Getenv("CACHE_PROVIDER"); val != "" {
		cfg.Cache.Provider = val
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Cache.Redis.Addr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Cache.Redis.Password = val
	}

	if val := os.Getenv("LLM_PROVIDER"); val != "" {
		cfg.Providers.LLM.Provider = val
	}
	if val := os.Getenv("LLM_MODEL"); val != "" {
		cfg.Providers.LLM.Model = val
	}
	if val := os.Getenv("ANTHROPIC_API_KEY"); val != "" {
		cfg.Providers.LLM.APIKey = val
	}

	if val := os.Getenv("JWT_SECRET"); val != "" {
		cfg.Security.JWTSecret = val
	}
	if val := os.Getenv("ENABLE_AUTH"); val != "" {
		cfg.Security.EnableAuth = getEnvBool("ENABLE_AUTH", cfg.Security.EnableAuth)
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		cfg.Tracing.Endpoint = val
		cfg.Tracing.Enabled = true
	}

	if val := os.Getenv("PIPELINE_VERSION"); val != "" {
		cfg.PipelineVersion = val
	}
}

// defaultConfig returns a configuration with sensible defaults so the
// service can run without configuration files.
func (l *Loader) defaultConfig() *Config {
	return &Config{
		Environment:     l.environment,
		PipelineVersion: "v1",
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			RequestTimeout:  Duration(30 * time.Second),
			MaxRequestBytes: 10 * 1024 * 1024,
		},
		Database: Database{
			Path:            "data/rae.db",
			BusyTimeout:     Duration(5 * time.Second),
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: Duration(time.Hour),
		},
		Cache: Cache{
			Provider:    "memory",
			Capacity:    1024,
			TTL:         Duration(5 * time.Minute),
			NegativeTTL: Duration(60 * time.Second),
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Retrieval: Retrieval{
			DefaultK:          10,
			MaxK:              100,
			Oversample:        2.0,
			FusedWeight:       0.7,
			ImportanceWeight:  0.2,
			RecencyWeight:     0.1,
			DefaultGraphDepth: 2,
			MaxGraphDepth:     5,
			RerankMultiplier:  3,
			EnableRerank:      true,
		},
		Importance: Importance{
			RecencyWeight:         0.25,
			FrequencyWeight:       0.20,
			CentralityWeight:      0.25,
			RelevanceWeight:       0.15,
			OverrideWeight:        0.10,
			ConsolidationWeight:   0.05,
			FrequencySaturation:   10,
			RecentQueryWindow:     20,
			HalfLifeDays:          30,
			StaleHalfLifeDays:     7,
			VeryStaleHalfLifeDays: 3,
			DecayRate:             0.995,
			StaleDecayRate:        0.99,
			VeryStaleDecayRate:    0.98,
			ArchiveThreshold:      0.05,
			ArchiveAgeDays:        90,
			PurgeAfterDays:        30,
		},
		Reflection: Reflection{
			MinEpisodes:           20,
			MaxMemories:           100,
			MinClusterSize:        5,
			TimeBucket:            Duration(24 * time.Hour),
			MinReflectionsForMeta: 5,
			BucketSize:            10,
			ReflectiveImportance:  0.7,
			InjectionTokenBudget:  2000,
		},
		Extraction: Extraction{
			BatchSize:     8,
			MinConfidence: 0.5,
			Concurrency:   4,
		},
		Providers: Providers{
			LLM: LLMConfig{
				Provider:    "mock",
				Model:       "claude-sonnet-4-20250514",
				MaxTokens:   2048,
				Temperature: 0.2,
				Timeout:     Duration(60 * time.Second),
			},
			Embedding: EmbeddingConfig{
				Provider: "local",
				Dim:      256,
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:  3,
				Interval:     Duration(10 * time.Second),
				OpenDuration: Duration(30 * time.Second),
				FailureRatio: 0.6,
				MinRequests:  3,
			},
		},
		Budget: Budget{
			DefaultMonthlyUSD:    0,
			DefaultMonthlyTokens: 0,
		},
		Security: Security{
			JWTIssuer:  "rae-backend",
			JWTExpiry:  Duration(24 * time.Hour),
			EnableAuth: true,
		},
		RateLimit: RateLimit{
			Enabled:           true,
			RequestsPerMinute: 120,
			Burst:             20,
			CleanupInterval:   Duration(time.Minute),
		},
		CORS: CORS{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         86400,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "rae",
		},
		Tracing: Tracing{
			Enabled:     false,
			ServiceName: "rae-backend",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Health: Health{
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(3 * time.Second),
		},
		Sweepers: Sweepers{
			Enabled:            true,
			ReflectionInterval: Duration(10 * time.Minute),
			DecayInterval:      Duration(24 * time.Hour),
			CacheSweepInterval: Duration(time.Minute),
			ArchiveInterval:    Duration(24 * time.Hour),
		},
		Features: Features{
			EnableCaching:    true,
			EnableMetrics:    true,
			EnableTracing:    false,
			EnableReflection: true,
		},
	}
}

// ============================================================================
// FILE LOADERS
// ============================================================================

// YAMLLoader loads configuration from YAML files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	decoder := yaml.NewDecoder(reader)
	return decoder.Decode(target)
}

func (y *YAMLLoader) Extension() string {
	return "yaml"
}

// JSONLoader loads configuration from JSON files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	decoder := json.NewDecoder(reader)
	return decoder.Decode(target)
}

func (j *JSONLoader) Extension() string {
	return "json"
}

// Load loads configuration for the environment named in ENVIRONMENT.
func Load() (*Config, error) {
	env := getEnvironment()
	basePath := getEnv("CONFIG_DIR", "config")
	loader := NewLoader(basePath, env)
	return loader.Load()
}

// MustLoad loads configuration and panics on error. Use only in main().
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
