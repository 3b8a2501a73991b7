package config

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Inference  InferenceConfig  `yaml:"inference" mapstructure:"inference"`
	Indexing   IndexingConfig   `yaml:"indexing" mapstructure:"indexing"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" mapstructure:"retrieval"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Context    ContextConfig    `yaml:"context" mapstructure:"context"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the durable storage backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Bucket      string `yaml:"bucket" mapstructure:"bucket"`
	Prefix      string `yaml:"prefix" mapstructure:"prefix"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// InferenceConfig selects and tunes the inference backend.
type InferenceConfig struct {
	Provider            string       `yaml:"provider" mapstructure:"provider"`
	Model               string       `yaml:"model" mapstructure:"model"`
	APIKey              string       `yaml:"api_key" mapstructure:"api_key"`
	BaseURL             string       `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens           int          `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature         float64      `yaml:"temperature" mapstructure:"temperature"`
	TimeoutSecs         int          `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit           float64      `yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxInFlight         int          `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	NoBatch             bool         `yaml:"no_batch" mapstructure:"no_batch"`
	SmallBatchThreshold int          `yaml:"small_batch_threshold" mapstructure:"small_batch_threshold"`
	CacheTTL            string       `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	MaxContinuations    int          `yaml:"max_continuations" mapstructure:"max_continuations"`
	Vertex              VertexConfig `yaml:"vertex" mapstructure:"vertex"`
}

// Timeout returns the per-call timeout.
func (c InferenceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// VertexConfig holds Vertex AI project settings.
type VertexConfig struct {
	Project string `yaml:"project" mapstructure:"project"`
	Region  string `yaml:"region" mapstructure:"region"`
}

// IndexingConfig tunes the index builder cascade.
type IndexingConfig struct {
	TOCCheckPages         int     `yaml:"toc_check_pages" mapstructure:"toc_check_pages"`
	MaxTokensPerGroup     int     `yaml:"max_tokens_per_group" mapstructure:"max_tokens_per_group"`
	GroupOverlapPages     int     `yaml:"group_overlap_pages" mapstructure:"group_overlap_pages"`
	VerifyThreshold       float64 `yaml:"verify_threshold" mapstructure:"verify_threshold"`
	FixAttempts           int     `yaml:"fix_attempts" mapstructure:"fix_attempts"`
	MaxPagesPerNode       int     `yaml:"max_pages_per_node" mapstructure:"max_pages_per_node"`
	MaxTokensPerNode      int     `yaml:"max_tokens_per_node" mapstructure:"max_tokens_per_node"`
	MaxSplitDepth         int     `yaml:"max_split_depth" mapstructure:"max_split_depth"`
	Summaries             bool    `yaml:"summaries" mapstructure:"summaries"`
	SummaryTokenThreshold int     `yaml:"summary_token_threshold" mapstructure:"summary_token_threshold"`
	DocDescription        bool    `yaml:"doc_description" mapstructure:"doc_description"`
	VerifyWithLLM         bool    `yaml:"verify_with_llm" mapstructure:"verify_with_llm"`
	EnrichConcurrency     int     `yaml:"enrich_concurrency" mapstructure:"enrich_concurrency"`
}

// RetrievalConfig tunes category-batched retrieval.
type RetrievalConfig struct {
	TopK        int `yaml:"top_k" mapstructure:"top_k"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ExtractionConfig tunes tiered extraction.
type ExtractionConfig struct {
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ContextConfig tunes ordering, compression and prompt layering.
type ContextConfig struct {
	SortStrategy   string  `yaml:"sort_strategy" mapstructure:"sort_strategy"`
	Compressor     string  `yaml:"compressor" mapstructure:"compressor"`
	TargetRatio    float64 `yaml:"target_ratio" mapstructure:"target_ratio"`
	MinTokens      int     `yaml:"min_tokens" mapstructure:"min_tokens"`
	MaxBreakpoints int     `yaml:"max_breakpoints" mapstructure:"max_breakpoints"`
	Tokenizer      string  `yaml:"tokenizer" mapstructure:"tokenizer"`
}

// CacheConfig tunes the extraction result cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	MaxEntries int  `yaml:"max_entries" mapstructure:"max_entries"`
	TTLSecs    int  `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	Durable    bool `yaml:"durable" mapstructure:"durable"`
}

// ResilienceConfig configures the circuit breaker and retry policy.
type ResilienceConfig struct {
	FailureThreshold    int             `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeoutSecs int             `yaml:"recovery_timeout_secs" mapstructure:"recovery_timeout_secs"`
	HalfOpenProbes      int             `yaml:"half_open_probes" mapstructure:"half_open_probes"`
	MaxRetries          int             `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMS    int             `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs      int             `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	BreakerStore        string          `yaml:"breaker_store" mapstructure:"breaker_store"`
	Firestore           FirestoreConfig `yaml:"firestore" mapstructure:"firestore"`
}

// FirestoreConfig locates the shared breaker state collection.
type FirestoreConfig struct {
	Project    string `yaml:"project" mapstructure:"project"`
	Collection string `yaml:"collection" mapstructure:"collection"`
}

// PipelineConfig configures run-level behavior.
type PipelineConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// PricingConfig holds per-model pricing rates.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port         int      `yaml:"port" mapstructure:"port"`
	CORSOrigins  []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxBodyBytes int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// MonitoringConfig configures the background alert checker run by serve.
type MonitoringConfig struct {
	Enabled               bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DegradedRateThreshold float64 `yaml:"degraded_rate_threshold" mapstructure:"degraded_rate_threshold"`
	CostThresholdUSD      float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	DeadLetterThreshold   int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PAGEINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "./data")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("inference.provider", "anthropic")
	v.SetDefault("inference.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("inference.max_tokens", 4096)
	v.SetDefault("inference.temperature", 0.0)
	v.SetDefault("inference.timeout_secs", 120)
	v.SetDefault("inference.rate_limit", 0.0)
	v.SetDefault("inference.max_in_flight", 5)
	v.SetDefault("inference.small_batch_threshold", 3)
	v.SetDefault("inference.cache_ttl", "5m")
	v.SetDefault("inference.max_continuations", 3)
	v.SetDefault("inference.vertex.region", "us-central1")

	v.SetDefault("indexing.toc_check_pages", 20)
	v.SetDefault("indexing.max_tokens_per_group", 20000)
	v.SetDefault("indexing.group_overlap_pages", 1)
	v.SetDefault("indexing.verify_threshold", 0.6)
	v.SetDefault("indexing.fix_attempts", 3)
	v.SetDefault("indexing.max_pages_per_node", 10)
	v.SetDefault("indexing.max_tokens_per_node", 20000)
	v.SetDefault("indexing.max_split_depth", 3)
	v.SetDefault("indexing.summaries", true)
	v.SetDefault("indexing.summary_token_threshold", 200)
	v.SetDefault("indexing.enrich_concurrency", 5)

	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.concurrency", 5)

	v.SetDefault("extraction.batch_size", 20)
	v.SetDefault("extraction.concurrency", 5)

	v.SetDefault("context.sort_strategy", "page_number")
	v.SetDefault("context.compressor", "none")
	v.SetDefault("context.target_ratio", 0.5)
	v.SetDefault("context.min_tokens", 500)
	v.SetDefault("context.max_breakpoints", 4)
	v.SetDefault("context.tokenizer", "estimate")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.ttl_secs", 86400)

	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.recovery_timeout_secs", 30)
	v.SetDefault("resilience.half_open_probes", 1)
	v.SetDefault("resilience.max_retries", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_secs", 30)
	v.SetDefault("resilience.breaker_store", "memory")
	v.SetDefault("resilience.firestore.collection", "circuit_breakers")

	v.SetDefault("pipeline.concurrency", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 64<<20)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.degraded_rate_threshold", 0.25)
	v.SetDefault("monitoring.dead_letter_threshold", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Validate checks the settings a command mode depends on. Modes: index, extract, serve.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	switch mode {
	case "index", "extract":
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Inference.Provider {
	case "anthropic":
		if c.Inference.APIKey == "" {
			add("inference.api_key is required for anthropic")
		}
	case "openai":
		if c.Inference.APIKey == "" && c.Inference.BaseURL == "" {
			add("inference.api_key or inference.base_url is required for openai")
		}
	case "vertex":
		if c.Inference.Vertex.Project == "" {
			add("inference.vertex.project is required for vertex")
		}
	default:
		add("inference.provider must be one of anthropic, openai, vertex")
	}

	switch c.Store.Driver {
	case "memory", "file", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for postgres")
		}
	case "gcs":
		if c.Store.Bucket == "" {
			add("store.bucket is required for gcs")
		}
	default:
		add("store.driver must be one of memory, file, sqlite, postgres, gcs")
	}

	if c.Resilience.BreakerStore == "firestore" && c.Resilience.Firestore.Project == "" {
		add("resilience.firestore.project is required for the firestore breaker store")
	}
	if c.Resilience.BreakerStore == "postgres" && c.Store.Driver != "postgres" {
		add("resilience.breaker_store postgres requires store.driver postgres")
	}

	if c.Indexing.VerifyThreshold < 0 || c.Indexing.VerifyThreshold > 1 {
		add("indexing.verify_threshold must be between 0 and 1")
	}
	if c.Context.TargetRatio <= 0 || c.Context.TargetRatio > 1 {
		add("context.target_ratio must be in (0, 1]")
	}
	if c.Inference.MaxInFlight < 0 {
		add("inference.max_in_flight must be >= 0")
	}
	if c.Resilience.FailureThreshold < 1 {
		add("resilience.failure_threshold must be >= 1")
	}
	for name, n := range map[string]int{
		"pipeline.concurrency":   c.Pipeline.Concurrency,
		"retrieval.concurrency":  c.Retrieval.Concurrency,
		"extraction.concurrency": c.Extraction.Concurrency,
	} {
		if n < 1 || n > 50 {
			add(name + " must be between 1 and 50")
		}
	}
	if c.Extraction.BatchSize < 1 {
		add("extraction.batch_size must be >= 1")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
