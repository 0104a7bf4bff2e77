// Package config loads spons-match configuration from config.yaml and
// SPONS_* environment variables.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" mapstructure:"retrieval"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// AnthropicConfig holds reasoning-model settings.
type AnthropicConfig struct {
	Key                 string  `yaml:"key" mapstructure:"key"`
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	Model               string  `yaml:"model" mapstructure:"model"`
	DecisionModel       string  `yaml:"decision_model" mapstructure:"decision_model"`
	MaxTokens           int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	NoBatch             bool    `yaml:"no_batch" mapstructure:"no_batch"`
	SmallBatchThreshold int     `yaml:"small_batch_threshold" mapstructure:"small_batch_threshold"`
	RequestsPerSecond   float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst               int     `yaml:"burst" mapstructure:"burst"`
}

// EmbeddingConfig selects and configures the embedding provider. The same
// model must embed the catalogue and observations.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"` // "jina" or "ollama"
	Model       string `yaml:"model" mapstructure:"model"`
	Dimensions  int    `yaml:"dimensions" mapstructure:"dimensions"`
	JinaKey     string `yaml:"jina_key" mapstructure:"jina_key"`
	JinaBaseURL string `yaml:"jina_base_url" mapstructure:"jina_base_url"`
	OllamaURL   string `yaml:"ollama_url" mapstructure:"ollama_url"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// PipelineConfig configures the decision policy and scheduling.
type PipelineConfig struct {
	AutoAcceptThreshold       float64 `yaml:"auto_accept_threshold" mapstructure:"auto_accept_threshold"`
	SpotCheckThreshold        float64 `yaml:"spot_check_threshold" mapstructure:"spot_check_threshold"`
	VerifyPassScore           int     `yaml:"verify_pass_score" mapstructure:"verify_pass_score"`
	MaxAttempts               int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxConcurrentObservations int     `yaml:"max_concurrent_observations" mapstructure:"max_concurrent_observations"`
	Decider                   string  `yaml:"decider" mapstructure:"decider"`   // "llm" or "heuristic"
	Verifier                  string  `yaml:"verifier" mapstructure:"verifier"` // "llm" or "heuristic"
	AmbiguityMargin           float64 `yaml:"ambiguity_margin" mapstructure:"ambiguity_margin"`
}

// RetrievalConfig bounds candidate retrieval.
type RetrievalConfig struct {
	MaxCandidates       int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// RetryConfig configures transport retries for external calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the review API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures the background health checker that runs
// alongside the review API.
type MonitoringConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	ReviewRateThreshold float64 `yaml:"review_rate_threshold" mapstructure:"review_rate_threshold"`
	UnmatchedThreshold  float64 `yaml:"unmatched_rate_threshold" mapstructure:"unmatched_rate_threshold"`
	MinSample           int     `yaml:"min_sample" mapstructure:"min_sample"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Embedding EmbeddingPricing        `yaml:"embedding" mapstructure:"embedding"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// EmbeddingPricing holds embedding pricing.
type EmbeddingPricing struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SPONS")
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
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "spons.db")
	v.SetDefault("store.max_conns", 10)

	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.decision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.small_batch_threshold", 8)
	v.SetDefault("anthropic.requests_per_second", 5.0)
	v.SetDefault("anthropic.burst", 5)

	v.SetDefault("embedding.provider", "jina")
	v.SetDefault("embedding.model", "jina-embeddings-v3")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.jina_key", "")
	v.SetDefault("embedding.jina_base_url", "https://api.jina.ai")
	v.SetDefault("embedding.ollama_url", "http://localhost:11434")
	v.SetDefault("embedding.batch_size", 64)

	v.SetDefault("pipeline.auto_accept_threshold", 0.85)
	v.SetDefault("pipeline.spot_check_threshold", 0.65)
	v.SetDefault("pipeline.verify_pass_score", 75)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.max_concurrent_observations", 4)
	v.SetDefault("pipeline.decider", "llm")
	v.SetDefault("pipeline.verifier", "llm")
	v.SetDefault("pipeline.ambiguity_margin", 0.02)

	v.SetDefault("retrieval.max_candidates", 10)
	v.SetDefault("retrieval.similarity_threshold", 0.65)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.review_rate_threshold", 0.30)
	v.SetDefault("monitoring.unmatched_rate_threshold", 0.20)
	v.SetDefault("monitoring.min_sample", 20)

	v.SetDefault("pricing.anthropic", map[string]any{
		"claude-haiku-4-5-20251001": map[string]any{
			"input": 1.0, "output": 5.0, "batch_discount": 0.5, "cache_write_mul": 1.25, "cache_read_mul": 0.1,
		},
		"claude-sonnet-4-5-20250929": map[string]any{
			"input": 3.0, "output": 15.0, "batch_discount": 0.5, "cache_write_mul": 1.25, "cache_read_mul": 0.1,
		},
	})
	v.SetDefault("pricing.embedding.per_mtok", 0.02)
}

// Command modes accepted by Validate.
const (
	ModeProcess   = "process"
	ModeServe     = "serve"
	ModeCatalogue = "catalogue"
	ModeEmbed     = "embed"
	ModeMigrate   = "migrate"
)

// Validate checks that the keys a command needs are present and that the
// decision thresholds are coherent.
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			missing = append(missing, "store.sqlite_path")
		}
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	needsEmbedding := mode == ModeProcess || mode == ModeServe || mode == ModeEmbed
	needsReasoning := mode == ModeProcess || mode == ModeServe

	if needsEmbedding {
		switch c.Embedding.Provider {
		case "jina":
			if c.Embedding.JinaKey == "" {
				missing = append(missing, "embedding.jina_key")
			}
		case "ollama":
			if c.Embedding.OllamaURL == "" {
				missing = append(missing, "embedding.ollama_url")
			}
		default:
			return eris.Errorf("config: unknown embedding.provider %q", c.Embedding.Provider)
		}
	}
	if needsReasoning && c.Anthropic.Key == "" {
		missing = append(missing, "anthropic.key")
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s requires %s", mode, strings.Join(missing, ", "))
	}

	p := c.Pipeline
	if !(0 <= p.SpotCheckThreshold && p.SpotCheckThreshold <= p.AutoAcceptThreshold && p.AutoAcceptThreshold <= 1) {
		return eris.Errorf("config: thresholds must satisfy 0 <= spot_check (%.2f) <= auto_accept (%.2f) <= 1",
			p.SpotCheckThreshold, p.AutoAcceptThreshold)
	}
	if p.VerifyPassScore < 0 || p.VerifyPassScore > 100 {
		return eris.Errorf("config: pipeline.verify_pass_score %d outside 0-100", p.VerifyPassScore)
	}
	r := c.Retrieval
	if r.MaxCandidates <= 0 {
		return eris.New("config: retrieval.max_candidates must be positive")
	}
	if r.SimilarityThreshold < 0 || r.SimilarityThreshold > 1 {
		return eris.Errorf("config: retrieval.similarity_threshold %.2f outside 0-1", r.SimilarityThreshold)
	}
	return nil
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
