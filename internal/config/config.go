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
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// MonitoringConfig configures health checks and alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleFactor         float64 `yaml:"stale_factor" mapstructure:"stale_factor"`
	DeadLetterThreshold int64   `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
}

// StoreConfig configures the Postgres backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the ingestion work queue.
type QueueConfig struct {
	LeaseSecs       int `yaml:"lease_secs" mapstructure:"lease_secs"`
	MaxAttempts     int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseSecs int `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffMaxSecs  int `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
	BatchSize       int `yaml:"batch_size" mapstructure:"batch_size"`
}

// SchedulerConfig configures connector scheduling.
type SchedulerConfig struct {
	MaxConcurrent       int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxPerFamily        int     `yaml:"max_per_family" mapstructure:"max_per_family"`
	FailureBackoffCap   int     `yaml:"failure_backoff_cap" mapstructure:"failure_backoff_cap"`
	MaxFetchFailures    int     `yaml:"max_fetch_failures" mapstructure:"max_fetch_failures"`
	MaxSchemaFailures   int     `yaml:"max_schema_failures" mapstructure:"max_schema_failures"`
	SchemaFailureRate   float64 `yaml:"schema_failure_rate" mapstructure:"schema_failure_rate"`
	TickSecs            int     `yaml:"tick_secs" mapstructure:"tick_secs"`
	ConnectorTimeoutMin int     `yaml:"connector_timeout_min" mapstructure:"connector_timeout_min"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	Model         string  `yaml:"model" mapstructure:"model"`
	Dimensions    int     `yaml:"dimensions" mapstructure:"dimensions"`
	BatchSize     int     `yaml:"batch_size" mapstructure:"batch_size"`
	TokensPerMin  float64 `yaml:"tokens_per_min" mapstructure:"tokens_per_min"`
	RequestBurst  int     `yaml:"request_burst" mapstructure:"request_burst"`
	EnrichVersion int     `yaml:"enrich_version" mapstructure:"enrich_version"`
}

// AnthropicConfig holds Anthropic API settings for risk tagging.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// FetchConfig configures the HTTP fetcher shared by all connectors.
type FetchConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// SearchConfig configures hybrid search ranking.
type SearchConfig struct {
	Weights          RankWeights `yaml:"weights" mapstructure:"weights"`
	RecencyHalfLifeD int         `yaml:"recency_half_life_days" mapstructure:"recency_half_life_days"`
	DefaultLimit     int         `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit         int         `yaml:"max_limit" mapstructure:"max_limit"`
}

// RankWeights holds the blended-score weights for hybrid search.
type RankWeights struct {
	Similarity float64 `yaml:"similarity" mapstructure:"similarity"`
	Recency    float64 `yaml:"recency" mapstructure:"recency"`
	KindBoost  float64 `yaml:"kind_boost" mapstructure:"kind_boost"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.lease_secs", 300)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base_secs", 30)
	v.SetDefault("queue.backoff_max_secs", 3600)
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.max_per_family", 1)
	v.SetDefault("scheduler.failure_backoff_cap", 6)
	v.SetDefault("scheduler.max_fetch_failures", 5)
	v.SetDefault("scheduler.max_schema_failures", 3)
	v.SetDefault("scheduler.schema_failure_rate", 0.5)
	v.SetDefault("scheduler.tick_secs", 60)
	v.SetDefault("scheduler.connector_timeout_min", 30)
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.tokens_per_min", 250000)
	v.SetDefault("embedding.request_burst", 8)
	v.SetDefault("embedding.enrich_version", 1)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("fetch.user_agent", "ingest-cli/1.0 (data@claimguardian.com)")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.temp_dir", "/tmp/ingest")
	v.SetDefault("search.weights.similarity", 0.65)
	v.SetDefault("search.weights.recency", 0.25)
	v.SetDefault("search.weights.kind_boost", 0.10)
	v.SetDefault("search.recency_half_life_days", 180)
	v.SetDefault("search.default_limit", 20)
	v.SetDefault("search.max_limit", 200)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_factor", 2.0)
	v.SetDefault("monitoring.dead_letter_threshold", 50)

	// Read config file (optional)
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
