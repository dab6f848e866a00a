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
	Store      StoreConfig             `yaml:"store" mapstructure:"store"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	Fetch      FetchConfig             `yaml:"fetch" mapstructure:"fetch"`
	Pipeline   PipelineConfig          `yaml:"pipeline" mapstructure:"pipeline"`
	Archive    ArchiveConfig           `yaml:"archive" mapstructure:"archive"`
	Evidence   EvidenceConfig          `yaml:"evidence" mapstructure:"evidence"`
	Redis      RedisConfig             `yaml:"redis" mapstructure:"redis"`
	Temporal   TemporalConfig          `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
	Sources    map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the management API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// FetchConfig holds transport defaults shared by all sources.
type FetchConfig struct {
	UserAgent               string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs             int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries              int    `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMs        int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs            int    `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	CircuitFailureThreshold int    `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetTimeoutSecs int    `yaml:"circuit_reset_timeout_secs" mapstructure:"circuit_reset_timeout_secs"`
}

// PipelineConfig configures batch execution.
type PipelineConfig struct {
	MaxConcurrentSources int    `yaml:"max_concurrent_sources" mapstructure:"max_concurrent_sources"`
	TempDir              string `yaml:"temp_dir" mapstructure:"temp_dir"`
	FieldPolicyPath      string `yaml:"field_policy_path" mapstructure:"field_policy_path"`
	RecomputeStats       bool   `yaml:"recompute_stats" mapstructure:"recompute_stats"`
	LeaseTTLSecs         int    `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
	BackfillPageSize     int    `yaml:"backfill_page_size" mapstructure:"backfill_page_size"`
}

// ArchiveConfig configures archival behavior.
type ArchiveConfig struct {
	RecomputeWindowDays int `yaml:"recompute_window_days" mapstructure:"recompute_window_days"`
}

// EvidenceConfig configures optional blob offload of large raw payloads to S3.
type EvidenceConfig struct {
	S3Bucket              string `yaml:"s3_bucket" mapstructure:"s3_bucket"`
	S3Region              string `yaml:"s3_region" mapstructure:"s3_region"`
	S3Endpoint            string `yaml:"s3_endpoint" mapstructure:"s3_endpoint"`
	S3Prefix              string `yaml:"s3_prefix" mapstructure:"s3_prefix"`
	OffloadThresholdBytes int    `yaml:"offload_threshold_bytes" mapstructure:"offload_threshold_bytes"`
}

// RedisConfig configures the run lease backend. Empty Addr means in-process leases.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// TemporalConfig configures the scheduler worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MonitoringConfig configures ledger-based alerting.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	MissingKeyRatio       float64 `yaml:"missing_key_ratio" mapstructure:"missing_key_ratio"`
	OpenConflictThreshold int     `yaml:"open_conflict_threshold" mapstructure:"open_conflict_threshold"`
	OpenPendingThreshold  int     `yaml:"open_pending_threshold" mapstructure:"open_pending_threshold"`
}

// SourceConfig is one entry of the sources map.
type SourceConfig struct {
	Enabled  bool               `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Schedule string             `yaml:"schedule" mapstructure:"schedule" json:"schedule,omitempty"`
	Adapter  string             `yaml:"adapter" mapstructure:"adapter" json:"adapter"`
	Fetch    SourceFetchConfig  `yaml:"fetch" mapstructure:"fetch" json:"fetch"`
	Parse    SourceParseConfig  `yaml:"parse" mapstructure:"parse" json:"parse"`
	Upsert   SourceUpsertConfig `yaml:"upsert" mapstructure:"upsert" json:"upsert"`
}

// SourceFetchConfig holds per-source transport parameters.
type SourceFetchConfig struct {
	URL          string `yaml:"url" mapstructure:"url" json:"url"`
	BatchSize    int    `yaml:"batch_size" mapstructure:"batch_size" json:"batch_size,omitempty"`
	LookbackDays int    `yaml:"lookback_days" mapstructure:"lookback_days" json:"lookback_days,omitempty"`
	Charset      string `yaml:"charset" mapstructure:"charset" json:"charset,omitempty"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs" json:"timeout_secs,omitempty"`
	MaxRetries   int    `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries,omitempty"`
}

// SourceParseConfig holds per-source parsing parameters.
type SourceParseConfig struct {
	DefaultGrade    string            `yaml:"default_grade" mapstructure:"default_grade" json:"default_grade"`
	Columns         map[string]string `yaml:"columns" mapstructure:"columns" json:"columns,omitempty"`
	ObservedAtField string            `yaml:"observed_at_field" mapstructure:"observed_at_field" json:"observed_at_field,omitempty"`
	Entry           string            `yaml:"entry" mapstructure:"entry" json:"entry,omitempty"`
}

// SourceUpsertConfig holds per-source arbitration policy.
type SourceUpsertConfig struct {
	Priority       int    `yaml:"priority" mapstructure:"priority" json:"priority"`
	Strategy       string `yaml:"strategy" mapstructure:"strategy" json:"strategy,omitempty"`
	AllowOverwrite *bool  `yaml:"allow_overwrite" mapstructure:"allow_overwrite" json:"allow_overwrite,omitempty"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("fetch.user_agent", "regsync/1.0")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.initial_backoff_ms", 500)
	v.SetDefault("fetch.max_backoff_ms", 30000)
	v.SetDefault("fetch.circuit_failure_threshold", 5)
	v.SetDefault("fetch.circuit_reset_timeout_secs", 60)
	v.SetDefault("pipeline.max_concurrent_sources", 4)
	v.SetDefault("pipeline.temp_dir", "/tmp/regsync")
	v.SetDefault("pipeline.recompute_stats", true)
	v.SetDefault("pipeline.lease_ttl_secs", 3600)
	v.SetDefault("pipeline.backfill_page_size", 500)
	v.SetDefault("archive.recompute_window_days", 31)
	v.SetDefault("evidence.s3_prefix", "evidence/")
	v.SetDefault("evidence.offload_threshold_bytes", 65536)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "regsync")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.missing_key_ratio", 0.2)
	v.SetDefault("monitoring.open_conflict_threshold", 100)
	v.SetDefault("monitoring.open_pending_threshold", 1000)

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
