// Package config handles configuration loading for sentinel-siem.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Queue       QueueConfig       `yaml:"queue"`
	Validation  ValidationConfig  `yaml:"validation"`
	Detection   DetectionConfig   `yaml:"detection"`
	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	Correlation CorrelationConfig `yaml:"correlation"`
	SOAR        SOARConfig        `yaml:"soar"`
	Storage     StorageConfig     `yaml:"storage"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// QueueConfig holds the ingest queue settings.
type QueueConfig struct {
	Size    int `yaml:"size"`
	Workers int `yaml:"workers"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// DetectionConfig holds threat detector settings.
type DetectionConfig struct {
	RiskAnalysisTimeout time.Duration `yaml:"risk_analysis_timeout"`
	BaselineInterval    time.Duration `yaml:"baseline_interval"`
	MaxThreatHistory    int           `yaml:"max_threat_history"`
	Redis               RedisConfig   `yaml:"redis"`
}

// RedisConfig holds optional Redis settings for the shared IOC set.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AnomalyConfig holds anomaly scorer settings.
type AnomalyConfig struct {
	StatsBufferSize   int `yaml:"stats_buffer_size"`   // rolling feature vectors kept for stat recompute
	TemplateCacheSize int `yaml:"template_cache_size"` // LRU entries for message templates
	HistorySize       int `yaml:"history_size"`        // anomaly ring buffer capacity
}

// CorrelationConfig holds correlation engine settings.
type CorrelationConfig struct {
	MaxWindowsPerRule int           `yaml:"max_windows_per_rule"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxHistory        int           `yaml:"max_history"` // correlated events kept in memory
	RulesPath         string        `yaml:"rules_path"`  // optional directory of rule yaml files
}

// SOARConfig holds SOAR executor settings.
type SOARConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxStepJumps    int           `yaml:"max_step_jumps"` // total goto budget per execution
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxExecutions   int           `yaml:"max_executions"` // execution records kept in memory
	PlaybooksPath   string        `yaml:"playbooks_path"` // optional directory of playbook yaml files
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig holds S3 archive settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
}

// KafkaConfig holds the Kafka event source settings. IncidentsTopic
// enables incident fan-out; leave it empty to keep incidents local.
type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	GroupID        string   `yaml:"group_id"`
	IncidentsTopic string   `yaml:"incidents_topic"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			Size:    10000,
			Workers: 4,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Detection: DetectionConfig{
			RiskAnalysisTimeout: 10 * time.Second,
			BaselineInterval:    time.Minute,
			MaxThreatHistory:    1000,
			Redis: RedisConfig{
				Enabled:   false,
				Addr:      "localhost:6379",
				KeyPrefix: "sentinel:ioc",
			},
		},
		Anomaly: AnomalyConfig{
			StatsBufferSize:   10000,
			TemplateCacheSize: 5000,
			HistorySize:       1000,
		},
		Correlation: CorrelationConfig{
			MaxWindowsPerRule: 100000,
			CleanupInterval:   30 * time.Second,
			MaxHistory:        1000,
		},
		SOAR: SOARConfig{
			MaxRetries:     3,
			RetryBackoff:   time.Second,
			MaxStepJumps:   25,
			DefaultTimeout: 5 * time.Minute,
			MaxExecutions:  1000,
		},
		Storage: StorageConfig{
			Enabled: false,
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "sentinel",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
			Archive: ArchiveConfig{
				Enabled: false,
				Prefix:  "incidents",
			},
		},
		Kafka: KafkaConfig{
			Enabled:        false,
			Brokers:        []string{"localhost:9092"},
			Topic:          "sentinel.events",
			GroupID:        "sentinel-siem",
			IncidentsTopic: "sentinel.incidents",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
	}
}

// Load loads configuration from file with env overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("SENTINEL_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if brokers := os.Getenv("SENTINEL_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = []string{brokers}
		c.Kafka.Enabled = true
	}

	if pw := os.Getenv("SENTINEL_CLICKHOUSE_PASSWORD"); pw != "" {
		c.Storage.ClickHouse.Password = pw
	}

	if pw := os.Getenv("SENTINEL_REDIS_PASSWORD"); pw != "" {
		c.Detection.Redis.Password = pw
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive")
	}
	if c.Anomaly.StatsBufferSize <= 0 {
		return fmt.Errorf("anomaly stats_buffer_size must be positive")
	}
	if c.Anomaly.HistorySize <= 0 {
		return fmt.Errorf("anomaly history_size must be positive")
	}
	if c.SOAR.MaxRetries < 0 {
		return fmt.Errorf("soar max_retries must not be negative")
	}
	if c.SOAR.MaxStepJumps <= 0 {
		return fmt.Errorf("soar max_step_jumps must be positive")
	}
	if c.Correlation.MaxWindowsPerRule <= 0 {
		return fmt.Errorf("correlation max_windows_per_rule must be positive")
	}
	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("clickhouse hosts required when storage is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers required when kafka is enabled")
	}
	return nil
}
