// Package config provides configuration loading and validation for the
// compactor. Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a compactor process.
type Config struct {
	Compactor     CompactorConfig     `yaml:"compactor"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	Compaction    CompactionConfig    `yaml:"compaction"`
	Retry         RetryConfig         `yaml:"retry"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CompactorConfig controls the scheduling loop and executor resources.
type CompactorConfig struct {
	// NodeID identifies this compactor in logs and events. Generated at
	// startup when empty.
	NodeID                string `yaml:"nodeId" env:"IOX_NODE_ID"`
	CycleIntervalMs       int64  `yaml:"cycleIntervalMs" env:"IOX_CYCLE_INTERVAL_MS"`
	MaxPartitionsPerCycle int    `yaml:"maxPartitionsPerCycle" env:"IOX_MAX_PARTITIONS_PER_CYCLE"`
	RankingStrategy       string `yaml:"rankingStrategy" env:"IOX_RANKING_STRATEGY"`
	Workers               int    `yaml:"workers" env:"IOX_WORKERS"`
	MemoryBudgetBytes     int64  `yaml:"memoryBudgetBytes" env:"IOX_MEMORY_BUDGET_BYTES"`
}

// CatalogConfig points at the Postgres catalog.
type CatalogConfig struct {
	DSN              string `yaml:"dsn" env:"IOX_CATALOG_DSN"`
	MaxConns         int32  `yaml:"maxConns" env:"IOX_CATALOG_MAX_CONNS"`
	ConnectTimeoutMs int64  `yaml:"connectTimeoutMs" env:"IOX_CATALOG_CONNECT_TIMEOUT_MS"`
}

// ObjectStoreConfig points at the S3-compatible store holding data files.
type ObjectStoreConfig struct {
	Endpoint                string `yaml:"endpoint" env:"IOX_S3_ENDPOINT"`
	Bucket                  string `yaml:"bucket" env:"IOX_S3_BUCKET"`
	Region                  string `yaml:"region" env:"IOX_S3_REGION"`
	AccessKey               string `yaml:"accessKey" env:"IOX_S3_ACCESS_KEY"`
	SecretKey               string `yaml:"secretKey" env:"IOX_S3_SECRET_KEY"`
	PartSizeBytes           int64  `yaml:"partSizeBytes" env:"IOX_S3_PART_SIZE_BYTES"`
	MultipartThresholdBytes int64  `yaml:"multipartThresholdBytes" env:"IOX_S3_MULTIPART_THRESHOLD_BYTES"`
}

// CompactionConfig holds the planner and selector thresholds.
type CompactionConfig struct {
	// Level0FileTrigger is the minimum number of level-0 files that makes a
	// partition a compaction candidate.
	Level0FileTrigger int `yaml:"level0FileTrigger" env:"IOX_LEVEL0_FILE_TRIGGER"`
	// ColdAgeMs makes a partition a candidate when it still has level-0
	// files but has not received new ones for this long.
	ColdAgeMs int64 `yaml:"coldAgeMs" env:"IOX_COLD_AGE_MS"`
	// MaxJobBytes caps the total input size of a single compaction job.
	MaxJobBytes int64 `yaml:"maxJobBytes" env:"IOX_MAX_JOB_BYTES"`
	// MaxFilesPerJob caps the number of input files in a single job.
	MaxFilesPerJob int `yaml:"maxFilesPerJob" env:"IOX_MAX_FILES_PER_JOB"`
	// MaxJobTimeRangeMs forces a job split once the accumulated input time
	// range exceeds this span. Zero disables the time bound.
	MaxJobTimeRangeMs int64 `yaml:"maxJobTimeRangeMs" env:"IOX_MAX_JOB_TIME_RANGE_MS"`
	// PromotionThresholdBytes is the minimum accumulated input size for the
	// output to move up a level. Smaller merges stay at the input level.
	PromotionThresholdBytes int64 `yaml:"promotionThresholdBytes" env:"IOX_PROMOTION_THRESHOLD_BYTES"`
	// MaxOutputFileBytes splits merge output into a new file once the
	// in-progress file reaches this size.
	MaxOutputFileBytes int64  `yaml:"maxOutputFileBytes" env:"IOX_MAX_OUTPUT_FILE_BYTES"`
	OutputCodec        string `yaml:"outputCodec" env:"IOX_OUTPUT_CODEC"`
	WriteBatchSize     int    `yaml:"writeBatchSize" env:"IOX_WRITE_BATCH_SIZE"`
}

// RetryConfig parameterizes the backoff policy for transient failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"maxAttempts" env:"IOX_RETRY_MAX_ATTEMPTS"`
	InitialBackoffMs int64   `yaml:"initialBackoffMs" env:"IOX_RETRY_INITIAL_BACKOFF_MS"`
	MaxBackoffMs     int64   `yaml:"maxBackoffMs" env:"IOX_RETRY_MAX_BACKOFF_MS"`
	Multiplier       float64 `yaml:"multiplier" env:"IOX_RETRY_MULTIPLIER"`
	JitterFraction   float64 `yaml:"jitterFraction" env:"IOX_RETRY_JITTER_FRACTION"`
}

// EventsConfig controls the optional Kafka publisher for job lifecycle
// events. Disabled by default.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled" env:"IOX_EVENTS_ENABLED"`
	Brokers []string `yaml:"brokers" env:"IOX_EVENTS_BROKERS"`
	Topic   string   `yaml:"topic" env:"IOX_EVENTS_TOPIC"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"IOX_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"IOX_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"IOX_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Compactor: CompactorConfig{
			CycleIntervalMs:       30000, // 30s
			MaxPartitionsPerCycle: 16,
			RankingStrategy:       "last_compacted",
			Workers:               4,
			MemoryBudgetBytes:     1 << 30, // 1GB
		},
		Catalog: CatalogConfig{
			MaxConns:         10,
			ConnectTimeoutMs: 5000,
		},
		ObjectStore: ObjectStoreConfig{
			Region:                  "us-east-1",
			PartSizeBytes:           16 * 1024 * 1024,  // 16MB
			MultipartThresholdBytes: 128 * 1024 * 1024, // 128MB
		},
		Compaction: CompactionConfig{
			Level0FileTrigger:       4,
			ColdAgeMs:               8 * 3600 * 1000, // 8 hours
			MaxJobBytes:             512 * 1024 * 1024,
			MaxFilesPerJob:          10,
			MaxJobTimeRangeMs:       24 * 3600 * 1000, // 24 hours
			PromotionThresholdBytes: 128 * 1024 * 1024,
			MaxOutputFileBytes:      256 * 1024 * 1024,
			OutputCodec:             "snappy",
			WriteBatchSize:          4096,
		},
		Retry: RetryConfig{
			MaxAttempts:      4,
			InitialBackoffMs: 100,
			MaxBackoffMs:     5000,
			Multiplier:       2.0,
			JitterFraction:   0.2,
		},
		Events: EventsConfig{
			Enabled: false,
			Topic:   "iox.compaction.events",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads configuration from the path in IOX_CONFIG, falling back to
// well-known locations, and finally to defaults when no file exists.
// Environment overrides apply in every case.
func Load() (*Config, error) {
	path := os.Getenv("IOX_CONFIG")
	if path == "" {
		for _, candidate := range []string{"iox.yaml", "/etc/iox/config.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		cfg := Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from an explicit YAML file. Fields absent
// from the file keep their defaults; environment overrides apply last.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate checks the configuration for values the compactor cannot run
// with. Called after CLI flag overrides are applied.
func (c *Config) Validate() error {
	if c.Catalog.DSN == "" {
		return fmt.Errorf("catalog.dsn is required")
	}
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("objectStore.bucket is required")
	}
	if c.Compactor.Workers <= 0 {
		return fmt.Errorf("compactor.workers must be positive, got %d", c.Compactor.Workers)
	}
	if c.Compactor.MemoryBudgetBytes <= 0 {
		return fmt.Errorf("compactor.memoryBudgetBytes must be positive, got %d", c.Compactor.MemoryBudgetBytes)
	}
	if c.Compactor.MaxPartitionsPerCycle <= 0 {
		return fmt.Errorf("compactor.maxPartitionsPerCycle must be positive, got %d", c.Compactor.MaxPartitionsPerCycle)
	}
	switch c.Compactor.RankingStrategy {
	case "last_compacted", "file_count", "total_bytes":
	default:
		return fmt.Errorf("compactor.rankingStrategy %q is not one of last_compacted, file_count, total_bytes", c.Compactor.RankingStrategy)
	}
	if c.Compaction.MaxJobBytes <= 0 {
		return fmt.Errorf("compaction.maxJobBytes must be positive, got %d", c.Compaction.MaxJobBytes)
	}
	if c.Compaction.MaxFilesPerJob < 2 {
		return fmt.Errorf("compaction.maxFilesPerJob must be at least 2, got %d", c.Compaction.MaxFilesPerJob)
	}
	if c.Compaction.MaxJobTimeRangeMs < 0 {
		return fmt.Errorf("compaction.maxJobTimeRangeMs must not be negative, got %d", c.Compaction.MaxJobTimeRangeMs)
	}
	if c.Compaction.MaxOutputFileBytes <= 0 {
		return fmt.Errorf("compaction.maxOutputFileBytes must be positive, got %d", c.Compaction.MaxOutputFileBytes)
	}
	switch c.Compaction.OutputCodec {
	case "none", "snappy", "zstd", "lz4", "gzip":
	default:
		return fmt.Errorf("compaction.outputCodec %q is not one of none, snappy, zstd, lz4, gzip", c.Compaction.OutputCodec)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("events.brokers is required when events are enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	envString(&cfg.Compactor.NodeID, "IOX_NODE_ID")
	envInt64(&cfg.Compactor.CycleIntervalMs, "IOX_CYCLE_INTERVAL_MS")
	envInt(&cfg.Compactor.MaxPartitionsPerCycle, "IOX_MAX_PARTITIONS_PER_CYCLE")
	envString(&cfg.Compactor.RankingStrategy, "IOX_RANKING_STRATEGY")
	envInt(&cfg.Compactor.Workers, "IOX_WORKERS")
	envInt64(&cfg.Compactor.MemoryBudgetBytes, "IOX_MEMORY_BUDGET_BYTES")

	envString(&cfg.Catalog.DSN, "IOX_CATALOG_DSN")
	envInt32(&cfg.Catalog.MaxConns, "IOX_CATALOG_MAX_CONNS")
	envInt64(&cfg.Catalog.ConnectTimeoutMs, "IOX_CATALOG_CONNECT_TIMEOUT_MS")

	envString(&cfg.ObjectStore.Endpoint, "IOX_S3_ENDPOINT")
	envString(&cfg.ObjectStore.Bucket, "IOX_S3_BUCKET")
	envString(&cfg.ObjectStore.Region, "IOX_S3_REGION")
	envString(&cfg.ObjectStore.AccessKey, "IOX_S3_ACCESS_KEY")
	envString(&cfg.ObjectStore.SecretKey, "IOX_S3_SECRET_KEY")
	envInt64(&cfg.ObjectStore.PartSizeBytes, "IOX_S3_PART_SIZE_BYTES")
	envInt64(&cfg.ObjectStore.MultipartThresholdBytes, "IOX_S3_MULTIPART_THRESHOLD_BYTES")

	envInt(&cfg.Compaction.Level0FileTrigger, "IOX_LEVEL0_FILE_TRIGGER")
	envInt64(&cfg.Compaction.ColdAgeMs, "IOX_COLD_AGE_MS")
	envInt64(&cfg.Compaction.MaxJobBytes, "IOX_MAX_JOB_BYTES")
	envInt(&cfg.Compaction.MaxFilesPerJob, "IOX_MAX_FILES_PER_JOB")
	envInt64(&cfg.Compaction.MaxJobTimeRangeMs, "IOX_MAX_JOB_TIME_RANGE_MS")
	envInt64(&cfg.Compaction.PromotionThresholdBytes, "IOX_PROMOTION_THRESHOLD_BYTES")
	envInt64(&cfg.Compaction.MaxOutputFileBytes, "IOX_MAX_OUTPUT_FILE_BYTES")
	envString(&cfg.Compaction.OutputCodec, "IOX_OUTPUT_CODEC")
	envInt(&cfg.Compaction.WriteBatchSize, "IOX_WRITE_BATCH_SIZE")

	envInt(&cfg.Retry.MaxAttempts, "IOX_RETRY_MAX_ATTEMPTS")
	envInt64(&cfg.Retry.InitialBackoffMs, "IOX_RETRY_INITIAL_BACKOFF_MS")
	envInt64(&cfg.Retry.MaxBackoffMs, "IOX_RETRY_MAX_BACKOFF_MS")
	envFloat64(&cfg.Retry.Multiplier, "IOX_RETRY_MULTIPLIER")
	envFloat64(&cfg.Retry.JitterFraction, "IOX_RETRY_JITTER_FRACTION")

	envBool(&cfg.Events.Enabled, "IOX_EVENTS_ENABLED")
	envStringSlice(&cfg.Events.Brokers, "IOX_EVENTS_BROKERS")
	envString(&cfg.Events.Topic, "IOX_EVENTS_TOPIC")

	envString(&cfg.Observability.MetricsAddr, "IOX_METRICS_ADDR")
	envString(&cfg.Observability.LogLevel, "IOX_LOG_LEVEL")
	envString(&cfg.Observability.LogFormat, "IOX_LOG_FORMAT")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envStringSlice(dst *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt32(dst *int32, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat64(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
