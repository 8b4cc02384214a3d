// Package config loads the history-api configuration from the environment.
//
// Every variable carries the HISTORY_ prefix, e.g. HISTORY_RPC_URL. Values in
// .env and .env.local are loaded first when those files exist; variables
// already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "HISTORY"

// Store backends.
const (
	BackendPebble   = "pebble"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendMemory   = "memory"
)

// Config is the full service configuration. The embedded groups share the
// HISTORY_ prefix directly, so HISTORY_RPC_URL rather than HISTORY_RPC_RPC_URL.
type Config struct {
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	RPCConfig
	EtherscanConfig
	StoreConfig
	HistoryConfig

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
}

// RPCConfig configures the archive node client.
type RPCConfig struct {
	URL        string        `envconfig:"RPC_URL" required:"true"`
	Timeout    time.Duration `envconfig:"RPC_TIMEOUT" default:"30s"`
	MaxRetries int           `envconfig:"RPC_MAX_RETRIES" default:"3"`
	RateLimit  float64       `envconfig:"RPC_RATE_LIMIT" default:"20"`
}

// EtherscanConfig configures the interface registry client.
type EtherscanConfig struct {
	APIKey  string        `envconfig:"ETHERSCAN_API_KEY" required:"true"`
	BaseURL string        `envconfig:"ETHERSCAN_BASE_URL"`
	ChainID int64         `envconfig:"ETHERSCAN_CHAIN_ID" default:"1"`
	Timeout time.Duration `envconfig:"ETHERSCAN_TIMEOUT" default:"30s"`
}

// StoreConfig selects and configures the persistent store backend.
type StoreConfig struct {
	Backend     string `envconfig:"STORE_BACKEND" default:"pebble"`
	Path        string `envconfig:"STORE_PATH" default:"./db"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`
	RedisPass   string `envconfig:"REDIS_PASSWORD"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3Prefix    string `envconfig:"S3_PREFIX" default:"stl-history"`
	AWSRegion   string `envconfig:"AWS_REGION" default:"us-east-1"`
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
}

// HistoryConfig tunes the history pipeline.
type HistoryConfig struct {
	LookbackBlocks   uint64 `envconfig:"LOOKBACK_BLOCKS" default:"0"`
	MaxConcurrency   int    `envconfig:"MAX_CONCURRENCY" default:"8"`
	SkipFailedPoints bool   `envconfig:"SKIP_FAILED_POINTS" default:"false"`
	BlockTimeBucket  uint64 `envconfig:"BLOCK_TIME_BUCKET" default:"1"`
	CacheHistory     bool   `envconfig:"CACHE_HISTORY" default:"false"`
	PersistHistory   bool   `envconfig:"PERSIST_HISTORY" default:"false"`
}

// Load reads .env files when present, then the environment, and validates
// the result.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	var errs []error

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%s_LOG_FORMAT must be text or json, got %q", Prefix, c.LogFormat))
	}

	switch c.StoreConfig.Backend {
	case BackendPebble:
		if c.StoreConfig.Path == "" {
			errs = append(errs, fmt.Errorf("%s_STORE_PATH is required for the pebble backend", Prefix))
		}
	case BackendRedis:
		if c.StoreConfig.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("%s_REDIS_ADDR is required for the redis backend", Prefix))
		}
	case BackendPostgres:
		if c.StoreConfig.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%s_DATABASE_URL is required for the postgres backend", Prefix))
		}
	case BackendS3:
		if c.StoreConfig.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("%s_S3_BUCKET is required for the s3 backend", Prefix))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown %s_STORE_BACKEND %q", Prefix, c.StoreConfig.Backend))
	}

	if c.HistoryConfig.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("%s_MAX_CONCURRENCY must be at least 1", Prefix))
	}
	if c.HistoryConfig.BlockTimeBucket < 1 {
		errs = append(errs, fmt.Errorf("%s_BLOCK_TIME_BUCKET must be at least 1", Prefix))
	}
	if c.HistoryConfig.PersistHistory && !c.HistoryConfig.CacheHistory {
		errs = append(errs, fmt.Errorf("%s_PERSIST_HISTORY requires %s_CACHE_HISTORY", Prefix, Prefix))
	}

	return errors.Join(errs...)
}

// ParseLevel maps debug, info, warn and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%s_LOG_LEVEL: %w", Prefix, err)
	}
	return level, nil
}
