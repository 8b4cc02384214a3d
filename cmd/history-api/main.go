// Package main runs the contract history API.
//
// It serves the observable variables of verified contracts and the history of
// one variable's value across the blocks that touched the contract. Results
// from the interface registry and block headers are persisted in the
// configured store so that they are fetched upstream only once.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	httpapi "github.com/archon-research/stl/stl-history/internal/adapters/inbound/http"
	"github.com/archon-research/stl/stl-history/internal/adapters/outbound/etherscan"
	"github.com/archon-research/stl/stl-history/internal/adapters/outbound/ethrpc"
	"github.com/archon-research/stl/stl-history/internal/adapters/outbound/memory"
	"github.com/archon-research/stl/stl-history/internal/adapters/outbound/pebble"
	"github.com/archon-research/stl/stl-history/internal/adapters/outbound/postgres"
	rediscache "github.com/archon-research/stl/stl-history/internal/adapters/outbound/redis"
	"github.com/archon-research/stl/stl-history/internal/adapters/outbound/s3"
	"github.com/archon-research/stl/stl-history/internal/adapters/outbound/telemetry"
	"github.com/archon-research/stl/stl-history/internal/config"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
	"github.com/archon-research/stl/stl-history/internal/services/contract_history"
)

// Build-time variables
var (
	GitCommit string
	GitBranch string
	BuildTime string
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if GitCommit == "" {
					GitCommit = setting.Value
				}
			case "vcs.time":
				if BuildTime == "" {
					BuildTime = setting.Value
				}
			}
		}
	}
}

const shutdownTimeout = 30 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("history-api\n")
		fmt.Printf("  Commit:     %s\n", GitCommit)
		fmt.Printf("  Branch:     %s\n", GitBranch)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("history-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting history-api",
		"commit", GitCommit,
		"branch", GitBranch,
		"buildTime", BuildTime,
		"store", cfg.Backend,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "history-api",
		ServiceVersion: GitCommit,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		StdoutWriter:   tracerOutput(cfg),
	})
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer flush(logger, "tracer", shutdownTracer)

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:    "history-api",
		ServiceVersion: GitCommit,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer flush(logger, "metrics", shutdownMetrics)

	historyMetrics, err := telemetry.NewHistoryMetrics()
	if err != nil {
		return fmt.Errorf("creating history metrics: %w", err)
	}

	store, err := openStore(ctx, cfg.StoreConfig, logger)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Backend, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	chain, err := ethrpc.NewClient(ctx, ethrpc.ClientConfig{
		URL:        cfg.RPCConfig.URL,
		Timeout:    cfg.RPCConfig.Timeout,
		MaxRetries: cfg.RPCConfig.MaxRetries,
		RateLimit:  cfg.RPCConfig.RateLimit,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating chain node client: %w", err)
	}
	defer chain.Close()

	registry, err := etherscan.NewClient(etherscan.ClientConfig{
		APIKey:  cfg.APIKey,
		ChainID: cfg.ChainID,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.EtherscanConfig.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating etherscan client: %w", err)
	}

	service, err := contract_history.NewService(contract_history.Config{
		LookbackBlocks:   cfg.LookbackBlocks,
		MaxConcurrency:   cfg.MaxConcurrency,
		SkipFailedPoints: cfg.SkipFailedPoints,
		BlockTimeBucket:  cfg.BlockTimeBucket,
		CacheHistory:     cfg.CacheHistory,
		PersistHistory:   cfg.PersistHistory,
		Logger:           logger,
		Metrics:          historyMetrics,
	}, store, chain, registry)
	if err != nil {
		return fmt.Errorf("creating contract history service: %w", err)
	}

	var shuttingDown atomic.Bool
	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:   cfg.HTTPAddr,
		Logger: logger,
	}, service, service, nil, &shuttingDown)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	serverErr := server.Start()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shuttingDown.Store(true)
	if err := server.Shutdown(shutdownTimeout); err != nil {
		logger.Error("error during shutdown", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// openStore opens the configured store backend.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (outbound.PersistentStore, error) {
	switch cfg.Backend {
	case config.BackendPebble:
		return pebble.Open(pebble.Config{Path: cfg.Path}, logger)

	case config.BackendRedis:
		return rediscache.NewStore(rediscache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
		}, logger)

	case config.BackendPostgres:
		return postgres.Open(ctx, postgres.PoolConfig{URL: cfg.DatabaseURL}, logger)

	case config.BackendS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return s3.NewStore(awsCfg, s3.Config{Bucket: cfg.S3Bucket, Prefix: cfg.S3Prefix}, logger, func(o *awss3.Options) {
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3Endpoint)
				o.UsePathStyle = true
			}
		})

	case config.BackendMemory:
		logger.Warn("using in-memory store, cached results are lost on restart")
		return memory.NewStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// tracerOutput keeps stdout spans out of JSON logs unless debugging.
func tracerOutput(cfg config.Config) io.Writer {
	if cfg.OTLPEndpoint == "" && cfg.LogLevel != "debug" {
		return io.Discard
	}
	return os.Stdout
}

func flush(logger *slog.Logger, what string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("failed to flush "+what, "error", err)
	}
}
