// Package contract_history serves contract metadata and the history of a
// contract's observable variables.
//
// Three compute caches share one persistent store, each in its own namespace:
// interface descriptors by address, block times by block bucket and,
// optionally, whole history series by address and variable.
package contract_history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/archon-research/stl/stl-history/internal/domain/entity"
	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/pkg/cache"
	"github.com/archon-research/stl/stl-history/internal/ports/inbound"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// Compile-time checks that Service implements the inbound ports.
var (
	_ inbound.ContractService = (*Service)(nil)
	_ inbound.HealthChecker   = (*Service)(nil)
)

// Store namespaces, one per compute cache.
const (
	NamespaceContracts = "contracts"
	NamespaceBlocks    = "blocks"
	NamespaceHistory   = "history"
)

// Config holds configuration for the service.
type Config struct {
	// LookbackBlocks limits history to the last LookbackBlocks blocks. 0 means from genesis.
	LookbackBlocks uint64

	// MaxConcurrency bounds concurrent chain node calls per request.
	MaxConcurrency int

	// SkipFailedPoints drops unresolvable events instead of failing the request.
	SkipFailedPoints bool

	// BlockTimeBucket is the block-number bucket width of the block time cache.
	BlockTimeBucket uint64

	// CacheHistory serves history series from the history namespace when present.
	CacheHistory bool

	// PersistHistory writes computed series into the history namespace.
	// Only meaningful with CacheHistory.
	PersistHistory bool

	Logger  *slog.Logger
	Metrics outbound.HistoryMetrics
}

func configDefaults() Config {
	return Config{
		MaxConcurrency:  8,
		BlockTimeBucket: 1,
		Logger:          slog.Default(),
		Metrics:         outbound.NopHistoryMetrics{},
	}
}

// historyQuery identifies one history series.
type historyQuery struct {
	Address  string
	Variable string
}

// Service implements ContractService and HealthChecker.
type Service struct {
	store      outbound.PersistentStore
	chain      outbound.ChainReader
	interfaces *InterfaceResolver
	aggregator *HistoryAggregator
	history    *cache.Cache[historyQuery, entity.HistorySeries]
	logger     *slog.Logger
}

// NewService wires the resolvers and the aggregator over store.
func NewService(
	config Config,
	store outbound.PersistentStore,
	chain outbound.ChainReader,
	registry outbound.InterfaceRegistry,
) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if chain == nil {
		return nil, fmt.Errorf("chain cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	defaults := configDefaults()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.BlockTimeBucket == 0 {
		config.BlockTimeBucket = defaults.BlockTimeBucket
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}

	interfaces, err := NewInterfaceResolver(store.Namespace(NamespaceContracts), registry, config.Logger, config.Metrics)
	if err != nil {
		return nil, err
	}

	blockTimes, err := NewBlockTimeResolver(store.Namespace(NamespaceBlocks), chain, config.BlockTimeBucket, config.Logger, config.Metrics)
	if err != nil {
		return nil, err
	}

	aggregator, err := NewHistoryAggregator(AggregatorConfig{
		LookbackBlocks:   config.LookbackBlocks,
		MaxConcurrency:   config.MaxConcurrency,
		SkipFailedPoints: config.SkipFailedPoints,
		Logger:           config.Logger,
		Metrics:          config.Metrics,
	}, interfaces, blockTimes, chain)
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:      store,
		chain:      chain,
		interfaces: interfaces,
		aggregator: aggregator,
		logger:     config.Logger.With("component", "contract-history"),
	}

	if config.CacheHistory {
		s.history, err = cache.New(store.Namespace(NamespaceHistory), historyKey,
			func(ctx context.Context, q historyQuery) (entity.HistorySeries, error) {
				return s.aggregator.Aggregate(ctx, q.Address, q.Variable)
			},
			cache.Config{
				Namespace:    NamespaceHistory,
				WriteThrough: config.PersistHistory,
				Logger:       config.Logger,
				Metrics:      config.Metrics,
			})
		if err != nil {
			return nil, fmt.Errorf("creating history cache: %w", err)
		}
	}

	s.logger.Info("contract history service configured",
		"lookbackBlocks", config.LookbackBlocks,
		"maxConcurrency", config.MaxConcurrency,
		"skipFailedPoints", config.SkipFailedPoints,
		"blockTimeBucket", config.BlockTimeBucket,
		"cacheHistory", config.CacheHistory,
		"persistHistory", config.CacheHistory && config.PersistHistory)

	return s, nil
}

func historyKey(q historyQuery) string {
	return q.Address + "/" + q.Variable
}

// GetContract returns the observable variables of the contract at address.
func (s *Service) GetContract(ctx context.Context, address string, includeABI bool) (*entity.ContractMetadata, error) {
	addr, err := normalize(address)
	if err != nil {
		return nil, err
	}

	desc, err := s.interfaces.Resolve(ctx, addr)
	if err != nil {
		return nil, err
	}

	meta := &entity.ContractMetadata{
		Address:   addr,
		Variables: ExtractObservableVariables(desc),
	}
	if includeABI {
		meta.ABI = desc.ABI
	}
	return meta, nil
}

// GetVariableHistory returns the history of one observable variable.
func (s *Service) GetVariableHistory(ctx context.Context, address, variable string) (entity.HistorySeries, error) {
	addr, err := normalize(address)
	if err != nil {
		return nil, err
	}
	if variable == "" {
		return nil, apperr.Invalid("variable", "query parameter is required")
	}

	if s.history != nil {
		return s.history.Get(ctx, historyQuery{Address: addr, Variable: variable})
	}
	return s.aggregator.Aggregate(ctx, addr, variable)
}

// Ready checks that the store and the chain node respond.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if _, err := s.chain.BlockNumber(ctx); err != nil {
		return fmt.Errorf("chain node: %w", err)
	}
	return nil
}

func normalize(address string) (string, error) {
	addr, err := entity.NormalizeAddress(address)
	if err != nil {
		return "", &apperr.ValidationError{Field: "address", Message: err.Error(), Err: err}
	}
	return addr, nil
}
