package contract_history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/stl-history/internal/domain/entity"
	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/pkg/cache"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// InterfaceResolver resolves a contract address to its interface descriptor,
// fetching it from the registry once and serving it from the store afterwards.
type InterfaceResolver struct {
	registry outbound.InterfaceRegistry
	cache    *cache.Cache[string, *entity.InterfaceDescriptor]
}

// NewInterfaceResolver creates a resolver over the contracts namespace of store.
// Descriptors are always persisted once fetched.
func NewInterfaceResolver(
	store outbound.KVStore,
	registry outbound.InterfaceRegistry,
	logger *slog.Logger,
	metrics outbound.HistoryMetrics,
) (*InterfaceResolver, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	r := &InterfaceResolver{registry: registry}

	c, err := cache.New(store, addressKey, r.fetch, cache.Config{
		Namespace:    NamespaceContracts,
		WriteThrough: true,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("creating contracts cache: %w", err)
	}
	r.cache = c

	return r, nil
}

// Resolve returns the descriptor for a normalized address.
func (r *InterfaceResolver) Resolve(ctx context.Context, address string) (*entity.InterfaceDescriptor, error) {
	return r.cache.Get(ctx, address)
}

func (r *InterfaceResolver) fetch(ctx context.Context, address string) (*entity.InterfaceDescriptor, error) {
	raw, err := r.registry.GetABI(ctx, common.HexToAddress(address))
	if err != nil {
		return nil, err
	}

	desc, err := entity.NewInterfaceDescriptor(address, raw)
	if err != nil {
		return nil, apperr.Malformed("interface descriptor of "+address, err)
	}
	return desc, nil
}

// addressKey keys descriptors by the normalized address itself.
func addressKey(address string) string {
	return address
}

// ExtractObservableVariables returns the names of the descriptor's observable
// variables in entry order.
func ExtractObservableVariables(desc *entity.InterfaceDescriptor) []string {
	if desc == nil {
		return []string{}
	}
	return desc.ObservableVariables()
}
