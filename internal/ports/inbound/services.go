// Package inbound contains the primary/inbound ports.
// These interfaces define the use cases that the application exposes.
package inbound

import (
	"context"

	"github.com/archon-research/stl/stl-history/internal/domain/entity"
)

// ContractService defines the use cases served over HTTP.
type ContractService interface {
	// GetContract returns the observable variables of a contract. When
	// includeABI is set the raw interface descriptor is attached.
	GetContract(ctx context.Context, address string, includeABI bool) (*entity.ContractMetadata, error)

	// GetVariableHistory returns the time series of one observable variable.
	GetVariableHistory(ctx context.Context, address, variable string) (entity.HistorySeries, error)
}

// HealthChecker reports whether the service's collaborators are reachable.
type HealthChecker interface {
	// Ready returns nil when the store and the chain node both respond.
	Ready(ctx context.Context) error
}
