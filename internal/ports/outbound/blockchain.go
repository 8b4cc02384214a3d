package outbound

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/stl-history/internal/domain/entity"
)

// TraceQuery selects trace records whose call target is Address, within the
// inclusive block range [FromBlock, ToBlock].
type TraceQuery struct {
	Address   common.Address
	FromBlock uint64
	ToBlock   uint64
}

// ChainReader is the read-only view of an archive chain node.
type ChainReader interface {
	// BlockNumber returns the current head block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// BlockTimestamp returns the header timestamp of a block in seconds.
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)

	// TraceFilter returns every successful trace matching the query in chain
	// order, with TraceEvent.Index set to the position in that order.
	TraceFilter(ctx context.Context, q TraceQuery) ([]entity.TraceEvent, error)

	// CallContract executes a read-only call against the state at the given
	// block height.
	CallContract(ctx context.Context, to common.Address, data []byte, blockNumber uint64) ([]byte, error)
}
