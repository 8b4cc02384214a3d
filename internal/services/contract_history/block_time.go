package contract_history

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/archon-research/stl/stl-history/internal/pkg/cache"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// BlockTimeResolver maps block numbers to block timestamps in milliseconds.
//
// Block numbers are grouped into buckets of a fixed width. Every block in a
// bucket shares one cache entry holding the timestamp of the bucket's first
// block. A width of 1 keys by the raw block number.
type BlockTimeResolver struct {
	chain outbound.ChainReader
	width uint64
	cache *cache.Cache[uint64, int64]
}

// NewBlockTimeResolver creates a resolver over the blocks namespace of store.
// A bucketWidth of 0 is treated as 1.
func NewBlockTimeResolver(
	store outbound.KVStore,
	chain outbound.ChainReader,
	bucketWidth uint64,
	logger *slog.Logger,
	metrics outbound.HistoryMetrics,
) (*BlockTimeResolver, error) {
	if chain == nil {
		return nil, fmt.Errorf("chain cannot be nil")
	}
	if bucketWidth == 0 {
		bucketWidth = 1
	}

	r := &BlockTimeResolver{chain: chain, width: bucketWidth}

	c, err := cache.New(store, r.key, r.fetch, cache.Config{
		Namespace:    NamespaceBlocks,
		WriteThrough: true,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("creating blocks cache: %w", err)
	}
	r.cache = c

	return r, nil
}

// Resolve returns the timestamp, in milliseconds since the epoch, of the
// bucket containing blockNumber.
func (r *BlockTimeResolver) Resolve(ctx context.Context, blockNumber uint64) (int64, error) {
	return r.cache.Get(ctx, blockNumber)
}

// BucketStart returns the first block of the bucket containing n.
func (r *BlockTimeResolver) BucketStart(n uint64) uint64 {
	return n / r.width * r.width
}

func (r *BlockTimeResolver) key(n uint64) string {
	return strconv.FormatUint(r.BucketStart(n), 10)
}

func (r *BlockTimeResolver) fetch(ctx context.Context, n uint64) (int64, error) {
	seconds, err := r.chain.BlockTimestamp(ctx, r.BucketStart(n))
	if err != nil {
		return 0, err
	}
	return int64(seconds) * 1000, nil
}
