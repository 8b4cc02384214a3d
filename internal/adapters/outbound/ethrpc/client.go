// Package ethrpc implements the ChainReader port against an archive node's
// JSON-RPC API.
//
// Plain eth_* methods go through go-ethereum's ethclient. trace_filter has no
// typed wrapper there and is issued on the underlying rpc.Client.
package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/archon-research/stl/stl-history/internal/domain/entity"
	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/pkg/retry"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// Compile-time check that Client implements outbound.ChainReader
var _ outbound.ChainReader = (*Client)(nil)

const source = "chain-node"

// ClientConfig holds configuration for the chain node client.
type ClientConfig struct {
	// URL is the archive node's HTTP JSON-RPC endpoint.
	URL string

	// Timeout bounds a single request attempt.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// RateLimit is the maximum number of requests per second.
	RateLimit float64

	// Burst is the number of requests allowed above RateLimit momentarily.
	Burst int

	Logger *slog.Logger
}

// ClientConfigDefaults returns a config with default values.
func ClientConfigDefaults() ClientConfig {
	return ClientConfig{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		RateLimit:      20,
		Burst:          20,
	}
}

// Client is a rate-limited, retrying archive node client.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *slog.Logger
}

// NewClient dials the node. Dialing an HTTP endpoint does not send a request.
func NewClient(ctx context.Context, config ClientConfig) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("URL is required")
	}

	defaults := ClientConfigDefaults()
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.Burst == 0 {
		config.Burst = max(defaults.Burst, int(config.RateLimit))
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	rpcClient, err := rpc.DialContext(ctx, config.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing chain node: %w", err)
	}

	logger := config.Logger.With("component", "ethrpc-client")
	return &Client{
		rpc:     rpcClient,
		eth:     ethclient.NewClient(rpcClient),
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		policy: retry.Policy{
			MaxRetries:     config.MaxRetries,
			AttemptTimeout: config.Timeout,
			InitialBackoff: config.InitialBackoff,
			MaxBackoff:     config.MaxBackoff,
			BackoffFactor:  2.0,
			Jitter:         true,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				logger.Warn("retrying chain node request", "attempt", attempt, "backoff", backoff, "error", err)
			},
		},
		logger: logger,
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// BlockNumber returns the current head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, "eth_blockNumber", func(ctx context.Context) (uint64, error) {
		return c.eth.BlockNumber(ctx)
	})
}

// BlockTimestamp returns the header timestamp of a block in seconds.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	return call(ctx, c, "eth_getBlockByNumber", func(ctx context.Context) (uint64, error) {
		header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return 0, retry.Permanent(fmt.Errorf("block %d: %w", number, err))
			}
			return 0, err
		}
		return header.Time, nil
	})
}

// traceFilterArg is the Parity/Erigon trace_filter request object.
type traceFilterArg struct {
	FromBlock hexutil.Uint64 `json:"fromBlock"`
	ToBlock   hexutil.Uint64 `json:"toBlock"`
	ToAddress []string       `json:"toAddress"`
}

// traceRecord holds the trace_filter response fields this service reads.
type traceRecord struct {
	BlockNumber         uint64  `json:"blockNumber"`
	TransactionHash     *string `json:"transactionHash"`
	TransactionPosition *uint64 `json:"transactionPosition"`
	TraceAddress        []int   `json:"traceAddress"`
	Error               string  `json:"error,omitempty"`
}

// TraceFilter returns the successful traces whose call target is q.Address.
func (c *Client) TraceFilter(ctx context.Context, q outbound.TraceQuery) ([]entity.TraceEvent, error) {
	if q.FromBlock > q.ToBlock {
		return nil, apperr.Invalid("block range", fmt.Sprintf("fromBlock %d is after toBlock %d", q.FromBlock, q.ToBlock))
	}

	arg := traceFilterArg{
		FromBlock: hexutil.Uint64(q.FromBlock),
		ToBlock:   hexutil.Uint64(q.ToBlock),
		ToAddress: []string{q.Address.Hex()},
	}

	records, err := call(ctx, c, "trace_filter", func(ctx context.Context) ([]traceRecord, error) {
		var out []traceRecord
		if err := c.rpc.CallContext(ctx, &out, "trace_filter", arg); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]entity.TraceEvent, 0, len(records))
	for _, r := range records {
		// A reverted call did not change state.
		if r.Error != "" {
			continue
		}
		ev := entity.TraceEvent{
			Index:        len(events),
			BlockNumber:  r.BlockNumber,
			TraceAddress: r.TraceAddress,
		}
		if r.TransactionHash != nil {
			ev.TransactionHash = *r.TransactionHash
		}
		if r.TransactionPosition != nil {
			ev.TransactionPosition = int(*r.TransactionPosition)
		}
		events = append(events, ev)
	}

	c.logger.Debug("fetched traces",
		"address", q.Address.Hex(),
		"fromBlock", q.FromBlock,
		"toBlock", q.ToBlock,
		"records", len(records),
		"events", len(events))

	return events, nil
}

// CallContract executes a read-only call at the given block height.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte, blockNumber uint64) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	return call(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.eth.CallContract(ctx, msg, new(big.Int).SetUint64(blockNumber))
	})
}

// call waits for the rate limiter and runs fn under the retry policy.
// Failures come back as UpstreamError.
func call[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := retry.Do(ctx, c.policy, func(ctx context.Context) (T, error) {
		var zero T
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err != nil && !isRetryable(err) {
			return zero, retry.Permanent(err)
		}
		return v, err
	})
	if err != nil {
		var zero T
		return zero, apperr.Upstream(source, op, err)
	}
	return result, nil
}

// isRetryable reports whether a request failure may succeed on a later attempt.
func isRetryable(err error) bool {
	if retry.IsPermanent(err) {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	// The node answered with a JSON-RPC error object. Reverts (code 3) and
	// bad requests fail the same way every time.
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32005, -32603: // limit exceeded, internal error
			return true
		default:
			return false
		}
	}

	// Transport errors and timeouts.
	return true
}
