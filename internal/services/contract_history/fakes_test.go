package contract_history

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/archon-research/stl/stl-history/internal/domain/entity"
	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

const testAddress = "0x6b175474e89094c44da98b954eedeac495271d0f"

const testABI = `[
	{"type":"function","name":"totalSupply","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"paused","inputs":[],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
	{"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"},
	{"type":"function","name":"delta","inputs":[],"outputs":[{"name":"","type":"int256"}],"stateMutability":"view"},
	{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true}],"anonymous":false}
]`

// word encodes v as one 32-byte ABI word, two's complement for negatives.
func word(v int64) []byte {
	return math.U256Bytes(big.NewInt(v))
}

// fakeRegistry serves one ABI for every address.
type fakeRegistry struct {
	abi   string
	err   error
	calls atomic.Int32
}

func (r *fakeRegistry) GetABI(_ context.Context, _ common.Address) (json.RawMessage, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(r.abi), nil
}

// fakeChain is an in-process ChainReader.
//
// Block timestamps default to block*10 seconds and accessor values to the
// block number itself. Both can be overridden per block.
type fakeChain struct {
	head     uint64
	headErr  error
	events   []entity.TraceEvent
	traceErr error

	times   map[uint64]uint64
	timeErr map[uint64]error
	returns map[uint64][]byte
	callErr map[uint64]error

	// delay is applied to BlockTimestamp and CallContract.
	delay time.Duration

	mu         sync.Mutex
	queries    []outbound.TraceQuery
	timeCalls  map[uint64]int
	callBlocks []uint64

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

var _ outbound.ChainReader = (*fakeChain)(nil)

func (c *fakeChain) enter() func() {
	n := c.inFlight.Add(1)
	for {
		cur := c.maxInFlight.Load()
		if n <= cur || c.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { c.inFlight.Add(-1) }
}

func (c *fakeChain) wait(ctx context.Context) error {
	if c.delay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delay):
		return nil
	}
}

func (c *fakeChain) BlockNumber(_ context.Context) (uint64, error) {
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *fakeChain) BlockTimestamp(ctx context.Context, n uint64) (uint64, error) {
	defer c.enter()()

	c.mu.Lock()
	if c.timeCalls == nil {
		c.timeCalls = make(map[uint64]int)
	}
	c.timeCalls[n]++
	c.mu.Unlock()

	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	if err := c.timeErr[n]; err != nil {
		return 0, err
	}
	if t, ok := c.times[n]; ok {
		return t, nil
	}
	return n * 10, nil
}

func (c *fakeChain) TraceFilter(_ context.Context, q outbound.TraceQuery) ([]entity.TraceEvent, error) {
	c.mu.Lock()
	c.queries = append(c.queries, q)
	c.mu.Unlock()

	if c.traceErr != nil {
		return nil, c.traceErr
	}
	var out []entity.TraceEvent
	for _, ev := range c.events {
		if ev.BlockNumber >= q.FromBlock && ev.BlockNumber <= q.ToBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *fakeChain) CallContract(ctx context.Context, _ common.Address, _ []byte, block uint64) ([]byte, error) {
	defer c.enter()()

	c.mu.Lock()
	c.callBlocks = append(c.callBlocks, block)
	c.mu.Unlock()

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if err := c.callErr[block]; err != nil {
		return nil, err
	}
	if out, ok := c.returns[block]; ok {
		return out, nil
	}
	return word(int64(block)), nil
}

func (c *fakeChain) traceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

func (c *fakeChain) timestampCalls(block uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeCalls[block]
}

func (c *fakeChain) sampledBlocks() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.callBlocks...)
}

// eventsAt builds one trace event per block, indexed in the given order.
func eventsAt(blocks ...uint64) []entity.TraceEvent {
	events := make([]entity.TraceEvent, len(blocks))
	for i, b := range blocks {
		events[i] = entity.TraceEvent{Index: i, BlockNumber: b}
	}
	return events
}

var errNodeDown = apperr.Upstream("chain-node", "eth_call", errors.New("connection refused"))

// recordingMetrics captures point counts and stage outcomes.
type recordingMetrics struct {
	outbound.NopHistoryMetrics

	mu      sync.Mutex
	stages  []string
	failed  []string
	events  int
	points  int
	skipped int
}

func (m *recordingMetrics) RecordStage(_ context.Context, stage string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
	if err != nil {
		m.failed = append(m.failed, stage)
	}
}

func (m *recordingMetrics) RecordPoints(_ context.Context, events, points, skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events += events
	m.points += points
	m.skipped += skipped
}
