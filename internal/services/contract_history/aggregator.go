package contract_history

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/archon-research/stl/stl-history/internal/domain/entity"
	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

const tracerName = "github.com/archon-research/stl/stl-history/internal/services/contract_history"

// Pipeline stage names, used for spans and stage metrics.
const (
	stageResolveInterface  = "resolve_interface"
	stageBlockRange        = "block_range"
	stageFetchTraces       = "fetch_traces"
	stageResolveTimestamps = "resolve_timestamps"
	stageDedup             = "dedup"
	stageSampleValues      = "sample_values"
	stageSort              = "sort"
)

// AggregatorConfig holds configuration for the history pipeline.
type AggregatorConfig struct {
	// LookbackBlocks bounds the scanned range to the last LookbackBlocks
	// blocks before the head. Events older than that are not reported.
	// 0 scans from genesis.
	LookbackBlocks uint64

	// MaxConcurrency is the maximum number of in-flight chain node calls
	// while resolving timestamps and sampling values.
	MaxConcurrency int

	// SkipFailedPoints drops events whose timestamp or value cannot be
	// resolved instead of failing the request.
	SkipFailedPoints bool

	Logger  *slog.Logger
	Metrics outbound.HistoryMetrics
}

// AggregatorConfigDefaults returns a config with default values.
func AggregatorConfigDefaults() AggregatorConfig {
	return AggregatorConfig{
		MaxConcurrency: 8,
		Logger:         slog.Default(),
		Metrics:        outbound.NopHistoryMetrics{},
	}
}

// HistoryAggregator turns the trace events of a contract into the time series
// of one of its observable variables. One call to Aggregate is one run of the
// pipeline. It holds no per-request state.
type HistoryAggregator struct {
	config     AggregatorConfig
	interfaces *InterfaceResolver
	blockTimes *BlockTimeResolver
	chain      outbound.ChainReader
	logger     *slog.Logger
	metrics    outbound.HistoryMetrics
}

// NewHistoryAggregator creates a new aggregator.
func NewHistoryAggregator(
	config AggregatorConfig,
	interfaces *InterfaceResolver,
	blockTimes *BlockTimeResolver,
	chain outbound.ChainReader,
) (*HistoryAggregator, error) {
	if interfaces == nil {
		return nil, fmt.Errorf("interfaces cannot be nil")
	}
	if blockTimes == nil {
		return nil, fmt.Errorf("blockTimes cannot be nil")
	}
	if chain == nil {
		return nil, fmt.Errorf("chain cannot be nil")
	}

	defaults := AggregatorConfigDefaults()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}

	return &HistoryAggregator{
		config:     config,
		interfaces: interfaces,
		blockTimes: blockTimes,
		chain:      chain,
		logger:     config.Logger.With("component", "history-aggregator"),
		metrics:    config.Metrics,
	}, nil
}

// timedEvent is a trace event together with its resolved block time.
type timedEvent struct {
	event entity.TraceEvent
	time  int64
}

// timeGroup holds the events sharing one timestamp, latest first. The first
// candidate is the dedup winner; the rest are fallbacks when its value cannot
// be read and failed points are skipped.
type timeGroup struct {
	time       int64
	candidates []timedEvent
}

// Aggregate returns the history of variable on the contract at a normalized
// address, ascending by time with one point per timestamp. When several events
// share a timestamp the value sampled for the last of them is kept.
func (a *HistoryAggregator) Aggregate(ctx context.Context, address, variable string) (entity.HistorySeries, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "history.aggregate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("contract.address", address),
			attribute.String("contract.variable", variable),
		),
	)
	defer span.End()

	series, err := a.aggregate(ctx, address, variable)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history aggregation failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("history.points", len(series)))
	return series, nil
}

func (a *HistoryAggregator) aggregate(ctx context.Context, address, variable string) (entity.HistorySeries, error) {
	var method abi.Method
	err := a.stage(ctx, stageResolveInterface, func(ctx context.Context) error {
		var err error
		method, err = a.resolveAccessor(ctx, address, variable)
		return err
	})
	if err != nil {
		return nil, err
	}

	var fromBlock, toBlock uint64
	err = a.stage(ctx, stageBlockRange, func(ctx context.Context) error {
		var err error
		fromBlock, toBlock, err = a.blockRange(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	contract := common.HexToAddress(address)

	var events []entity.TraceEvent
	err = a.stage(ctx, stageFetchTraces, func(ctx context.Context) error {
		var err error
		events, err = a.chain.TraceFilter(ctx, outbound.TraceQuery{
			Address:   contract,
			FromBlock: fromBlock,
			ToBlock:   toBlock,
		})
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int64("block.from", int64(fromBlock)),
			attribute.Int64("block.to", int64(toBlock)),
			attribute.Int("trace.events", len(events)),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	var (
		timed   []timedEvent
		skipped int
	)
	err = a.stage(ctx, stageResolveTimestamps, func(ctx context.Context) error {
		var err error
		timed, skipped, err = a.resolveTimestamps(ctx, events)
		return err
	})
	if err != nil {
		return nil, err
	}

	var groups []timeGroup
	_ = a.stage(ctx, stageDedup, func(context.Context) error {
		groups = groupByTime(timed)
		return nil
	})

	var samples []entity.Sample
	err = a.stage(ctx, stageSampleValues, func(ctx context.Context) error {
		var (
			n   int
			err error
		)
		samples, n, err = a.sampleValues(ctx, contract, method, groups)
		skipped += n
		return err
	})
	if err != nil {
		return nil, err
	}

	var series entity.HistorySeries
	_ = a.stage(ctx, stageSort, func(context.Context) error {
		series = entity.BuildSeries(samples)
		return nil
	})

	a.metrics.RecordPoints(ctx, len(events), len(series), skipped)
	a.logger.Debug("history aggregated",
		"address", address,
		"variable", variable,
		"fromBlock", fromBlock,
		"toBlock", toBlock,
		"events", len(events),
		"points", len(series),
		"skipped", skipped)

	return series, nil
}

// stage runs fn under a span and records its duration.
func (a *HistoryAggregator) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "history."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	a.metrics.RecordStage(ctx, name, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

// resolveAccessor finds the zero-argument method that reads variable.
func (a *HistoryAggregator) resolveAccessor(ctx context.Context, address, variable string) (abi.Method, error) {
	desc, err := a.interfaces.Resolve(ctx, address)
	if err != nil {
		return abi.Method{}, err
	}
	if !desc.HasObservable(variable) {
		return abi.Method{}, &apperr.ValidationError{
			Field:   "variable",
			Message: fmt.Sprintf("%q is not an observable variable of %s", variable, address),
			Err:     apperr.ErrUnknownVariable,
		}
	}

	parsed, err := abi.JSON(bytes.NewReader(desc.ABI))
	if err != nil {
		return abi.Method{}, apperr.Malformed("interface descriptor of "+address, err)
	}

	// Overloads are renamed in parsed.Methods; match on the declared name.
	for _, m := range parsed.Methods {
		if m.RawName == variable && len(m.Inputs) == 0 && len(m.Outputs) == 1 {
			return m, nil
		}
	}
	return abi.Method{}, apperr.Malformed("interface descriptor of "+address,
		fmt.Errorf("no accessor for %q", variable))
}

// blockRange pins the scanned range to the current head.
func (a *HistoryAggregator) blockRange(ctx context.Context) (from, to uint64, err error) {
	head, err := a.chain.BlockNumber(ctx)
	if err != nil {
		return 0, 0, err
	}
	if a.config.LookbackBlocks > 0 && head > a.config.LookbackBlocks {
		from = head - a.config.LookbackBlocks
	}
	return from, head, nil
}

// resolveTimestamps resolves the block time of every event with at most
// MaxConcurrency lookups in flight. The result keeps the event order.
func (a *HistoryAggregator) resolveTimestamps(ctx context.Context, events []entity.TraceEvent) ([]timedEvent, int, error) {
	results := make([]timedEvent, len(events))
	ok := make([]bool, len(events))
	var skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.MaxConcurrency)

	for i, ev := range events {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := a.blockTimes.Resolve(gctx, ev.BlockNumber)
			if err != nil {
				if a.skippable(gctx, err) {
					a.logger.Warn("skipping event, block time unavailable",
						"block", ev.BlockNumber,
						"tx", ev.TransactionHash,
						"error", err)
					skipped.Add(1)
					return nil
				}
				return fmt.Errorf("resolving time of block %d: %w", ev.BlockNumber, err)
			}
			results[i] = timedEvent{event: ev, time: t}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	timed := make([]timedEvent, 0, len(events))
	for i := range results {
		if ok[i] {
			timed = append(timed, results[i])
		}
	}
	return timed, int(skipped.Load()), nil
}

// groupByTime buckets events by timestamp, each bucket ordered by descending
// event index.
func groupByTime(timed []timedEvent) []timeGroup {
	pos := make(map[int64]int, len(timed))
	groups := make([]timeGroup, 0, len(timed))
	for _, te := range timed {
		i, seen := pos[te.time]
		if !seen {
			i = len(groups)
			pos[te.time] = i
			groups = append(groups, timeGroup{time: te.time})
		}
		groups[i].candidates = append(groups[i].candidates, te)
	}
	for i := range groups {
		slices.SortFunc(groups[i].candidates, func(x, y timedEvent) int {
			return cmp.Compare(y.event.Index, x.event.Index)
		})
	}
	return groups
}

// sampleValues reads the variable once per timestamp, at the block of the
// latest event. When that read fails and failed points are skipped, the next
// latest event at the same timestamp is tried instead.
func (a *HistoryAggregator) sampleValues(ctx context.Context, contract common.Address, method abi.Method, groups []timeGroup) ([]entity.Sample, int, error) {
	results := make([]entity.Sample, len(groups))
	ok := make([]bool, len(groups))
	var skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.MaxConcurrency)

	for i, grp := range groups {
		g.Go(func() error {
			for _, te := range grp.candidates {
				if err := gctx.Err(); err != nil {
					return err
				}
				val, err := a.sample(gctx, contract, method, te.event.BlockNumber)
				if err == nil {
					results[i] = entity.Sample{
						EventIndex: te.event.Index,
						Point:      entity.TimeSeriesPoint{Time: te.time, Value: val},
					}
					ok[i] = true
					return nil
				}
				if !a.skippable(gctx, err) {
					return fmt.Errorf("sampling %s at block %d: %w", method.RawName, te.event.BlockNumber, err)
				}
				a.logger.Warn("skipping event, value unavailable",
					"block", te.event.BlockNumber,
					"time", te.time,
					"error", err)
				skipped.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	samples := make([]entity.Sample, 0, len(groups))
	for i := range results {
		if ok[i] {
			samples = append(samples, results[i])
		}
	}
	return samples, int(skipped.Load()), nil
}

// sample calls the accessor against the state at blockNumber.
func (a *HistoryAggregator) sample(ctx context.Context, contract common.Address, method abi.Method, blockNumber uint64) (string, error) {
	out, err := a.chain.CallContract(ctx, contract, method.ID, blockNumber)
	if err != nil {
		return "", err
	}
	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return "", apperr.Malformed(method.RawName+" return data", err)
	}
	if len(values) != 1 {
		return "", apperr.Malformed(method.RawName+" return data", fmt.Errorf("expected 1 value, got %d", len(values)))
	}
	return formatValue(values[0])
}

// skippable reports whether a per-event failure may be dropped. Cancellation
// of the request is never skipped.
func (a *HistoryAggregator) skippable(ctx context.Context, err error) bool {
	if !a.config.SkipFailedPoints || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// formatValue renders an unpacked integer as a decimal string.
func formatValue(v any) (string, error) {
	switch n := v.(type) {
	case *big.Int:
		return n.String(), nil
	case uint8:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint64:
		return strconv.FormatUint(n, 10), nil
	case int8:
		return strconv.FormatInt(int64(n), 10), nil
	case int16:
		return strconv.FormatInt(int64(n), 10), nil
	case int32:
		return strconv.FormatInt(int64(n), 10), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	default:
		return "", apperr.Malformed("accessor value", fmt.Errorf("unsupported type %T", v))
	}
}
