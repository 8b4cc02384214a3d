package outbound

import (
	"context"
	"time"
)

// Cache lookup outcomes reported to HistoryMetrics.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// HistoryMetrics records pipeline instrumentation without tying the service
// to a telemetry backend.
type HistoryMetrics interface {
	// RecordStage records the duration and outcome of one pipeline stage.
	RecordStage(ctx context.Context, stage string, duration time.Duration, err error)

	// RecordCacheLookup records a ComputeCache lookup in the given namespace.
	RecordCacheLookup(ctx context.Context, namespace, outcome string)

	// RecordPoints records how many events a history request processed, how
	// many points it returned and how many events were skipped.
	RecordPoints(ctx context.Context, events, points, skipped int)
}

// NopHistoryMetrics discards everything.
type NopHistoryMetrics struct{}

func (NopHistoryMetrics) RecordStage(context.Context, string, time.Duration, error) {}
func (NopHistoryMetrics) RecordCacheLookup(context.Context, string, string) {}
func (NopHistoryMetrics) RecordPoints(context.Context, int, int, int) {}
