package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// Compile-time check that HistoryMetrics implements outbound.HistoryMetrics.
var _ outbound.HistoryMetrics = (*HistoryMetrics)(nil)

const instrumentationName = "github.com/archon-research/stl/stl-history/internal/services/contract_history"

// HistoryMetrics records pipeline metrics with OpenTelemetry.
type HistoryMetrics struct {
	stageDuration metric.Float64Histogram
	cacheLookups  metric.Int64Counter
	events        metric.Int64Counter
	points        metric.Int64Counter
	skipped       metric.Int64Counter
}

// NewHistoryMetrics creates a recorder on the global meter provider.
func NewHistoryMetrics() (*HistoryMetrics, error) {
	return NewHistoryMetricsWithProvider(otel.GetMeterProvider())
}

// NewHistoryMetricsWithProvider creates a recorder on a custom meter provider.
func NewHistoryMetricsWithProvider(mp metric.MeterProvider) (*HistoryMetrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &HistoryMetrics{}

	var err error
	m.stageDuration, err = meter.Float64Histogram(
		"history.stage.duration",
		metric.WithDescription("Duration of one history pipeline stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create history.stage.duration histogram: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"history.cache.lookups",
		metric.WithDescription("Compute cache lookups by namespace and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create history.cache.lookups counter: %w", err)
	}

	m.events, err = meter.Int64Counter(
		"history.trace_events",
		metric.WithDescription("Trace events processed by history requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create history.trace_events counter: %w", err)
	}

	m.points, err = meter.Int64Counter(
		"history.points",
		metric.WithDescription("Time series points returned by history requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create history.points counter: %w", err)
	}

	m.skipped, err = meter.Int64Counter(
		"history.points.skipped",
		metric.WithDescription("Trace events dropped because their timestamp or value could not be resolved"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create history.points.skipped counter: %w", err)
	}

	return m, nil
}

// RecordStage records the duration of a pipeline stage.
func (m *HistoryMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

// RecordCacheLookup counts a compute cache lookup.
func (m *HistoryMetrics) RecordCacheLookup(ctx context.Context, namespace, outcome string) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("outcome", outcome),
	))
}

// RecordPoints counts the events, returned points and skipped events of one request.
func (m *HistoryMetrics) RecordPoints(ctx context.Context, events, points, skipped int) {
	m.events.Add(ctx, int64(events))
	m.points.Add(ctx, int64(points))
	if skipped > 0 {
		m.skipped.Add(ctx, int64(skipped))
	}
}
