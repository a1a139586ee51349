package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

const meterName = "github.com/archon-research/stl-timeserver"

// Compile-time check that Metrics implements outbound.MetricsRecorder
var _ outbound.MetricsRecorder = (*Metrics)(nil)

// Metrics implements the MetricsRecorder interface using OpenTelemetry.
type Metrics struct {
	blocksSynced     metric.Int64Counter
	ledgerHeight     metric.Int64Gauge
	syncFailures     metric.Int64Counter
	consensus        metric.Int64Counter
	providerDuration metric.Float64Histogram
	publishes        metric.Int64Counter
	pending          metric.Int64Gauge
}

// NewMetrics creates a recorder on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates a recorder on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.blocksSynced, err = meter.Int64Counter(
		"timeserver.blocks.synced.total",
		metric.WithDescription("Blocks committed to the ledger"),
	); err != nil {
		return nil, fmt.Errorf("failed to create blocks synced counter: %w", err)
	}
	if m.ledgerHeight, err = meter.Int64Gauge(
		"timeserver.ledger.height",
		metric.WithDescription("Highest committed block height"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ledger height gauge: %w", err)
	}
	if m.syncFailures, err = meter.Int64Counter(
		"timeserver.sync.failures.total",
		metric.WithDescription("Sync batches stopped early, by reason"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sync failures counter: %w", err)
	}
	if m.consensus, err = meter.Int64Counter(
		"timeserver.consensus.total",
		metric.WithDescription("Aggregate provider queries, by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create consensus counter: %w", err)
	}
	if m.providerDuration, err = meter.Float64Histogram(
		"timeserver.provider.request.duration",
		metric.WithDescription("Duration of individual provider calls in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create provider duration histogram: %w", err)
	}
	if m.publishes, err = meter.Int64Counter(
		"timeserver.publish.total",
		metric.WithDescription("Event delivery attempts, by destination and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create publish counter: %w", err)
	}
	if m.pending, err = meter.Int64Gauge(
		"timeserver.dispatch.pending",
		metric.WithDescription("Pending (event, destination) deliveries"),
	); err != nil {
		return nil, fmt.Errorf("failed to create pending gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordBlockSynced(ctx context.Context, height uint64) {
	m.blocksSynced.Add(ctx, 1)
	m.ledgerHeight.Record(ctx, int64(height))
}

func (m *Metrics) RecordSyncFailure(ctx context.Context, reason string) {
	m.syncFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordConsensus(ctx context.Context, query, outcome string) {
	m.consensus.Add(ctx, 1, metric.WithAttributes(
		attribute.String("query", query),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordProviderResponse(ctx context.Context, source, outcome string, duration time.Duration) {
	m.providerDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordPublish(ctx context.Context, destination, outcome string) {
	m.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordPending(ctx context.Context, pending int) {
	m.pending.Record(ctx, int64(pending))
}
