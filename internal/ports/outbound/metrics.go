package outbound

import (
	"context"
	"time"
)

// MetricsRecorder provides an interface for recording application metrics.
// This allows the application layer to record metrics without depending on
// specific telemetry implementations.
type MetricsRecorder interface {
	// RecordBlockSynced records a block committed to the ledger.
	RecordBlockSynced(ctx context.Context, height uint64)

	// RecordSyncFailure records a sync batch that stopped early.
	// reason is one of "consensus", "continuity", "validation", "provider".
	RecordSyncFailure(ctx context.Context, reason string)

	// RecordConsensus records the outcome of an aggregate query.
	// query is "height" or "block"; outcome is "majority", "split" or "unreachable".
	RecordConsensus(ctx context.Context, query, outcome string)

	// RecordProviderResponse records a single provider call.
	RecordProviderResponse(ctx context.Context, source, outcome string, duration time.Duration)

	// RecordPublish records a single (event, destination) delivery attempt.
	RecordPublish(ctx context.Context, destination, outcome string)

	// RecordPending records the number of pending (event, destination) entries.
	RecordPending(ctx context.Context, pending int)
}

// NopMetrics is a MetricsRecorder that discards everything.
type NopMetrics struct{}

var _ MetricsRecorder = NopMetrics{}

func (NopMetrics) RecordBlockSynced(context.Context, uint64)                             {}
func (NopMetrics) RecordSyncFailure(context.Context, string)                             {}
func (NopMetrics) RecordConsensus(context.Context, string, string)                       {}
func (NopMetrics) RecordProviderResponse(context.Context, string, string, time.Duration) {}
func (NopMetrics) RecordPublish(context.Context, string, string)                         {}
func (NopMetrics) RecordPending(context.Context, int)                                    {}
