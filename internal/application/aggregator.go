package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

// Compile-time check that SourceAggregator implements outbound.BlockProvider
var _ outbound.BlockProvider = (*SourceAggregator)(nil)

// Consensus outcomes reported to MetricsRecorder.RecordConsensus.
const (
	outcomeMajority    = "majority"
	outcomeSplit       = "split"
	outcomeUnreachable = "unreachable"
)

// AggregatorConfig holds configuration for the SourceAggregator.
type AggregatorConfig struct {
	// Timeout bounds each individual provider call.
	Timeout time.Duration

	// Metrics records per-provider responses and consensus outcomes. Optional.
	Metrics outbound.MetricsRecorder

	// Logger is the structured logger.
	Logger *slog.Logger
}

// AggregatorConfigDefaults returns default configuration.
func AggregatorConfigDefaults() AggregatorConfig {
	return AggregatorConfig{
		Timeout: 10 * time.Second,
		Logger:  slog.Default(),
	}
}

// Source is a named block provider registered with the aggregator.
type Source struct {
	Name     string
	Provider outbound.BlockProvider
}

// SourceAggregator queries several providers concurrently and only trusts an
// answer returned by a strict majority of the providers that responded.
// A provider that errors or times out abstains; it never fails the aggregate
// call on its own.
type SourceAggregator struct {
	config  AggregatorConfig
	sources []Source
	logger  *slog.Logger
	metrics outbound.MetricsRecorder
}

// NewSourceAggregator creates an aggregator over sources. At least one source
// is required and every source must have a provider.
func NewSourceAggregator(config AggregatorConfig, sources ...Source) (*SourceAggregator, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	sources = slices.Clone(sources)
	for i, s := range sources {
		if s.Provider == nil {
			return nil, fmt.Errorf("source %d (%q) has no provider", i, s.Name)
		}
		if s.Name == "" {
			sources[i].Name = fmt.Sprintf("source-%d", i)
		}
	}

	defaults := AggregatorConfigDefaults()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Metrics == nil {
		config.Metrics = outbound.NopMetrics{}
	}

	return &SourceAggregator{
		config:  config,
		sources: sources,
		logger:  config.Logger.With("component", "source-aggregator"),
		metrics: config.Metrics,
	}, nil
}

// GetHeight returns the height reported by a strict majority of respondents.
func (a *SourceAggregator) GetHeight(ctx context.Context) (uint64, error) {
	responses := fanOut(ctx, a, func(ctx context.Context, p outbound.BlockProvider) (*uint64, error) {
		h, err := p.GetHeight(ctx)
		if err != nil {
			return nil, err
		}
		return &h, nil
	})

	h, support, respondents := majority(responses, func(h *uint64) string { return fmt.Sprint(*h) })
	if err := a.outcome(ctx, "height", "height", support, respondents); err != nil {
		return 0, err
	}
	return *h, nil
}

// GetBlock returns the block for ref. Agreement is decided on the returned
// block hash, not on the query key.
func (a *SourceAggregator) GetBlock(ctx context.Context, ref entity.BlockRef) (*entity.Block, error) {
	responses := fanOut(ctx, a, func(ctx context.Context, p outbound.BlockProvider) (*entity.Block, error) {
		return p.GetBlock(ctx, ref)
	})

	b, support, respondents := majority(responses, func(b *entity.Block) string { return b.Hash })
	if err := a.outcome(ctx, "block", "block "+ref.String(), support, respondents); err != nil {
		return nil, err
	}
	return b, nil
}

// fanOut calls every source concurrently, each under its own timeout, and
// returns one slot per source. A nil slot is an abstention.
func fanOut[T any](ctx context.Context, a *SourceAggregator, call func(context.Context, outbound.BlockProvider) (*T, error)) []*T {
	results := make([]*T, len(a.sources))

	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
			defer cancel()

			start := time.Now()
			v, err := call(callCtx, src.Provider)
			elapsed := time.Since(start)

			switch {
			case err != nil:
				outcome := "error"
				if errors.Is(err, context.DeadlineExceeded) {
					outcome = "timeout"
				}
				a.logger.Warn("provider abstained", "source", src.Name, "outcome", outcome, "duration", elapsed, "error", err)
				a.metrics.RecordProviderResponse(ctx, src.Name, outcome, elapsed)
			case v == nil:
				a.logger.Warn("provider returned no data", "source", src.Name)
				a.metrics.RecordProviderResponse(ctx, src.Name, "empty", elapsed)
			default:
				results[i] = v
				a.metrics.RecordProviderResponse(ctx, src.Name, "ok", elapsed)
			}
		}(i, src)
	}
	wg.Wait()

	return results
}

// outcome records the consensus result for query and returns a
// ConsensusError unless support is a strict majority of respondents.
func (a *SourceAggregator) outcome(ctx context.Context, kind, query string, support, respondents int) error {
	switch {
	case respondents == 0:
		a.metrics.RecordConsensus(ctx, kind, outcomeUnreachable)
	case support*2 <= respondents:
		a.metrics.RecordConsensus(ctx, kind, outcomeSplit)
	default:
		a.metrics.RecordConsensus(ctx, kind, outcomeMajority)
		return nil
	}

	err := &entity.ConsensusError{
		Query:       query,
		Sources:     len(a.sources),
		Respondents: respondents,
		Support:     support,
	}
	a.logger.Warn("no consensus", "query", query, "sources", len(a.sources), "respondents", respondents, "support", support)
	return err
}

// majority groups non-nil responses by key and returns a representative of
// the largest group with its size, plus the number of respondents. Ties go to
// the group seen first, which never matters: a tie is never a strict majority.
func majority[T any](responses []*T, key func(*T) string) (value *T, support, respondents int) {
	counts := make(map[string]int, len(responses))
	for _, r := range responses {
		if r == nil {
			continue
		}
		respondents++
		k := key(r)
		counts[k]++
		if counts[k] > support {
			support = counts[k]
			value = r
		}
	}
	return value, support, respondents
}
