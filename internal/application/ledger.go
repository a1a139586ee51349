package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/ports/inbound"
	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

const instrumentationName = "github.com/archon-research/stl-timeserver/internal/application"

// Compile-time check that Ledger implements inbound.BlockReader
var _ inbound.BlockReader = (*Ledger)(nil)

// LedgerConfig holds configuration for the Ledger.
type LedgerConfig struct {
	// Metrics records synced blocks and sync failures. Optional.
	Metrics outbound.MetricsRecorder

	// Logger is the structured logger.
	Logger *slog.Logger
}

// BlockListener is notified of every newly committed block. Listeners run
// synchronously, in registration order, before Advance moves to the next height.
type BlockListener func(ctx context.Context, block entity.Block)

// AdvanceOptions controls the range a single Advance call synchronizes.
type AdvanceOptions struct {
	// ToHeight is the last height to sync. When nil the provider's live height is used.
	ToHeight *uint64

	// StartHeight is where the very first sync begins, before any block is
	// committed. Ignored afterwards. When nil the first sync starts at ToHeight.
	StartHeight *uint64

	// Subset, when non-nil, restricts the sync to these heights. Iteration starts
	// at the smallest one. An empty non-nil subset syncs nothing.
	Subset []uint64
}

// HeightRange bounds List. Nil bounds default to the committed min/max.
type HeightRange struct {
	Min *uint64
	Max *uint64
}

// Ledger is the canonical, gap-free local history of the observed chain. It
// owns two append-only maps, height to block and hash to height, and checks
// parent-hash continuity on every insert.
type Ledger struct {
	provider outbound.BlockProvider
	metrics  outbound.MetricsRecorder
	tracer   trace.Tracer
	logger   *slog.Logger

	mu      sync.RWMutex
	ordered map[uint64]entity.Block
	nominal map[string]uint64
	min     uint64
	max     uint64

	listenersMu sync.RWMutex
	listeners   []BlockListener
}

// NewLedger creates an empty Ledger backed by provider.
func NewLedger(config LedgerConfig, provider outbound.BlockProvider) (*Ledger, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = outbound.NopMetrics{}
	}

	return &Ledger{
		provider: provider,
		metrics:  config.Metrics,
		tracer:   otel.Tracer(instrumentationName),
		logger:   config.Logger.With("component", "ledger"),
		ordered:  make(map[uint64]entity.Block),
		nominal:  make(map[string]uint64),
	}, nil
}

// OnBlock registers a listener for newly committed blocks.
func (l *Ledger) OnBlock(listener BlockListener) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// Load replaces the ledger contents with blocks, typically a List snapshot.
// Each element is chained to its predecessor in the slice, so continuity is
// re-verified while loading. Listeners are not notified.
func (l *Ledger) Load(blocks []entity.Block) error {
	l.mu.Lock()
	l.ordered = make(map[uint64]entity.Block, len(blocks))
	l.nominal = make(map[string]uint64, len(blocks))
	l.min, l.max = 0, 0
	l.mu.Unlock()

	for i, b := range blocks {
		b.ParentHash = ""
		if i > 0 {
			b.ParentHash = blocks[i-1].Hash
		}
		if err := l.Insert(b); err != nil {
			return fmt.Errorf("loading block %d: %w", b.Height, err)
		}
	}
	return nil
}

// Initialized reports whether at least one block has been committed.
func (l *Ledger) Initialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ordered) > 0
}

// Min returns the lowest committed block. ok is false when the ledger is empty.
func (l *Ledger) Min() (block entity.Block, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.ordered) == 0 {
		return entity.Block{}, false
	}
	return l.ordered[l.min], true
}

// Max returns the highest committed block. ok is false when the ledger is empty.
func (l *Ledger) Max() (block entity.Block, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.ordered) == 0 {
		return entity.Block{}, false
	}
	return l.ordered[l.max], true
}

// Advance synchronizes blocks up to the resolved target height and returns
// the blocks newly committed by this call, keyed by height.
//
// The batch is fail-fast: the first fetch or insert error stops it and is
// returned alongside the blocks committed before the failure, which stay
// committed. A target that is not ahead of the committed maximum is a no-op.
// Callers must not run Advance concurrently with itself.
func (l *Ledger) Advance(ctx context.Context, opts AdvanceOptions) (map[uint64]entity.Block, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.advance")
	defer span.End()

	newBlocks := make(map[uint64]entity.Block)

	var toHeight uint64
	if opts.ToHeight != nil {
		toHeight = *opts.ToHeight
	} else {
		h, err := l.provider.GetHeight(ctx)
		if err != nil {
			l.recordFailure(ctx, span, err)
			return newBlocks, fmt.Errorf("resolving target height: %w", err)
		}
		toHeight = h
	}
	span.SetAttributes(attribute.Int64("toHeight", int64(toHeight)))

	var fromHeight uint64
	if tip, ok := l.Max(); ok {
		if toHeight <= tip.Height {
			l.logger.Debug("nothing to sync", "toHeight", toHeight, "maxHeight", tip.Height)
			return newBlocks, nil
		}
		fromHeight = tip.Height + 1
	} else if opts.StartHeight != nil {
		fromHeight = *opts.StartHeight
	} else {
		fromHeight = toHeight
	}

	inRange := func(uint64) bool { return true }
	if opts.Subset != nil {
		if len(opts.Subset) == 0 {
			return newBlocks, nil
		}
		subset := slices.Clone(opts.Subset)
		slices.Sort(subset)
		inRange = func(n uint64) bool {
			_, found := slices.BinarySearch(subset, n)
			return found
		}
		fromHeight = subset[0]
	}
	span.SetAttributes(attribute.Int64("fromHeight", int64(fromHeight)))

	l.logger.Debug("advancing", "fromHeight", fromHeight, "toHeight", toHeight)

	for n := fromHeight; n <= toHeight; n++ {
		if !inRange(n) {
			continue
		}
		if err := ctx.Err(); err != nil {
			l.recordFailure(ctx, span, err)
			return newBlocks, err
		}

		block, fresh, err := l.syncHeight(ctx, n)
		if err != nil {
			l.logger.Warn("stopping synchronization", "height", n, "committed", len(newBlocks), "error", err)
			l.recordFailure(ctx, span, err)
			return newBlocks, fmt.Errorf("syncing block %d: %w", n, err)
		}
		if fresh {
			newBlocks[n] = block
		}

		if n == toHeight {
			break
		}
	}

	span.SetAttributes(attribute.Int("committed", len(newBlocks)))
	return newBlocks, nil
}

// syncHeight returns the block at height n, fetching and committing it if it
// is not already present. fresh reports whether this call committed it.
func (l *Ledger) syncHeight(ctx context.Context, n uint64) (block entity.Block, fresh bool, err error) {
	if existing, ok := l.lookupHeight(n); ok {
		return existing, false, nil
	}

	fetched, err := l.provider.GetBlock(ctx, entity.RefHeight(n))
	if err != nil {
		return entity.Block{}, false, err
	}
	if fetched == nil {
		return entity.Block{}, false, fmt.Errorf("%w: failed to get block %d", entity.ErrProvider, n)
	}
	if fetched.Height != n {
		return entity.Block{}, false, &entity.ValidationError{
			Field:  "height",
			Reason: fmt.Sprintf("mismatch: requested %d, got %d", n, fetched.Height),
		}
	}

	if err := l.Insert(*fetched); err != nil {
		return entity.Block{}, false, err
	}

	committed := fetched.Summary()
	l.logger.Info("synchronized block",
		"height", committed.Height,
		"hash", committed.Hash,
		"time", committed.Time().Format("2006-01-02T15:04:05Z"),
	)
	l.metrics.RecordBlockSynced(ctx, committed.Height)
	l.notify(ctx, committed)

	return committed, true, nil
}

// Insert validates block and commits it to both maps. If the block at
// height-1 is committed and block.ParentHash is set, they must agree;
// otherwise a ContinuityError is returned and nothing is mutated.
// Re-inserting identical data is a no-op.
func (l *Ledger) Insert(block entity.Block) error {
	if err := block.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if block.Height > 0 && block.ParentHash != "" {
		if prev, ok := l.ordered[block.Height-1]; ok && prev.Hash != block.ParentHash {
			return &entity.ContinuityError{
				Height:   block.Height,
				Expected: prev.Hash,
				Got:      block.ParentHash,
			}
		}
	}

	if existing, ok := l.ordered[block.Height]; ok {
		if existing.Hash == block.Hash && existing.Timestamp == block.Timestamp {
			return nil
		}
		return &entity.ContinuityError{
			Height:   block.Height,
			Expected: existing.Hash,
			Got:      block.Hash,
		}
	}
	if h, ok := l.nominal[block.Hash]; ok {
		return &entity.ValidationError{
			Field:  "hash",
			Reason: fmt.Sprintf("already committed at height %d", h),
		}
	}

	summary := block.Summary()
	if len(l.ordered) == 0 {
		l.min, l.max = summary.Height, summary.Height
	} else {
		l.min = min(l.min, summary.Height)
		l.max = max(l.max, summary.Height)
	}
	l.ordered[summary.Height] = summary
	l.nominal[summary.Hash] = summary.Height

	return nil
}

// ReadHeight returns the committed block at height if it has more than
// confirmations blocks on top of it. Zero confirmations disables the check.
func (l *Ledger) ReadHeight(height uint64, confirmations uint64) (entity.Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.ordered[height]
	if !ok || !l.confirmed(b, confirmations) {
		return entity.Block{}, false
	}
	return b, true
}

// ReadHash is ReadHeight addressed by hash.
func (l *Ledger) ReadHash(hash string, confirmations uint64) (entity.Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nominal[hash]
	if !ok {
		return entity.Block{}, false
	}
	b := l.ordered[n]
	if !l.confirmed(b, confirmations) {
		return entity.Block{}, false
	}
	return b, true
}

// CompareHash returns height(b) - height(a), or 0 if either hash is unknown.
func (l *Ledger) CompareHash(a, b string) int64 {
	ia, okA := l.ReadHash(a, 0)
	ib, okB := l.ReadHash(b, 0)
	if !okA || !okB {
		return 0
	}
	return int64(ib.Height) - int64(ia.Height)
}

// List returns committed blocks in ascending height order within r.
// Feeding the result to Load reconstructs identical state.
func (l *Ledger) List(r HeightRange) []entity.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.ordered) == 0 {
		return nil
	}

	lo, hi := l.min, l.max
	if r.Min != nil {
		lo = *r.Min
	}
	if r.Max != nil {
		hi = *r.Max
	}

	out := make([]entity.Block, 0, len(l.ordered))
	for h, b := range l.ordered {
		if h >= lo && h <= hi {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b entity.Block) int {
		switch {
		case a.Height < b.Height:
			return -1
		case a.Height > b.Height:
			return 1
		}
		return 0
	})
	return out
}

// confirmed must be called with mu held.
func (l *Ledger) confirmed(b entity.Block, confirmations uint64) bool {
	if confirmations == 0 {
		return true
	}
	return l.max >= b.Height && l.max-b.Height > confirmations
}

func (l *Ledger) lookupHeight(n uint64) (entity.Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.ordered[n]
	return b, ok
}

func (l *Ledger) notify(ctx context.Context, block entity.Block) {
	l.listenersMu.RLock()
	listeners := slices.Clone(l.listeners)
	l.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, block)
	}
}

func (l *Ledger) recordFailure(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	l.metrics.RecordSyncFailure(ctx, failureReason(err))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, entity.ErrNoConsensus), errors.Is(err, entity.ErrNoRespondents):
		return "consensus"
	case errors.Is(err, entity.ErrContinuity):
		return "continuity"
	case errors.Is(err, entity.ErrValidation):
		return "validation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "provider"
	}
}
