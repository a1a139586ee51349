package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/ports/inbound"
)

// Compile-time check that TimeServer implements inbound.HealthChecker
var _ inbound.HealthChecker = (*TimeServer)(nil)

// TimeServerConfig holds configuration for the TimeServer.
type TimeServerConfig struct {
	// PollInterval is how often the ledger is advanced.
	PollInterval time.Duration

	// StartHeight is the first height synced on a fresh ledger. Nil starts at
	// the providers' live height.
	StartHeight *uint64

	// LivenessWindow is how long without a successful sync or a newly
	// committed block before the service reports unhealthy. Defaults to five
	// poll intervals.
	LivenessWindow time.Duration

	// ShutdownFlushTimeout bounds the final flush on Stop.
	ShutdownFlushTimeout time.Duration

	// Logger is the structured logger.
	Logger *slog.Logger
}

// TimeServerConfigDefaults returns default configuration.
func TimeServerConfigDefaults() TimeServerConfig {
	return TimeServerConfig{
		PollInterval:         time.Minute,
		ShutdownFlushTimeout: 30 * time.Second,
		Logger:               slog.Default(),
	}
}

// TimeServer drives the periodic sync loop: it advances the ledger on a
// ticker and hands every newly committed block to the dispatch queue.
type TimeServer struct {
	config   TimeServerConfig
	ledger   *Ledger
	dispatch *DispatchQueue
	logger   *slog.Logger

	// syncMu drops ticks that arrive while a sync is still running.
	syncMu sync.Mutex

	ready       atomic.Bool
	lastSuccess atomic.Int64 // unix nanos of the last successful sync or committed block

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewTimeServer wires ledger events into dispatch.
func NewTimeServer(config TimeServerConfig, ledger *Ledger, dispatch *DispatchQueue) (*TimeServer, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch queue is required")
	}

	defaults := TimeServerConfigDefaults()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.LivenessWindow <= 0 {
		config.LivenessWindow = 5 * config.PollInterval
	}
	if config.ShutdownFlushTimeout <= 0 {
		config.ShutdownFlushTimeout = defaults.ShutdownFlushTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	s := &TimeServer{
		config:   config,
		ledger:   ledger,
		dispatch: dispatch,
		logger:   config.Logger.With("component", "timeserver"),
	}

	// Every committed block counts as progress, so a long backlog sync stays live.
	ledger.OnBlock(func(ctx context.Context, block entity.Block) {
		s.lastSuccess.Store(time.Now().UnixNano())
		if err := dispatch.Enqueue(ctx, block); err != nil {
			s.logger.Error("failed to enqueue block event", "height", block.Height, "error", err)
		}
	})

	return s, nil
}

// Start restores previous deliveries, runs a first sync, then keeps syncing
// every PollInterval in the background until Stop or ctx is cancelled.
func (s *TimeServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("timeserver already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	// Liveness grace period for the first sync.
	s.lastSuccess.Store(time.Now().UnixNano())

	s.logger.Info("starting timeserver",
		"pollInterval", s.config.PollInterval,
		"startHeight", formatHeight(s.config.StartHeight))

	s.dispatch.Restore(runCtx)
	s.Sync(runCtx)

	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

func (s *TimeServer) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

// Sync runs one ledger advance. It returns false without doing anything when
// another sync is already in flight.
func (s *TimeServer) Sync(ctx context.Context) bool {
	if !s.syncMu.TryLock() {
		s.logger.Warn("previous sync still running, skipping tick")
		return false
	}
	defer s.syncMu.Unlock()

	start := time.Now()
	blocks, err := s.ledger.Advance(ctx, AdvanceOptions{StartHeight: s.config.StartHeight})
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		s.logger.Error("sync failed", "committed", len(blocks), "duration", time.Since(start), "error", err)
		return true
	}

	s.lastSuccess.Store(time.Now().UnixNano())
	if s.ready.CompareAndSwap(false, true) {
		s.logger.Info("initial sync complete")
	}
	if len(blocks) > 0 {
		tip, _ := s.ledger.Max()
		s.logger.Info("sync complete", "newBlocks", len(blocks), "tip", tip.Height, "duration", time.Since(start))
	}
	return true
}

// Stop halts the loop, waits for an in-flight sync, then flushes whatever is
// still pending once.
func (s *TimeServer) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.dispatch.Stop()

	if s.dispatch.Pending() > 0 {
		ctx, cancelFlush := context.WithTimeout(context.Background(), s.config.ShutdownFlushTimeout)
		defer cancelFlush()
		res := s.dispatch.Flush(ctx)
		s.logger.Info("final flush", "delivered", res.Delivered, "failed", res.Failed)
	}

	s.logger.Info("timeserver stopped")
	return nil
}

// IsReady reports whether a sync has succeeded since start.
func (s *TimeServer) IsReady() bool {
	return s.ready.Load()
}

// IsHealthy reports whether the last successful sync or committed block is
// recent enough.
func (s *TimeServer) IsHealthy() bool {
	last := s.lastSuccess.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= s.config.LivenessWindow
}

func formatHeight(h *uint64) any {
	if h == nil {
		return "tip"
	}
	return *h
}
