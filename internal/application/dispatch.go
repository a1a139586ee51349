package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/pkg/retry"
	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

// DispatchConfig holds configuration for the DispatchQueue.
type DispatchConfig struct {
	// Destinations are the relay URLs every event is delivered to.
	Destinations []string

	// Debounce is the quiet period after the last Enqueue before a flush.
	Debounce time.Duration

	// InitialBackoff and MaxBackoff bound the per-entry redelivery delay,
	// which doubles on every failed attempt.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// DialTimeout bounds opening a session to a destination.
	DialTimeout time.Duration

	// PublishTimeout bounds a single publish, including the wait for the ack.
	PublishTimeout time.Duration

	// RestoreTimeout bounds the whole stored-event query per destination.
	RestoreTimeout time.Duration

	// Metrics records publish outcomes and queue size. Optional.
	Metrics outbound.MetricsRecorder

	// Logger is the structured logger.
	Logger *slog.Logger
}

// DispatchConfigDefaults returns default configuration.
func DispatchConfigDefaults() DispatchConfig {
	return DispatchConfig{
		Debounce:       5 * time.Second,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		DialTimeout:    10 * time.Second,
		PublishTimeout: 10 * time.Second,
		RestoreTimeout: 15 * time.Second,
		Logger:         slog.Default(),
	}
}

// FlushResult summarizes one flush across all destinations.
type FlushResult struct {
	Delivered int
	Failed    int
}

// recentDeliveriesCap bounds the in-memory record of delivered pairs.
const recentDeliveriesCap = 4096

type deliveryKey struct {
	destination string
	eventID     string
}

type pendingEntry struct {
	event     entity.Event
	height    uint64
	attempts  int
	notBefore time.Time
}

// DispatchQueue turns committed blocks into signed events and delivers each
// one exactly once per destination. Bursts of Enqueue calls are coalesced by
// a re-armable debounce timer into a single flush; failed deliveries stay
// pending per destination and are retried with capped exponential backoff.
type DispatchQueue struct {
	config  DispatchConfig
	signer  outbound.EventSigner
	dialer  outbound.RelayDialer
	log     outbound.DeliveryLog
	backoff retry.Config
	logger  *slog.Logger
	metrics outbound.MetricsRecorder
	tracer  trace.Tracer
	now     func() time.Time

	// ctx scopes timer-triggered flushes; cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    map[string]map[string]*pendingEntry // destination -> event id -> entry
	timer      *time.Timer
	generation uint64
	stopped    bool

	// recent holds pairs delivered or restored by this process, so an Enqueue
	// whose delivery-log check raced a flush does not queue them again.
	recent      map[deliveryKey]struct{}
	recentOrder []deliveryKey

	flushMu sync.Mutex
}

// NewDispatchQueue creates a queue delivering to config.Destinations.
func NewDispatchQueue(config DispatchConfig, signer outbound.EventSigner, dialer outbound.RelayDialer, log outbound.DeliveryLog) (*DispatchQueue, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if log == nil {
		return nil, fmt.Errorf("delivery log is required")
	}

	defaults := DispatchConfigDefaults()
	if config.Debounce <= 0 {
		config.Debounce = defaults.Debounce
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.RestoreTimeout <= 0 {
		config.RestoreTimeout = defaults.RestoreTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Metrics == nil {
		config.Metrics = outbound.NopMetrics{}
	}
	config.Destinations = slices.Compact(slices.Sorted(slices.Values(config.Destinations)))

	ctx, cancel := context.WithCancel(context.Background())
	return &DispatchQueue{
		config: config,
		signer: signer,
		dialer: dialer,
		log:    log,
		backoff: retry.Config{
			InitialBackoff: config.InitialBackoff,
			MaxBackoff:     config.MaxBackoff,
			BackoffFactor:  2.0,
		},
		logger:  config.Logger.With("component", "dispatch-queue"),
		metrics: config.Metrics,
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]map[string]*pendingEntry),
		recent:  make(map[deliveryKey]struct{}),
	}, nil
}

// ComposeEvent builds and signs the notification for block. The event's
// created_at is the block timestamp, so the id is stable across restarts.
func (q *DispatchQueue) ComposeEvent(block entity.Block) (entity.Event, error) {
	event, err := q.signer.Sign(entity.BlockEventPayload(block))
	if err != nil {
		return entity.Event{}, fmt.Errorf("%w: composing event for block %d: %v", entity.ErrDispatch, block.Height, err)
	}
	return event, nil
}

// Enqueue composes the event for block and queues it for every destination
// that has neither a pending entry nor a recorded delivery for it. The
// debounce timer is re-armed on every call that leaves work pending.
func (q *DispatchQueue) Enqueue(ctx context.Context, block entity.Block) error {
	event, err := q.ComposeEvent(block)
	if err != nil {
		return err
	}

	// Checked outside mu; the delivery log may be remote.
	undelivered := make([]string, 0, len(q.config.Destinations))
	for _, dest := range q.config.Destinations {
		delivered, err := q.log.IsDelivered(ctx, dest, event.ID)
		if err != nil {
			q.logger.Warn("delivery log lookup failed, assuming undelivered",
				"destination", dest, "eventID", event.ID, "error", err)
		}
		if !delivered {
			undelivered = append(undelivered, dest)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return fmt.Errorf("%w: queue stopped", entity.ErrDispatch)
	}

	added := 0
	for _, dest := range undelivered {
		entries, ok := q.pending[dest]
		if !ok {
			entries = make(map[string]*pendingEntry)
			q.pending[dest] = entries
		}
		if _, dup := entries[event.ID]; dup {
			continue
		}
		if _, done := q.recent[deliveryKey{dest, event.ID}]; done {
			continue
		}
		entries[event.ID] = &pendingEntry{event: event, height: block.Height}
		added++
	}

	q.logger.Debug("enqueued block event",
		"height", block.Height, "eventID", event.ID, "destinations", added)

	size := q.sizeLocked()
	q.metrics.RecordPending(ctx, size)
	if size > 0 {
		q.armLocked(q.config.Debounce)
	}
	return nil
}

// Flush delivers every due pending entry. Each destination gets its own
// session, opened and closed within this call; destinations are delivered
// concurrently and do not share state. Flushes are serialized.
func (q *DispatchQueue) Flush(ctx context.Context) FlushResult {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	ctx, span := q.tracer.Start(ctx, "dispatch.flush")
	defer span.End()

	now := q.now()
	batches := q.dueBatches(now)
	if len(batches) == 0 {
		q.rearmAfterFlush()
		return FlushResult{}
	}

	type outcome struct {
		dest      string
		delivered []string
		failed    []string
	}
	outcomes := make(chan outcome, len(batches))

	var wg sync.WaitGroup
	for dest, events := range batches {
		wg.Add(1)
		go func(dest string, events []entity.Event) {
			defer wg.Done()
			delivered, failed := q.deliver(ctx, dest, events)
			outcomes <- outcome{dest: dest, delivered: delivered, failed: failed}
		}(dest, events)
	}
	wg.Wait()
	close(outcomes)

	var result FlushResult
	for o := range outcomes {
		if len(o.delivered) > 0 {
			if err := q.log.MarkDelivered(ctx, o.dest, o.delivered...); err != nil {
				q.logger.Warn("failed to record deliveries", "destination", o.dest, "count", len(o.delivered), "error", err)
			}
		}
		q.settle(o.dest, o.delivered, o.failed, now)
		result.Delivered += len(o.delivered)
		result.Failed += len(o.failed)
	}

	span.SetAttributes(
		attribute.Int("destinations", len(batches)),
		attribute.Int("delivered", result.Delivered),
		attribute.Int("failed", result.Failed),
	)
	q.logger.Info("flush complete", "destinations", len(batches), "delivered", result.Delivered, "failed", result.Failed)

	q.rearmAfterFlush()
	return result
}

// dueBatches snapshots, per destination, the pending events whose backoff has
// elapsed, ordered by block height.
func (q *DispatchQueue) dueBatches(now time.Time) map[string][]entity.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches := make(map[string][]entity.Event)
	for dest, entries := range q.pending {
		var due []*pendingEntry
		for _, e := range entries {
			if !e.notBefore.After(now) {
				due = append(due, e)
			}
		}
		if len(due) == 0 {
			continue
		}
		slices.SortFunc(due, func(a, b *pendingEntry) int {
			switch {
			case a.height < b.height:
				return -1
			case a.height > b.height:
				return 1
			}
			return 0
		})
		events := make([]entity.Event, len(due))
		for i, e := range due {
			events[i] = e.event
		}
		batches[dest] = events
	}
	return batches
}

// deliver runs one session against dest. Only this goroutine touches the
// session; bookkeeping is applied by the caller via settle.
func (q *DispatchQueue) deliver(ctx context.Context, dest string, events []entity.Event) (delivered, failed []string) {
	logger := q.logger.With("destination", dest)

	dialCtx, cancel := context.WithTimeout(ctx, q.config.DialTimeout)
	conn, err := q.dialer.Dial(dialCtx, dest)
	cancel()
	if err != nil {
		logger.Warn("failed to connect", "pending", len(events), "error", err)
		for _, e := range events {
			failed = append(failed, e.ID)
			q.metrics.RecordPublish(ctx, dest, "unreachable")
		}
		return nil, failed
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("failed to close session", "error", err)
		}
	}()

	for _, e := range events {
		pubCtx, cancel := context.WithTimeout(ctx, q.config.PublishTimeout)
		err := conn.Publish(pubCtx, e)
		cancel()

		height, _ := e.BlockHeight()
		if err != nil {
			logger.Warn("publish failed", "height", height, "eventID", e.ID, "error", err)
			failed = append(failed, e.ID)
			q.metrics.RecordPublish(ctx, dest, "failed")
			continue
		}
		logger.Info("published block event", "height", height, "eventID", e.ID)
		delivered = append(delivered, e.ID)
		q.metrics.RecordPublish(ctx, dest, "ok")
	}
	return delivered, failed
}

// settle applies one destination's session outcome to its pending entries.
func (q *DispatchQueue) settle(dest string, delivered, failed []string, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.pending[dest]
	for _, id := range delivered {
		delete(entries, id)
	}
	q.rememberLocked(dest, delivered)
	for _, id := range failed {
		e, ok := entries[id]
		if !ok {
			continue
		}
		e.attempts++
		e.notBefore = now.Add(q.backoff.Backoff(e.attempts))
	}
	if len(entries) == 0 {
		delete(q.pending, dest)
	}
}

// rearmAfterFlush schedules the next flush for the earliest retry when work
// remains and no debounce is already running.
func (q *DispatchQueue) rearmAfterFlush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := q.sizeLocked()
	q.metrics.RecordPending(q.ctx, size)
	if size == 0 || q.timer != nil {
		return
	}

	var earliest time.Time
	for _, entries := range q.pending {
		for _, e := range entries {
			if earliest.IsZero() || e.notBefore.Before(earliest) {
				earliest = e.notBefore
			}
		}
	}
	q.armLocked(max(earliest.Sub(q.now()), q.config.Debounce))
}

// armLocked cancels any scheduled flush and schedules a new one after d.
// A superseded timer that fires anyway is ignored via the generation check.
func (q *DispatchQueue) armLocked(d time.Duration) {
	if q.stopped {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.generation++
	gen := q.generation
	q.timer = time.AfterFunc(d, func() { q.fire(gen) })
}

func (q *DispatchQueue) fire(gen uint64) {
	q.mu.Lock()
	if q.stopped || gen != q.generation {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.mu.Unlock()

	q.Flush(q.ctx)
}

// Restore asks every destination for events previously published under this
// signer's key and records them as delivered, so they are not sent again.
// Failures are logged per destination and otherwise ignored. Returns the
// number of (destination, event) pairs restored.
func (q *DispatchQueue) Restore(ctx context.Context) int {
	pubKey := q.signer.PublicKey()
	filter := entity.EventFilter{
		Kinds:   []int{entity.KindBlockTime},
		Authors: []string{pubKey},
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, dest := range q.config.Destinations {
		wg.Add(1)
		go func(dest string) {
			defer wg.Done()
			ids, err := q.restoreDestination(ctx, dest, filter, pubKey)
			if err != nil {
				q.logger.Warn("restore failed", "destination", dest, "error", err)
				return
			}
			mu.Lock()
			total += len(ids)
			mu.Unlock()
		}(dest)
	}
	wg.Wait()

	q.logger.Info("restored previous deliveries", "destinations", len(q.config.Destinations), "events", total)
	return total
}

func (q *DispatchQueue) restoreDestination(ctx context.Context, dest string, filter entity.EventFilter, pubKey string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.RestoreTimeout)
	defer cancel()

	conn, err := q.dialer.Dial(ctx, dest)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stored, err := conn.QueryStored(ctx, filter)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(stored))
	for _, e := range stored {
		if e.PubKey != pubKey || e.Kind != entity.KindBlockTime {
			continue
		}
		if err := q.signer.Verify(e); err != nil {
			q.logger.Debug("ignoring unverifiable stored event", "destination", dest, "eventID", e.ID, "error", err)
			continue
		}
		ids = append(ids, e.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if err := q.log.MarkDelivered(ctx, dest, ids...); err != nil {
		return nil, fmt.Errorf("recording restored deliveries: %w", err)
	}

	q.mu.Lock()
	q.rememberLocked(dest, ids)
	if entries, ok := q.pending[dest]; ok {
		for _, id := range ids {
			delete(entries, id)
		}
		if len(entries) == 0 {
			delete(q.pending, dest)
		}
	}
	q.mu.Unlock()

	q.logger.Debug("restored destination", "destination", dest, "events", len(ids))
	return ids, nil
}

// Pending returns the number of pending (destination, event) entries.
func (q *DispatchQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

// PendingFor returns the number of pending entries for dest.
func (q *DispatchQueue) PendingFor(dest string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[dest])
}

// Stop cancels the debounce timer and any timer-triggered flush in progress.
// Pending entries are kept; callers may still Flush explicitly.
func (q *DispatchQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	q.cancel()
}

// rememberLocked records delivered pairs, evicting the oldest beyond
// recentDeliveriesCap.
func (q *DispatchQueue) rememberLocked(dest string, ids []string) {
	for _, id := range ids {
		key := deliveryKey{dest, id}
		if _, ok := q.recent[key]; ok {
			continue
		}
		q.recent[key] = struct{}{}
		q.recentOrder = append(q.recentOrder, key)
	}
	for len(q.recentOrder) > recentDeliveriesCap {
		delete(q.recent, q.recentOrder[0])
		q.recentOrder = q.recentOrder[1:]
	}
}

func (q *DispatchQueue) sizeLocked() int {
	n := 0
	for _, entries := range q.pending {
		n += len(entries)
	}
	return n
}
