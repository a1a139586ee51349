package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/archon-research/stl-timeserver/internal/adapters/outbound/memory"
	"github.com/archon-research/stl-timeserver/internal/adapters/outbound/nostr"
	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/pkg/testutil"
)

const (
	testSecretKey = "0000000000000000000000000000000000000000000000000000000000000001"
	relayA        = "wss://relay-a.example"
	relayB        = "wss://relay-b.example"
)

type dispatchFixture struct {
	queue   *DispatchQueue
	network *memory.RelayNetwork
	log     *memory.DeliveryLog
	signer  *nostr.Signer
	metrics *recordingMetrics
}

func newDispatchFixture(t *testing.T, cfg DispatchConfig) *dispatchFixture {
	t.Helper()

	signer, err := nostr.NewSigner(testSecretKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if cfg.Destinations == nil {
		cfg.Destinations = []string{relayA, relayB}
	}
	f := &dispatchFixture{
		network: memory.NewRelayNetwork(),
		log:     memory.NewDeliveryLog(),
		signer:  signer,
		metrics: newRecordingMetrics(),
	}
	cfg.Metrics = f.metrics

	f.queue, err = NewDispatchQueue(cfg, signer, f.network, f.log)
	if err != nil {
		t.Fatalf("NewDispatchQueue: %v", err)
	}
	t.Cleanup(f.queue.Stop)
	return f
}

// manualConfig never fires the debounce timer within a test.
func manualConfig() DispatchConfig {
	return DispatchConfig{
		Debounce:       time.Hour,
		InitialBackoff: time.Minute,
		MaxBackoff:     10 * time.Minute,
	}
}

// --- Test: ComposeEvent ---

func TestDispatchQueue_ComposeEventIsDeterministic(t *testing.T) {
	block := memory.Chain(812000, 1, "a")[0]

	first := newDispatchFixture(t, manualConfig())
	a, err := first.queue.ComposeEvent(block)
	if err != nil {
		t.Fatalf("ComposeEvent: %v", err)
	}
	b, _ := first.queue.ComposeEvent(block)

	// A fresh queue with the same key stands in for a process restart.
	restarted := newDispatchFixture(t, manualConfig())
	c, _ := restarted.queue.ComposeEvent(block)

	if a.ID != b.ID || a.ID != c.ID {
		t.Errorf("ids differ: %s %s %s", a.ID, b.ID, c.ID)
	}
	if a.CreatedAt != block.Timestamp {
		t.Errorf("created_at = %d, want block timestamp %d", a.CreatedAt, block.Timestamp)
	}
	if err := nostr.VerifyEvent(a); err != nil {
		t.Errorf("composed event does not verify: %v", err)
	}
}

// --- Test: Debounce ---

func TestDispatchQueue_BurstCollapsesIntoOneFlush(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{Debounce: 50 * time.Millisecond})
	ctx := context.Background()

	blocks := memory.Chain(100, 5, "a")
	for _, b := range blocks {
		if err := f.queue.Enqueue(ctx, b); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if f.queue.Pending() != 10 {
		t.Fatalf("expected 10 pending entries, got %d", f.queue.Pending())
	}

	testutil.Eventually(t, 2*time.Second, func() bool { return f.queue.Pending() == 0 }, "queue did not drain")

	for _, dest := range []string{relayA, relayB} {
		if n := f.network.Dials(dest); n != 1 {
			t.Errorf("%s: expected exactly one session, got %d", dest, n)
		}
		published := f.network.Published(dest)
		if len(published) != 5 {
			t.Fatalf("%s: expected 5 events, got %d", dest, len(published))
		}
		for i, e := range published {
			if h, _ := e.BlockHeight(); h != blocks[i].Height {
				t.Errorf("%s: event %d has height %d, want %d", dest, i, h, blocks[i].Height)
			}
		}
		if f.network.OpenConns(dest) != 0 {
			t.Errorf("%s: session left open", dest)
		}
		if f.log.Count(dest) != 5 {
			t.Errorf("%s: expected 5 recorded deliveries, got %d", dest, f.log.Count(dest))
		}
	}
}

func TestDispatchQueue_EnqueueRearmsTimer(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{Debounce: 150 * time.Millisecond, Destinations: []string{relayA}})
	ctx := context.Background()

	blocks := memory.Chain(1, 4, "a")
	for _, b := range blocks {
		if err := f.queue.Enqueue(ctx, b); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	// 200ms have passed since the first Enqueue, but only 50ms since the last.
	if f.network.Dials(relayA) != 0 {
		t.Fatal("flush fired before the quiet period elapsed")
	}

	testutil.Eventually(t, 2*time.Second, func() bool { return f.queue.Pending() == 0 }, "queue did not drain")
	if f.network.Dials(relayA) != 1 {
		t.Errorf("expected one session, got %d", f.network.Dials(relayA))
	}
}

// --- Test: Dedup ---

func TestDispatchQueue_PendingPairIsNotDuplicated(t *testing.T) {
	f := newDispatchFixture(t, manualConfig())
	ctx := context.Background()
	block := memory.Chain(7, 1, "a")[0]

	_ = f.queue.Enqueue(ctx, block)
	_ = f.queue.Enqueue(ctx, block)

	if f.queue.Pending() != 2 {
		t.Errorf("expected one entry per destination, got %d", f.queue.Pending())
	}
}

func TestDispatchQueue_DeliveredPairIsNoop(t *testing.T) {
	f := newDispatchFixture(t, manualConfig())
	ctx := context.Background()
	block := memory.Chain(7, 1, "a")[0]

	_ = f.queue.Enqueue(ctx, block)
	if res := f.queue.Flush(ctx); res.Delivered != 2 || res.Failed != 0 {
		t.Fatalf("unexpected flush result %+v", res)
	}

	if err := f.queue.Enqueue(ctx, block); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if f.queue.Pending() != 0 {
		t.Errorf("re-enqueue of delivered event changed queue size to %d", f.queue.Pending())
	}

	if res := f.queue.Flush(ctx); res.Delivered != 0 {
		t.Errorf("delivered again: %+v", res)
	}
	if len(f.network.Published(relayA)) != 1 {
		t.Errorf("expected a single publish to %s", relayA)
	}
}

// racingLog runs afterLookup once, right after the first IsDelivered answer,
// to interleave a flush between Enqueue's lookup and its insert.
type racingLog struct {
	*memory.DeliveryLog
	afterLookup func()
}

func (l *racingLog) IsDelivered(ctx context.Context, destination, eventID string) (bool, error) {
	delivered, err := l.DeliveryLog.IsDelivered(ctx, destination, eventID)
	if hook := l.afterLookup; hook != nil {
		l.afterLookup = nil
		hook()
	}
	return delivered, err
}

func TestDispatchQueue_EnqueueRacingFlushDoesNotRequeue(t *testing.T) {
	signer, err := nostr.NewSigner(testSecretKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	network := memory.NewRelayNetwork()
	log := &racingLog{DeliveryLog: memory.NewDeliveryLog()}

	cfg := manualConfig()
	cfg.Destinations = []string{relayA, relayB}
	q, err := NewDispatchQueue(cfg, signer, network, log)
	if err != nil {
		t.Fatalf("NewDispatchQueue: %v", err)
	}
	t.Cleanup(q.Stop)

	ctx := context.Background()
	block := memory.Chain(7, 1, "a")[0]
	if err := q.Enqueue(ctx, block); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The lookup for relayA answers "not delivered", then a flush delivers
	// the pair before Enqueue takes the lock.
	log.afterLookup = func() {
		if res := q.Flush(ctx); res.Delivered != 2 {
			t.Errorf("unexpected flush result %+v", res)
		}
	}
	if err := q.Enqueue(ctx, block); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if q.Pending() != 0 {
		t.Fatalf("delivered pair queued again: %d pending", q.Pending())
	}
	q.Flush(ctx)
	if n := len(network.Published(relayA)); n != 1 {
		t.Errorf("expected a single publish to %s, got %d", relayA, n)
	}
}

// --- Test: Retry ---

func TestDispatchQueue_DestinationsFailIndependently(t *testing.T) {
	f := newDispatchFixture(t, manualConfig())
	ctx := context.Background()
	f.network.SetPublishError(relayA, errors.New("blocked"))

	for _, b := range memory.Chain(50, 2, "a") {
		_ = f.queue.Enqueue(ctx, b)
	}

	res := f.queue.Flush(ctx)
	if res.Delivered != 2 || res.Failed != 2 {
		t.Fatalf("unexpected flush result %+v", res)
	}
	if f.queue.PendingFor(relayA) != 2 {
		t.Errorf("failed entries should stay pending, got %d", f.queue.PendingFor(relayA))
	}
	if f.queue.PendingFor(relayB) != 0 {
		t.Errorf("relay B should be drained, got %d", f.queue.PendingFor(relayB))
	}
	if f.network.OpenConns(relayA) != 0 {
		t.Error("session to failing destination left open")
	}
	if f.metrics.publishes[relayA+":failed"] != 2 || f.metrics.publishes[relayB+":ok"] != 2 {
		t.Errorf("unexpected publish metrics %v", f.metrics.publishes)
	}
}

func TestDispatchQueue_FailedEntriesBackOff(t *testing.T) {
	f := newDispatchFixture(t, manualConfig())
	ctx := context.Background()
	clock := time.Now()
	f.queue.now = func() time.Time { return clock }

	f.network.SetDialError(relayA, errors.New("connection refused"))
	_ = f.queue.Enqueue(ctx, memory.Chain(9, 1, "a")[0])

	if res := f.queue.Flush(ctx); res.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", res)
	}
	if f.metrics.publishes[relayA+":unreachable"] != 1 {
		t.Errorf("unexpected publish metrics %v", f.metrics.publishes)
	}

	// Within the first backoff window nothing is retried.
	clock = clock.Add(30 * time.Second)
	if res := f.queue.Flush(ctx); res != (FlushResult{}) {
		t.Errorf("entry retried before its backoff elapsed: %+v", res)
	}
	if f.network.Dials(relayA) != 1 {
		t.Errorf("expected no new dial, got %d", f.network.Dials(relayA))
	}

	// Second failure doubles the backoff to two minutes.
	clock = clock.Add(31 * time.Second)
	if res := f.queue.Flush(ctx); res.Failed != 1 {
		t.Fatalf("expected retry to fail again, got %+v", res)
	}
	clock = clock.Add(90 * time.Second)
	if res := f.queue.Flush(ctx); res != (FlushResult{}) {
		t.Errorf("entry retried before doubled backoff elapsed: %+v", res)
	}

	f.network.SetDialError(relayA, nil)
	clock = clock.Add(31 * time.Second)
	if res := f.queue.Flush(ctx); res.Delivered != 1 {
		t.Fatalf("expected delivery after recovery, got %+v", res)
	}
	if f.queue.Pending() != 0 {
		t.Errorf("expected empty queue, got %d", f.queue.Pending())
	}
}

func TestDispatchQueue_RetriesWithoutNewBlocks(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{
		Destinations:   []string{relayA},
		Debounce:       20 * time.Millisecond,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	})
	f.network.SetPublishError(relayA, errors.New("try later"))

	_ = f.queue.Enqueue(context.Background(), memory.Chain(3, 1, "a")[0])
	testutil.Eventually(t, 2*time.Second, func() bool { return f.network.Dials(relayA) >= 1 }, "first flush never ran")

	f.network.SetPublishError(relayA, nil)
	testutil.Eventually(t, 2*time.Second, func() bool { return f.queue.Pending() == 0 }, "entry was not retried")
	if len(f.network.Published(relayA)) != 1 {
		t.Errorf("expected one accepted publish, got %d", len(f.network.Published(relayA)))
	}
}

// --- Test: Restore ---

func TestDispatchQueue_RestoreSeedsDeliveredSet(t *testing.T) {
	f := newDispatchFixture(t, manualConfig())
	ctx := context.Background()
	block := memory.Chain(640000, 1, "a")[0]

	published, err := f.queue.ComposeEvent(block)
	if err != nil {
		t.Fatalf("ComposeEvent: %v", err)
	}
	f.network.Store(relayA, published)

	if n := f.queue.Restore(ctx); n != 1 {
		t.Fatalf("expected 1 restored pair, got %d", n)
	}
	for _, dest := range []string{relayA, relayB} {
		if f.network.OpenConns(dest) != 0 {
			t.Errorf("%s: restore session left open", dest)
		}
	}

	_ = f.queue.Enqueue(ctx, block)
	if f.queue.PendingFor(relayA) != 0 {
		t.Errorf("restored event re-enqueued for %s", relayA)
	}
	if f.queue.PendingFor(relayB) != 1 {
		t.Errorf("expected pending entry for %s", relayB)
	}

	f.queue.Flush(ctx)
	if len(f.network.Published(relayA)) != 0 {
		t.Errorf("restored event delivered again to %s", relayA)
	}
	if len(f.network.Published(relayB)) != 1 {
		t.Errorf("expected delivery to %s", relayB)
	}
}

func TestDispatchQueue_RestoreIgnoresForeignAndForgedEvents(t *testing.T) {
	f := newDispatchFixture(t, manualConfig())
	ctx := context.Background()
	block := memory.Chain(10, 1, "a")[0]

	genuine, _ := f.queue.ComposeEvent(block)

	forged := genuine
	forged.Tags = []entity.Tag{{entity.TagHash, "ff"}, {entity.TagHeight, "11"}}

	other, _ := nostr.NewSigner("0000000000000000000000000000000000000000000000000000000000000002")
	foreign, _ := other.Sign(entity.BlockEventPayload(block))

	f.network.Store(relayA, forged, foreign)

	if n := f.queue.Restore(ctx); n != 0 {
		t.Errorf("expected nothing restored, got %d", n)
	}
	if delivered, _ := f.log.IsDelivered(ctx, relayA, forged.ID); delivered {
		t.Error("forged event trusted")
	}
}

func TestDispatchQueue_RestoreSwallowsDestinationErrors(t *testing.T) {
	f := newDispatchFixture(t, manualConfig())
	ctx := context.Background()
	block := memory.Chain(10, 1, "a")[0]
	genuine, _ := f.queue.ComposeEvent(block)

	f.network.SetDialError(relayA, errors.New("down"))
	f.network.Store(relayB, genuine)

	if n := f.queue.Restore(ctx); n != 1 {
		t.Errorf("expected relay B to be restored despite relay A failing, got %d", n)
	}
}

func TestDispatchQueue_RestoreDropsPendingEntries(t *testing.T) {
	f := newDispatchFixture(t, manualConfig())
	ctx := context.Background()
	block := memory.Chain(10, 1, "a")[0]

	_ = f.queue.Enqueue(ctx, block)
	genuine, _ := f.queue.ComposeEvent(block)
	f.network.Store(relayB, genuine)

	f.queue.Restore(ctx)
	if f.queue.PendingFor(relayB) != 0 || f.queue.PendingFor(relayA) != 1 {
		t.Errorf("unexpected pending counts A=%d B=%d", f.queue.PendingFor(relayA), f.queue.PendingFor(relayB))
	}
}

// --- Test: Lifecycle ---

func TestDispatchQueue_StopCancelsTimer(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{Debounce: 30 * time.Millisecond})
	ctx := context.Background()

	_ = f.queue.Enqueue(ctx, memory.Chain(1, 1, "a")[0])
	f.queue.Stop()

	testutil.Never(t, 150*time.Millisecond, func() bool { return f.network.Dials(relayA) > 0 }, "flush fired after Stop")

	if err := f.queue.Enqueue(ctx, memory.Chain(2, 1, "a")[0]); !errors.Is(err, entity.ErrDispatch) {
		t.Errorf("expected ErrDispatch after Stop, got %v", err)
	}

	// An explicit flush still drains what is pending.
	if res := f.queue.Flush(ctx); res.Delivered != 2 {
		t.Errorf("expected final flush to deliver 2, got %+v", res)
	}
}

func TestDispatchQueue_NoDestinations(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{Destinations: []string{}, Debounce: 10 * time.Millisecond})
	if err := f.queue.Enqueue(context.Background(), memory.Chain(1, 1, "a")[0]); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if f.queue.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", f.queue.Pending())
	}
}

func TestNewDispatchQueue_RequiresCollaborators(t *testing.T) {
	signer, _ := nostr.NewSigner(testSecretKey)
	network := memory.NewRelayNetwork()
	log := memory.NewDeliveryLog()

	if _, err := NewDispatchQueue(DispatchConfig{}, nil, network, log); err == nil {
		t.Error("expected error for nil signer")
	}
	if _, err := NewDispatchQueue(DispatchConfig{}, signer, nil, log); err == nil {
		t.Error("expected error for nil dialer")
	}
	if _, err := NewDispatchQueue(DispatchConfig{}, signer, network, nil); err == nil {
		t.Error("expected error for nil delivery log")
	}
}
