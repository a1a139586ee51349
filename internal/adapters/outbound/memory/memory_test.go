package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
)

// --- Test: DeliveryLog ---

func TestDeliveryLog_TracksPairsPerDestination(t *testing.T) {
	ctx := context.Background()
	log := NewDeliveryLog()

	if err := log.MarkDelivered(ctx, "wss://a", "e1", "e2"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	tests := []struct {
		dest, id string
		want     bool
	}{
		{"wss://a", "e1", true},
		{"wss://a", "e2", true},
		{"wss://a", "e3", false},
		{"wss://b", "e1", false},
	}
	for _, tt := range tests {
		got, err := log.IsDelivered(ctx, tt.dest, tt.id)
		if err != nil {
			t.Fatalf("IsDelivered: %v", err)
		}
		if got != tt.want {
			t.Errorf("IsDelivered(%s, %s) = %v, want %v", tt.dest, tt.id, got, tt.want)
		}
	}
	if log.Count("wss://a") != 2 {
		t.Errorf("expected 2 delivered for wss://a, got %d", log.Count("wss://a"))
	}
}

// --- Test: Provider ---

func TestProvider_ServesChain(t *testing.T) {
	ctx := context.Background()
	p := NewProvider(Chain(10, 5, "a")...)

	h, err := p.GetHeight(ctx)
	if err != nil || h != 14 {
		t.Fatalf("GetHeight = %d, %v; want 14", h, err)
	}

	b, err := p.GetBlock(ctx, entity.RefHeight(12))
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if b.Hash != ChainHash(12, "a") || b.ParentHash != ChainHash(11, "a") {
		t.Errorf("unexpected block %+v", b)
	}

	byHash, err := p.GetBlock(ctx, entity.RefHash(ChainHash(13, "a")))
	if err != nil || byHash.Height != 13 {
		t.Errorf("GetBlock by hash = %+v, %v", byHash, err)
	}

	if _, err := p.GetBlock(ctx, entity.RefHeight(99)); !errors.Is(err, entity.ErrProvider) {
		t.Errorf("expected ErrProvider for unknown height, got %v", err)
	}
}

func TestProvider_InjectedError(t *testing.T) {
	p := NewProvider(Chain(0, 1, "a")...)
	boom := errors.New("boom")
	p.SetError(boom)

	if _, err := p.GetHeight(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	if hc, bc := p.Calls(); hc != 1 || bc != 0 {
		t.Errorf("unexpected call counts %d/%d", hc, bc)
	}
}

func TestChain_DifferentSaltsDisagree(t *testing.T) {
	if ChainHash(5, "a") == ChainHash(5, "b") {
		t.Error("expected different hashes for different salts")
	}
	if len(ChainHash(5, "a")) != 64 {
		t.Errorf("expected 64-char hash, got %d", len(ChainHash(5, "a")))
	}
}

// --- Test: RelayNetwork ---

func TestRelayNetwork_PublishAndQuery(t *testing.T) {
	ctx := context.Background()
	n := NewRelayNetwork()

	conn, err := n.Dial(ctx, "wss://a")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	mine := entity.Event{ID: "e1", PubKey: "me", Kind: entity.KindBlockTime}
	theirs := entity.Event{ID: "e2", PubKey: "other", Kind: entity.KindBlockTime}
	if err := conn.Publish(ctx, mine); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	n.Store("wss://a", theirs)

	got, err := conn.QueryStored(ctx, entity.EventFilter{Kinds: []int{entity.KindBlockTime}, Authors: []string{"me"}})
	if err != nil {
		t.Fatalf("QueryStored: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("unexpected query result %+v", got)
	}

	if n.OpenConns("wss://a") != 1 {
		t.Errorf("expected 1 open conn")
	}
	_ = conn.Close()
	if n.OpenConns("wss://a") != 0 {
		t.Errorf("expected 0 open conns after Close")
	}
	if err := conn.Publish(ctx, mine); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed, got %v", err)
	}
}

func TestRelayNetwork_DialError(t *testing.T) {
	n := NewRelayNetwork()
	n.SetDialError("wss://down", errors.New("refused"))

	if _, err := n.Dial(context.Background(), "wss://down"); err == nil {
		t.Fatal("expected dial error")
	}
	if n.Dials("wss://down") != 1 {
		t.Errorf("expected dial to be counted")
	}
}
