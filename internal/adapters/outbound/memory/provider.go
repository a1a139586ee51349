// provider.go provides a scripted in-memory BlockProvider.
//
// Tests use it to stand in for REST providers: blocks are registered up
// front, and errors or latency can be injected to exercise abstention,
// timeouts and consensus splits.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

// Compile-time check that Provider implements outbound.BlockProvider
var _ outbound.BlockProvider = (*Provider)(nil)

// Provider is a scripted block source.
type Provider struct {
	mu       sync.RWMutex
	height   uint64
	byHeight map[uint64]entity.Block
	byHash   map[string]uint64
	err      error
	delay    time.Duration

	heightCalls int
	blockCalls  int
}

// NewProvider creates a provider serving blocks.
func NewProvider(blocks ...entity.Block) *Provider {
	p := &Provider{
		byHeight: make(map[uint64]entity.Block),
		byHash:   make(map[string]uint64),
	}
	p.AddBlocks(blocks...)
	return p
}

// AddBlocks registers blocks, replacing any previous block at the same
// height, and raises the reported tip to the highest one.
func (p *Provider) AddBlocks(blocks ...entity.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range blocks {
		if old, ok := p.byHeight[b.Height]; ok {
			delete(p.byHash, old.Hash)
		}
		p.byHeight[b.Height] = b
		p.byHash[b.Hash] = b.Height
		p.height = max(p.height, b.Height)
	}
}

// SetHeight overrides the reported tip height.
func (p *Provider) SetHeight(h uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.height = h
}

// SetError makes every subsequent call fail with err. nil clears it.
func (p *Provider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// SetDelay makes every call wait d (or until its context is done) before answering.
func (p *Provider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Calls returns how many GetHeight and GetBlock calls were made.
func (p *Provider) Calls() (height, block int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.heightCalls, p.blockCalls
}

// GetHeight returns the scripted tip height.
func (p *Provider) GetHeight(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	p.heightCalls++
	h, err, delay := p.height, p.err, p.delay
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	return h, nil
}

// GetBlock returns the registered block addressed by ref.
func (p *Provider) GetBlock(ctx context.Context, ref entity.BlockRef) (*entity.Block, error) {
	p.mu.Lock()
	p.blockCalls++
	err, delay := p.err, p.delay
	var (
		b  entity.Block
		ok bool
	)
	if ref.IsHash() {
		var h uint64
		if h, ok = p.byHash[ref.Hash()]; ok {
			b = p.byHeight[h]
		}
	} else {
		b, ok = p.byHeight[ref.Height()]
	}
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: block %s not found", entity.ErrProvider, ref)
	}
	return &b, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Chain builds count correctly chained blocks starting at height from.
// Hashes are derived from the height and a salt, so two chains with
// different salts disagree at every height.
func Chain(from, count uint64, salt string) []entity.Block {
	blocks := make([]entity.Block, 0, count)
	for i := uint64(0); i < count; i++ {
		h := from + i
		var parent string
		if h > 0 {
			parent = ChainHash(h-1, salt)
		}
		blocks = append(blocks, entity.Block{
			Height:     h,
			Hash:       ChainHash(h, salt),
			Timestamp:  1_600_000_000 + int64(h)*600,
			ParentHash: parent,
		})
	}
	return blocks
}

// ChainHash is the hash Chain assigns to height h.
func ChainHash(h uint64, salt string) string {
	return fmt.Sprintf("%s%060x", padSalt(salt), h)
}

func padSalt(salt string) string {
	const width = 4
	if len(salt) >= width {
		return salt[:width]
	}
	return salt + "0000"[:width-len(salt)]
}
