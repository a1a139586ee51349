// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
)

// BlockProvider is the capability the ledger needs from an external source of
// block data. Individual REST providers implement it, and so does the
// aggregator that reconciles several of them.
type BlockProvider interface {
	// GetHeight returns the current chain tip height.
	GetHeight(ctx context.Context) (uint64, error)

	// GetBlock returns the block addressed by ref (height or hash).
	GetBlock(ctx context.Context, ref entity.BlockRef) (*entity.Block, error)
}
