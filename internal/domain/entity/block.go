// Package entity contains the core domain entities of the timeserver.
// These entities represent the fundamental business objects and have no external dependencies.
package entity

import (
	"strconv"
	"time"
)

// Block is a unit of the externally maintained chain observed by the timeserver.
type Block struct {
	// Height is the block's position in the chain.
	Height uint64 `json:"height"`

	// Hash uniquely identifies the block.
	Hash string `json:"hash"`

	// Timestamp is the block time in unix seconds.
	Timestamp int64 `json:"timestamp"`

	// ParentHash is the hash of the block at Height-1, when the provider reports it.
	ParentHash string `json:"parentHash,omitempty"`
}

// NewBlock creates a new Block with validation.
func NewBlock(height uint64, hash string, timestamp int64, parentHash string) (*Block, error) {
	b := &Block{
		Height:     height,
		Hash:       hash,
		Timestamp:  timestamp,
		ParentHash: parentHash,
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks that the block carries the fields required for insertion.
// Height zero is the genesis block and is always acceptable.
func (b Block) Validate() error {
	if b.Hash == "" {
		return &ValidationError{Field: "hash", Reason: "must not be empty"}
	}
	if b.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Reason: "must be positive, got " + strconv.FormatInt(b.Timestamp, 10)}
	}
	return nil
}

// Time returns the block timestamp as a time.Time in UTC.
func (b Block) Time() time.Time {
	return time.Unix(b.Timestamp, 0).UTC()
}

// Summary drops the parent hash, which is only meaningful during insertion.
func (b Block) Summary() Block {
	return Block{Height: b.Height, Hash: b.Hash, Timestamp: b.Timestamp}
}

// BlockRef addresses a block either by height or by hash.
type BlockRef struct {
	height uint64
	hash   string
}

// RefHeight addresses the block at the given height.
func RefHeight(height uint64) BlockRef {
	return BlockRef{height: height}
}

// RefHash addresses the block with the given hash.
func RefHash(hash string) BlockRef {
	return BlockRef{hash: hash}
}

// IsHash reports whether the reference is by hash.
func (r BlockRef) IsHash() bool { return r.hash != "" }

// Height returns the referenced height. Only meaningful when IsHash is false.
func (r BlockRef) Height() uint64 { return r.height }

// Hash returns the referenced hash. Only meaningful when IsHash is true.
func (r BlockRef) Hash() string { return r.hash }

func (r BlockRef) String() string {
	if r.IsHash() {
		return "hash:" + r.hash
	}
	return "height:" + strconv.FormatUint(r.height, 10)
}

// Matches reports whether the block is the one addressed by the reference.
func (r BlockRef) Matches(b Block) bool {
	if r.IsHash() {
		return b.Hash == r.hash
	}
	return b.Height == r.height
}
