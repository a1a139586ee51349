// Package inbound contains the primary/inbound ports.
// These interfaces define the use cases that the application exposes.
package inbound

import "github.com/archon-research/stl-timeserver/internal/domain/entity"

// HealthChecker defines the interface for services that can report readiness and liveness.
//
// Implementations:
//   - TimeServer: ready after the first successful sync, healthy while syncs keep succeeding
type HealthChecker interface {
	// IsReady returns true when the service is ready to handle traffic.
	IsReady() bool

	// IsHealthy returns true when the service is operating normally.
	IsHealthy() bool
}

// BlockReader answers timestamp lookups against the committed ledger.
// A zero confirmations value disables the confirmation-depth check.
//
// Implementations:
//   - Ledger
type BlockReader interface {
	// Max returns the highest committed block.
	Max() (entity.Block, bool)


	ReadHeight(height uint64, confirmations uint64) (entity.Block, bool)
	ReadHash(hash string, confirmations uint64) (entity.Block, bool)
}
