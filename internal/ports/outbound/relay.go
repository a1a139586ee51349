package outbound

import (
	"context"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
)

// EventSigner turns an unsigned payload into a signed, immutable event.
// The resulting ID must be a deterministic function of the payload and key.
type EventSigner interface {
	// PublicKey returns the hex-encoded public key events are signed with.
	PublicKey() string

	// Sign fills PubKey, ID and Sig on a copy of the payload.
	Sign(payload entity.Event) (entity.Event, error)

	// Verify checks that event's ID matches its payload and that Sig is a
	// valid signature by event.PubKey.
	Verify(event entity.Event) error
}

// RelayDialer opens short-lived sessions to publish/subscribe destinations.
type RelayDialer interface {
	// Dial connects to the destination at url.
	Dial(ctx context.Context, url string) (RelayConn, error)
}

// RelayConn is a single connection to a destination. A connection is used by
// one delivery session at a time and is not safe for concurrent use.
type RelayConn interface {
	// Publish sends a signed event and waits for the destination to accept or reject it.
	Publish(ctx context.Context, event entity.Event) error

	// QueryStored returns previously stored events matching filter, stopping at
	// the destination's end-of-stored-results marker.
	QueryStored(ctx context.Context, filter entity.EventFilter) ([]entity.Event, error)

	// Close releases the connection.
	Close() error
}
