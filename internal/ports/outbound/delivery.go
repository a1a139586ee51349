package outbound

import "context"

// DeliveryLog records which events have been delivered to which destination.
// Delivery is tracked per (event id, destination) pair.
type DeliveryLog interface {
	// IsDelivered reports whether eventID was already delivered to destination.
	IsDelivered(ctx context.Context, destination, eventID string) (bool, error)

	// MarkDelivered records eventID as delivered to destination.
	MarkDelivered(ctx context.Context, destination string, eventIDs ...string) error

	// Close releases any resources held by the log.
	Close() error
}
