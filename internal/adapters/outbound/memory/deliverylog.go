// deliverylog.go provides an in-memory implementation of DeliveryLog.
//
// This is the default delivery log when no Redis address is configured. It is
// seeded on startup by DispatchQueue.Restore from the destinations themselves,
// so losing it on restart costs at most one redundant publish per event.
package memory

import (
	"context"
	"sync"

	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

// Compile-time check that DeliveryLog implements outbound.DeliveryLog
var _ outbound.DeliveryLog = (*DeliveryLog)(nil)

// DeliveryLog tracks delivered (destination, event id) pairs in memory.
type DeliveryLog struct {
	mu        sync.RWMutex
	delivered map[string]map[string]struct{} // destination -> event ids
}

// NewDeliveryLog creates an empty delivery log.
func NewDeliveryLog() *DeliveryLog {
	return &DeliveryLog{
		delivered: make(map[string]map[string]struct{}),
	}
}

// IsDelivered reports whether eventID was delivered to destination.
func (l *DeliveryLog) IsDelivered(ctx context.Context, destination, eventID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.delivered[destination][eventID]
	return ok, nil
}

// MarkDelivered records eventIDs as delivered to destination.
func (l *DeliveryLog) MarkDelivered(ctx context.Context, destination string, eventIDs ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids, ok := l.delivered[destination]
	if !ok {
		ids = make(map[string]struct{}, len(eventIDs))
		l.delivered[destination] = ids
	}
	for _, id := range eventIDs {
		ids[id] = struct{}{}
	}
	return nil
}

// Count returns the number of delivered pairs for destination.
func (l *DeliveryLog) Count(destination string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.delivered[destination])
}

// Close is a no-op.
func (l *DeliveryLog) Close() error {
	return nil
}
