// Package redis provides a Redis implementation of the DeliveryLog port.
//
// Delivered event ids are kept in one Redis set per destination, so the
// delivered set survives restarts without re-querying every relay. Keys have
// the form prefix:delivered:destination.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

// Compile-time check that DeliveryLog implements outbound.DeliveryLog
var _ outbound.DeliveryLog = (*DeliveryLog)(nil)

// Config holds Redis delivery log configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// TTL is refreshed on a destination's set whenever it is written. Zero keeps sets forever.
	TTL time.Duration
	// KeyPrefix is prepended to all keys
	KeyPrefix string
}

// ConfigDefaults returns sensible defaults for the Redis delivery log.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		TTL:       90 * 24 * time.Hour,
		KeyPrefix: "stl-timeserver",
	}
}

// DeliveryLog is a Redis implementation of the outbound.DeliveryLog port.
type DeliveryLog struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    *slog.Logger
}

// NewDeliveryLog creates a new Redis delivery log.
func NewDeliveryLog(cfg Config, logger *slog.Logger) (*DeliveryLog, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = ConfigDefaults().KeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "redis-delivery-log")

	return &DeliveryLog{
		client:    client,
		ttl:       cfg.TTL,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger,
	}, nil
}

// Ping checks the Redis connection.
func (l *DeliveryLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *DeliveryLog) Close() error {
	return l.client.Close()
}

// key generates the set key for a destination.
func (l *DeliveryLog) key(destination string) string {
	return fmt.Sprintf("%s:delivered:%s", l.keyPrefix, destination)
}

// IsDelivered reports whether eventID is in destination's delivered set.
func (l *DeliveryLog) IsDelivered(ctx context.Context, destination, eventID string) (bool, error) {
	ok, err := l.client.SIsMember(ctx, l.key(destination), eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check delivery: %w", err)
	}
	return ok, nil
}

// MarkDelivered adds eventIDs to destination's delivered set.
func (l *DeliveryLog) MarkDelivered(ctx context.Context, destination string, eventIDs ...string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	members := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		members[i] = id
	}

	key := l.key(destination)
	pipe := l.client.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	l.logger.Debug("recorded deliveries", "destination", destination, "count", len(eventIDs))
	return nil
}

// Count returns the size of destination's delivered set.
func (l *DeliveryLog) Count(ctx context.Context, destination string) (int64, error) {
	n, err := l.client.SCard(ctx, l.key(destination)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return n, nil
}
