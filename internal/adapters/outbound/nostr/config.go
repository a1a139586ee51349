package nostr

import (
	"log/slog"
	"time"
)

// Default configuration values for relay sessions.
const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadTimeout      = 30 * time.Second
	defaultMaxStoredEvents  = 10000
)

// DialerConfig holds the configuration for relay sessions.
type DialerConfig struct {
	// HandshakeTimeout bounds the websocket handshake.
	// Defaults to 10 seconds if not set.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame written to the relay.
	// Defaults to 10 seconds if not set.
	WriteTimeout time.Duration

	// ReadTimeout bounds the wait for a relay reply when the caller's context
	// has no deadline. Defaults to 30 seconds if not set.
	ReadTimeout time.Duration

	// MaxStoredEvents caps how many stored events a single query collects
	// before giving up on the end-of-stored-events marker.
	// Defaults to 10000 if not set.
	MaxStoredEvents int

	// Logger is the structured logger.
	// If not set, a default logger will be used.
	Logger *slog.Logger
}

// applyDefaults sets default values for unset configuration fields.
func (c *DialerConfig) applyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.MaxStoredEvents == 0 {
		c.MaxStoredEvents = defaultMaxStoredEvents
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
