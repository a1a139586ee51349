package nostr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

// Compile-time checks
var (
	_ outbound.RelayDialer = (*Dialer)(nil)
	_ outbound.RelayConn   = (*Conn)(nil)
)

// ErrRejected is returned by Publish when the relay answers OK=false.
var ErrRejected = errors.New("event rejected by relay")

var subscriptionCounter atomic.Uint64

// Dialer opens websocket sessions to relays.
type Dialer struct {
	config DialerConfig
	ws     *websocket.Dialer
}

// NewDialer creates a relay dialer.
func NewDialer(config DialerConfig) *Dialer {
	config.applyDefaults()
	return &Dialer{
		config: config,
		ws: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// Dial connects to the relay at url.
func (d *Dialer) Dial(ctx context.Context, url string) (outbound.RelayConn, error) {
	ws, _, err := d.ws.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	return &Conn{
		config: d.config,
		url:    url,
		ws:     ws,
		logger: d.config.Logger.With("component", "relay-conn", "relay", url),
	}, nil
}

// Conn is a single relay session. It is not safe for concurrent use.
type Conn struct {
	config DialerConfig
	url    string
	ws     *websocket.Conn
	logger *slog.Logger

	// err is sticky: once a read or write fails the session is unusable.
	err error
}

// Publish sends event and waits for the relay's OK for it.
func (c *Conn) Publish(ctx context.Context, event entity.Event) error {
	env := gonostr.EventEnvelope{Event: toWire(event)}
	if err := c.write(ctx, &env); err != nil {
		return err
	}

	for {
		msg, err := c.read(ctx)
		if err != nil {
			return fmt.Errorf("waiting for OK on %s: %w", truncateID(event.ID), err)
		}

		switch v := msg.(type) {
		case *gonostr.OKEnvelope:
			if v.EventID != event.ID {
				continue
			}
			if !v.OK {
				return fmt.Errorf("%w: %s", ErrRejected, v.Reason)
			}
			c.logger.Debug("event accepted", "eventID", truncateID(event.ID), "reason", v.Reason)
			return nil
		case *gonostr.NoticeEnvelope:
			c.logger.Info("relay notice", "notice", string(*v))
		}
	}
}

// QueryStored subscribes with filter, collects stored events until the relay
// signals end of stored events, then closes the subscription.
func (c *Conn) QueryStored(ctx context.Context, filter entity.EventFilter) ([]entity.Event, error) {
	subID := fmt.Sprintf("timeserver-%d", subscriptionCounter.Add(1))

	req := gonostr.ReqEnvelope{
		SubscriptionID: subID,
		Filters: gonostr.Filters{{
			Kinds:   filter.Kinds,
			Authors: filter.Authors,
		}},
	}
	if err := c.write(ctx, &req); err != nil {
		return nil, err
	}

	var events []entity.Event
	for {
		msg, err := c.read(ctx)
		if err != nil {
			return events, fmt.Errorf("reading stored events: %w", err)
		}

		switch v := msg.(type) {
		case *gonostr.EventEnvelope:
			if v.SubscriptionID == nil || *v.SubscriptionID != subID {
				continue
			}
			events = append(events, fromWire(v.Event))
			if len(events) >= c.config.MaxStoredEvents {
				c.logger.Warn("stored event limit reached", "limit", c.config.MaxStoredEvents)
				c.closeSubscription(ctx, subID)
				return events, nil
			}
		case *gonostr.EOSEEnvelope:
			if string(*v) != subID {
				continue
			}
			c.closeSubscription(ctx, subID)
			return events, nil
		case *gonostr.ClosedEnvelope:
			if v.SubscriptionID != subID {
				continue
			}
			return events, fmt.Errorf("subscription closed by relay: %s", v.Reason)
		case *gonostr.NoticeEnvelope:
			c.logger.Info("relay notice", "notice", string(*v))
		}
	}
}

func (c *Conn) closeSubscription(ctx context.Context, subID string) {
	env := gonostr.CloseEnvelope(subID)
	if err := c.write(ctx, &env); err != nil {
		c.logger.Debug("failed to close subscription", "subscription", subID, "error", err)
	}
}

// Close closes the websocket, sending a close frame first.
func (c *Conn) Close() error {
	if err := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	); err != nil {
		c.logger.Debug("failed to send close frame", "error", err)
	}
	return c.ws.Close()
}

type marshaler interface {
	MarshalJSON() ([]byte, error)
}

func (c *Conn) write(ctx context.Context, env marshaler) error {
	if c.err != nil {
		return c.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	if err := c.ws.SetWriteDeadline(c.deadline(ctx, c.config.WriteTimeout)); err != nil {
		c.err = fmt.Errorf("failed to set write deadline: %w", err)
		return c.err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.err = fmt.Errorf("writing to %s: %w", c.url, err)
		return c.err
	}
	return nil
}

// read returns the next parseable message. Unknown frames are skipped.
func (c *Conn) read(ctx context.Context) (gonostr.Envelope, error) {
	if c.err != nil {
		return nil, c.err
	}

	if err := c.ws.SetReadDeadline(c.deadline(ctx, c.config.ReadTimeout)); err != nil {
		c.err = fmt.Errorf("failed to set read deadline: %w", err)
		return nil, c.err
	}
	// Cancellation without a deadline still has to unblock the read.
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			c.err = fmt.Errorf("reading from %s: %w", c.url, err)
			return nil, c.err
		}

		msg := gonostr.ParseMessage(data)
		if msg == nil {
			c.logger.Debug("skipping unparseable message", "size", len(data))
			continue
		}
		return msg, nil
	}
}

func (c *Conn) deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}
