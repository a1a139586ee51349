// relay.go provides an in-memory publish/subscribe network for testing.
//
// RelayNetwork implements RelayDialer. Each URL maps to a fake relay that
// stores published events, answers stored-event queries, and can be told to
// refuse connections or reject publishes. Counters expose how many sessions
// were opened and whether they were closed.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

// Compile-time checks
var (
	_ outbound.RelayDialer = (*RelayNetwork)(nil)
	_ outbound.RelayConn   = (*relayConn)(nil)
)

// ErrConnClosed is returned by a connection used after Close.
var ErrConnClosed = errors.New("connection closed")

// RelayNetwork is a set of fake relays addressed by URL.
type RelayNetwork struct {
	mu     sync.Mutex
	relays map[string]*fakeRelay
}

type fakeRelay struct {
	stored     []entity.Event
	published  []entity.Event
	dials      int
	open       int
	dialErr    error
	publishErr error
	queryErr   error
}

// NewRelayNetwork creates an empty network. Relays are created on first use.
func NewRelayNetwork() *RelayNetwork {
	return &RelayNetwork{relays: make(map[string]*fakeRelay)}
}

// relay must be called with mu held.
func (n *RelayNetwork) relay(url string) *fakeRelay {
	r, ok := n.relays[url]
	if !ok {
		r = &fakeRelay{}
		n.relays[url] = r
	}
	return r
}

// Dial opens a session to url.
func (n *RelayNetwork) Dial(ctx context.Context, url string) (outbound.RelayConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	r := n.relay(url)
	r.dials++
	if r.dialErr != nil {
		return nil, fmt.Errorf("dial %s: %w", url, r.dialErr)
	}
	r.open++
	return &relayConn{network: n, url: url}, nil
}

// SetDialError makes dials to url fail with err. nil clears it.
func (n *RelayNetwork) SetDialError(url string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.relay(url).dialErr = err
}

// SetPublishError makes publishes to url fail with err. nil clears it.
func (n *RelayNetwork) SetPublishError(url string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.relay(url).publishErr = err
}

// SetQueryError makes stored-event queries on url fail with err. nil clears it.
func (n *RelayNetwork) SetQueryError(url string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.relay(url).queryErr = err
}

// Store seeds url with previously stored events.
func (n *RelayNetwork) Store(url string, events ...entity.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r := n.relay(url)
	r.stored = append(r.stored, events...)
}

// Published returns the events accepted by url, in publish order.
func (n *RelayNetwork) Published(url string) []entity.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.relay(url).published)
}

// Dials returns how many sessions were opened (or attempted) to url.
func (n *RelayNetwork) Dials(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.relay(url).dials
}

// OpenConns returns how many sessions to url are still open.
func (n *RelayNetwork) OpenConns(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.relay(url).open
}

type relayConn struct {
	network *RelayNetwork
	url     string
	closed  bool
}

func (c *relayConn) Publish(ctx context.Context, event entity.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.network.mu.Lock()
	defer c.network.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	r := c.network.relay(c.url)
	if r.publishErr != nil {
		return fmt.Errorf("publish %s: %w", event.ID, r.publishErr)
	}
	r.published = append(r.published, event)
	r.stored = append(r.stored, event)
	return nil
}

func (c *relayConn) QueryStored(ctx context.Context, filter entity.EventFilter) ([]entity.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.network.mu.Lock()
	defer c.network.mu.Unlock()

	if c.closed {
		return nil, ErrConnClosed
	}
	r := c.network.relay(c.url)
	if r.queryErr != nil {
		return nil, r.queryErr
	}

	var out []entity.Event
	for _, e := range r.stored {
		if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, e.Kind) {
			continue
		}
		if len(filter.Authors) > 0 && !slices.Contains(filter.Authors, e.PubKey) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *relayConn) Close() error {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.network.relay(c.url).open--
	return nil
}
