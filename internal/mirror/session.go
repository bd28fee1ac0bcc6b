// Package mirror multiplexes every captured connection of one client session
// onto a single ordered stream of protocol messages.
//
// Two Session implementations share one capability: PassthroughSession
// mirrors traffic stolen by iptables redirections (forwarding it to the
// original destination while relaying a copy), and SnifferSession mirrors
// traffic observed by the raw-socket backend. The control-channel driver
// depends only on Session.
package mirror

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/0x00A5/mirrord/internal/classify"
	"github.com/0x00A5/mirrord/internal/protocol"
)

// Session is one client's view of the capture engine: client messages go in,
// an ordered stream of agent messages comes out.
type Session interface {
	// HandleClientMessage applies a subscription change requested by the
	// client. A returned error is fatal for the session.
	HandleClientMessage(msg protocol.ClientMessage) error

	// Recv blocks until the next outbound message is ready. A returned
	// error is fatal for the session.
	Recv(ctx context.Context) (protocol.AgentMessage, error)

	// Close releases the session's capture backend. Safe to call on every
	// shutdown path.
	Close()
}

// connEvent pairs a classifier event with its owning connection id on the
// session's fan-in channel.
type connEvent struct {
	id uint64
	ev classify.Event
}

// trackedConn is one entry of the session's connection table.
type trackedConn struct {
	// stop aborts event relaying for this connection. For passthrough
	// captures the underlying forwarding continues untouched.
	stop func()
}

// sessionCore is the state shared by both Session implementations:
// connection table, id allocation, the ordered outbound queue, and the
// per-connection event handling.
type sessionCore struct {
	mu    sync.Mutex
	ids   *connIDAllocator
	queue outboundQueue
	conns map[uint64]*trackedConn

	// events is the fan-in of every tracked connection's classifier
	// events. Per-connection order is preserved by the per-connection
	// pump; fairness across connections comes from channel scheduling.
	events chan connEvent

	// wake nudges a blocked Recv after a client message queued something.
	wake chan struct{}

	logger *logrus.Entry
}

func newSessionCore(logger *logrus.Entry) sessionCore {
	return sessionCore{
		ids:    newConnIDAllocator(),
		conns:  make(map[uint64]*trackedConn),
		events: make(chan connEvent),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// queueMessage appends to the outbound queue and wakes Recv.
func (c *sessionCore) queueMessage(m protocol.AgentMessage) {
	c.mu.Lock()
	c.queue.push(m)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// popQueued dequeues the oldest queued message, if any.
func (c *sessionCore) popQueued() (protocol.AgentMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.pop()
}

// track registers a connection and starts its event pump.
func (c *sessionCore) track(ctx context.Context, id uint64, stop func(), first classify.Event, events <-chan classify.Event) {
	c.mu.Lock()
	c.conns[id] = &trackedConn{stop: stop}
	c.mu.Unlock()

	go c.pump(ctx, id, first, events)
}

// pump relays one connection's events onto the fan-in channel, preserving
// their production order.
func (c *sessionCore) pump(ctx context.Context, id uint64, first classify.Event, events <-chan classify.Event) {
	if first != nil {
		select {
		case c.events <- connEvent{id: id, ev: first}:
		case <-ctx.Done():
			return
		}
	}
	for ev := range events {
		select {
		case c.events <- connEvent{id: id, ev: ev}:
		case <-ctx.Done():
			return
		}
	}
}

// unsubscribe drops a connection from the table. In-flight events for the id
// are discarded without error once the table entry is gone.
func (c *sessionCore) unsubscribe(id uint64) {
	c.mu.Lock()
	conn, ok := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()

	if ok && conn.stop != nil {
		conn.stop()
	}
}

// tracked reports whether id is still in the connection table.
func (c *sessionCore) tracked(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conns[id]
	return ok
}

// nextConnID allocates the next connection id.
func (c *sessionCore) nextConnID() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids.Next()
}

// handleConnEvent turns one classifier event into an outbound message.
// Returns ok=false when the event belongs to an unsubscribed connection and
// was discarded.
func (c *sessionCore) handleConnEvent(ce connEvent) (protocol.AgentMessage, bool) {
	if !c.tracked(ce.id) {
		return protocol.AgentMessage{}, false
	}

	switch ev := ce.ev.(type) {
	case classify.Data:
		m := protocol.NewAgentMessage(protocol.TypeData)
		m.Data = &protocol.Data{ConnectionID: ce.id, Bytes: ev.Bytes}
		return m, true

	case classify.EndOfData:
		// Empty bytes signal end-of-stream, the legacy convention.
		m := protocol.NewAgentMessage(protocol.TypeData)
		m.Data = &protocol.Data{ConnectionID: ce.id, Bytes: []byte{}}
		return m, true

	case classify.HTTPFrame:
		m := protocol.NewAgentMessage(protocol.TypeHTTPRequestChunked)
		body := &protocol.ChunkedHTTPRequest{
			ConnectionID: ce.id,
			RequestID:    protocol.MirroredRequestID,
			IsLast:       ev.Last,
		}
		if len(ev.Bytes) > 0 {
			body.Frames = [][]byte{ev.Bytes}
		}
		m.HTTPRequest = body
		return m, true

	case classify.Closed:
		c.unsubscribe(ce.id)
		if ev.Err != nil {
			// The close must follow the warning, so it goes through
			// the ordered queue.
			closeMsg := protocol.NewAgentMessage(protocol.TypeClose)
			closeMsg.Close = &protocol.Close{ConnectionID: ce.id}
			c.queueMessage(closeMsg)
			return protocol.LogAgentMessage(protocol.LogLevelWarn,
				fmt.Sprintf("mirrored connection %d failed: %s", ce.id, ev.Err)), true
		}
		m := protocol.NewAgentMessage(protocol.TypeClose)
		m.Close = &protocol.Close{ConnectionID: ce.id}
		return m, true

	default:
		// NewHTTPRequest is consumed during capture classification and
		// never reaches the fan-in.
		return protocol.AgentMessage{}, false
	}
}
