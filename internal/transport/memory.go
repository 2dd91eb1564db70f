package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/martam/internal/proto"
)

// memInboxSize bounds how many frames a link buffers before Send fails.
const memInboxSize = 256

// Hub is an in-process fabric connecting memory endpoints. It stands in
// for the real network in tests: Dial works by canonical ID, announces
// reach every attached endpoint.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*MemEndpoint
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*MemEndpoint)}
}

// Endpoint attaches a peer to the hub under its canonical ID.
func (h *Hub) Endpoint(canonicalID, displayName string) *MemEndpoint {
	ep := &MemEndpoint{
		hub:  h,
		id:   canonicalID,
		name: displayName,
	}
	h.mu.Lock()
	h.peers[canonicalID] = ep
	h.mu.Unlock()
	return ep
}

func (h *Hub) lookup(id string) *MemEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[id]
}

func (h *Hub) detach(ep *MemEndpoint) {
	h.mu.Lock()
	if h.peers[ep.id] == ep {
		delete(h.peers, ep.id)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(from *MemEndpoint, a proto.PresenceAnnounce) {
	h.mu.Lock()
	targets := make([]*MemEndpoint, 0, len(h.peers))
	for _, ep := range h.peers {
		if ep != from {
			targets = append(targets, ep)
		}
	}
	h.mu.Unlock()

	for _, ep := range targets {
		ep.deliverAnnounce(a)
	}
}

// MemEndpoint implements Endpoint over the hub.
type MemEndpoint struct {
	hub  *Hub
	id   string
	name string

	mu        sync.Mutex
	closed    bool
	inboundH  func(Conn)
	announceH func(proto.PresenceAnnounce)
}

func (e *MemEndpoint) LocalID() string   { return e.id }
func (e *MemEndpoint) LocalName() string { return e.name }

func (e *MemEndpoint) SetInboundHandler(h func(Conn)) {
	e.mu.Lock()
	e.inboundH = h
	e.mu.Unlock()
}

func (e *MemEndpoint) SetAnnounceHandler(h func(proto.PresenceAnnounce)) {
	e.mu.Lock()
	e.announceH = h
	e.mu.Unlock()
}

func (e *MemEndpoint) Dial(ctx context.Context, canonicalID string) (Conn, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := e.hub.lookup(canonicalID)
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, canonicalID)
	}

	p := &memPipe{
		aInbox: make(chan proto.Frame, memInboxSize),
		bInbox: make(chan proto.Frame, memInboxSize),
	}
	caller := &memConn{pipe: p, side: sideA, remoteID: target.id, remoteName: target.name}
	callee := &memConn{pipe: p, side: sideB, remoteID: e.id, remoteName: e.name}

	target.mu.Lock()
	closed, inbound := target.closed, target.inboundH
	target.mu.Unlock()
	if closed || inbound == nil {
		p.close()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, canonicalID)
	}

	go inbound(callee)
	return caller, nil
}

func (e *MemEndpoint) Announce(ctx context.Context, a proto.PresenceAnnounce) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()
	e.hub.broadcast(e, a)
	return nil
}

func (e *MemEndpoint) deliverAnnounce(a proto.PresenceAnnounce) {
	e.mu.Lock()
	h := e.announceH
	closed := e.closed
	e.mu.Unlock()
	if h != nil && !closed {
		h(a)
	}
}

func (e *MemEndpoint) Addrs() (string, []string) {
	return "mem-" + e.id, nil
}

func (e *MemEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.hub.detach(e)
	return nil
}

type connSide int

const (
	sideA connSide = iota
	sideB
)

// memPipe is the shared state of one in-memory link. Closing it closes
// both inboxes, which is how each side observes the disconnect.
type memPipe struct {
	mu     sync.Mutex
	closed bool
	aInbox chan proto.Frame
	bInbox chan proto.Frame
}

func (p *memPipe) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.aInbox)
		close(p.bInbox)
	}
	p.mu.Unlock()
}

type memConn struct {
	pipe       *memPipe
	side       connSide
	remoteID   string
	remoteName string
}

func (c *memConn) RemoteID() string   { return c.remoteID }
func (c *memConn) RemoteName() string { return c.remoteName }

func (c *memConn) Send(f proto.Frame) error {
	c.pipe.mu.Lock()
	defer c.pipe.mu.Unlock()
	if c.pipe.closed {
		return ErrClosed
	}
	out := c.pipe.bInbox
	if c.side == sideB {
		out = c.pipe.aInbox
	}
	select {
	case out <- f:
		return nil
	default:
		return fmt.Errorf("link backlogged: %w", ErrClosed)
	}
}

func (c *memConn) Frames() <-chan proto.Frame {
	if c.side == sideA {
		return c.pipe.aInbox
	}
	return c.pipe.bInbox
}

func (c *memConn) Close() error {
	c.pipe.close()
	return nil
}
