// Package registry maintains at most one live link per remote peer. It
// dials on demand, adopts inbound links, and pumps every link's frames
// to a single handler. When both sides dial each other at once the
// later-established link wins and the replaced one is torn down
// without a disconnect event.
package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/martam/internal/proto"
	"github.com/petervdpas/martam/internal/transport"
	"github.com/petervdpas/martam/internal/util"
)

var (
	// ErrConnectionFailed means a dial did not produce a usable link.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected means no open link exists for the peer.
	ErrNotConnected = errors.New("peer not connected")

	// ErrClosed means the registry has been shut down.
	ErrClosed = errors.New("registry closed")
)

// State of one registry entry.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

type entry struct {
	state State
	conn  transport.Conn
	name  string
	gen   uint64 // bumped on every adopt; stale pumps must not emit events
}

// Manager is the connection registry.
type Manager struct {
	ep          transport.Endpoint
	dialTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64
	closed  bool

	connectedLs    []func(remoteID, displayName string)
	disconnectedLs []func(remoteID string)
	failedLs       []func(remoteID string, err error)
	frameH         func(remoteID string, f proto.Frame)

	wg sync.WaitGroup
}

// New creates a registry on the endpoint and installs itself as the
// endpoint's inbound handler.
func New(ep transport.Endpoint) *Manager {
	m := &Manager{
		ep:          ep,
		dialTimeout: util.DefaultDialTimeout,
		entries:     make(map[string]*entry),
	}
	ep.SetInboundHandler(m.adopt)
	return m
}

// OnConnected registers a listener for links entering the open state.
// Listeners run on registry goroutines and must not block.
func (m *Manager) OnConnected(fn func(remoteID, displayName string)) {
	m.mu.Lock()
	m.connectedLs = append(m.connectedLs, fn)
	m.mu.Unlock()
}

// OnDisconnected registers a listener for links that died. It does not
// fire for links replaced by a newer one to the same peer, nor during
// CloseAll.
func (m *Manager) OnDisconnected(fn func(remoteID string)) {
	m.mu.Lock()
	m.disconnectedLs = append(m.disconnectedLs, fn)
	m.mu.Unlock()
}

// OnConnectFailed registers a listener for dials that never produced a
// link.
func (m *Manager) OnConnectFailed(fn func(remoteID string, err error)) {
	m.mu.Lock()
	m.failedLs = append(m.failedLs, fn)
	m.mu.Unlock()
}

// SetFrameHandler installs the sink for all inbound frames. One handler
// serves every link; frames from one link arrive in order.
func (m *Manager) SetFrameHandler(h func(remoteID string, f proto.Frame)) {
	m.mu.Lock()
	m.frameH = h
	m.mu.Unlock()
}

// EnsureConnection makes sure a link to remoteID exists or is being
// established. Non-blocking: the result arrives via OnConnected or
// OnConnectFailed.
func (m *Manager) EnsureConnection(remoteID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if e, ok := m.entries[remoteID]; ok && (e.state == StateConnecting || e.state == StateOpen) {
		m.mu.Unlock()
		return nil
	}
	m.entries[remoteID] = &entry{state: StateConnecting}
	m.wg.Add(1) // under the lock so CloseAll cannot Wait concurrently
	m.mu.Unlock()

	go m.dial(remoteID)
	return nil
}

func (m *Manager) dial(remoteID string) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()

	conn, err := m.ep.Dial(ctx, remoteID)
	if err != nil {
		m.mu.Lock()
		if e, ok := m.entries[remoteID]; ok && e.state == StateConnecting {
			delete(m.entries, remoteID)
		}
		failed := append([]func(string, error){}, m.failedLs...)
		m.mu.Unlock()

		log.Printf("REG: dial %s failed: %v", remoteID, err)
		werr := errors.Join(ErrConnectionFailed, err)
		for _, fn := range failed {
			fn(remoteID, werr)
		}
		return
	}

	m.adopt(conn)
}

// adopt installs a freshly established link, replacing any previous link
// to the same peer. Registered as the endpoint's inbound handler, also
// the tail of every successful dial.
func (m *Manager) adopt(conn transport.Conn) {
	remoteID := conn.RemoteID()
	if remoteID == "" {
		conn.Close()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}

	var replaced transport.Conn
	e, ok := m.entries[remoteID]
	if !ok {
		e = &entry{}
		m.entries[remoteID] = e
	}
	if e.conn != nil {
		// last established wins
		replaced = e.conn
	}
	m.nextGen++
	gen := m.nextGen
	e.state = StateOpen
	e.conn = conn
	e.name = conn.RemoteName()
	e.gen = gen
	connected := append([]func(string, string){}, m.connectedLs...)
	m.wg.Add(1)
	m.mu.Unlock()

	if replaced != nil {
		log.Printf("REG: replacing link to %s", remoteID)
		replaced.Close()
	}

	go m.pump(remoteID, conn, gen)

	log.Printf("REG: link open to %s (%q)", remoteID, conn.RemoteName())
	for _, fn := range connected {
		fn(remoteID, conn.RemoteName())
	}
}

// pump drains one link until it dies, then removes the entry, unless a
// newer link already took its place.
func (m *Manager) pump(remoteID string, conn transport.Conn, gen uint64) {
	defer m.wg.Done()

	for f := range conn.Frames() {
		m.mu.Lock()
		h := m.frameH
		m.mu.Unlock()
		if h != nil {
			h(remoteID, f)
		}
	}
	conn.Close()

	m.mu.Lock()
	e, ok := m.entries[remoteID]
	if !ok || e.gen != gen {
		// already replaced or removed; stay silent
		m.mu.Unlock()
		return
	}
	delete(m.entries, remoteID)
	closed := m.closed
	disconnected := append([]func(string){}, m.disconnectedLs...)
	m.mu.Unlock()

	if closed {
		return
	}
	log.Printf("REG: link lost to %s", remoteID)
	for _, fn := range disconnected {
		fn(remoteID)
	}
}

// Send delivers one frame over the open link to remoteID.
func (m *Manager) Send(remoteID string, f proto.Frame) error {
	m.mu.Lock()
	e, ok := m.entries[remoteID]
	if !ok || e.state != StateOpen {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := e.conn
	m.mu.Unlock()
	return conn.Send(f)
}

// State reports the entry state for remoteID; StateClosed when none.
func (m *Manager) State(remoteID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[remoteID]; ok {
		return e.state
	}
	return StateClosed
}

// Connected lists the peers with an open link.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, e := range m.entries {
		if e.state == StateOpen {
			out = append(out, id)
		}
	}
	return out
}

// Disconnect tears down the link to one peer without firing the
// disconnected listeners.
func (m *Manager) Disconnect(remoteID string) {
	m.mu.Lock()
	e, ok := m.entries[remoteID]
	if ok {
		delete(m.entries, remoteID)
	}
	m.mu.Unlock()
	if ok && e.conn != nil {
		e.conn.Close()
	}
}

// CloseAll tears down every link and stops accepting new ones. Waits
// for all registry goroutines to finish.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]transport.Conn, 0, len(m.entries))
	for _, e := range m.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
}
