// Package channel is the application message layer on top of the
// connection registry: typed messages with IDs and timestamps, ordered
// delivery per peer, and bounded redelivery while a link is still
// coming up.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/martam/internal/proto"
	"github.com/petervdpas/martam/internal/registry"
)

var (
	// ErrUndeliverable means every delivery attempt for a message was
	// exhausted without an open link.
	ErrUndeliverable = errors.New("message undeliverable")

	// ErrClosed means the messenger has been shut down.
	ErrClosed = errors.New("messenger closed")
)

type pendingMsg struct {
	msg      proto.Message
	attempts int
}

// Messenger sends and receives application messages. One per session.
type Messenger struct {
	reg       *registry.Manager
	localID   string
	localName string

	retries  int
	interval time.Duration

	// flushMu serializes queue flushes so the retry loop and the
	// connected callback cannot double-send the queue head.
	flushMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	stopCh   chan struct{}
	pending  map[string][]*pendingMsg // per peer, send order
	retrying map[string]bool          // peers with a live retry loop

	profile        func() json.RawMessage
	blocked        func(remoteID string) bool
	handlers       []func(from string, m proto.Message)
	heartbeatH     func(from string, m proto.Message)
	undeliverableH func(to string, m proto.Message, err error)

	wg sync.WaitGroup
}

// NewMessenger creates the message layer and hooks it into the
// registry's connect/disconnect events. retries bounds redelivery
// attempts per message; interval is the pause between attempts.
func NewMessenger(reg *registry.Manager, localID, localName string, retries int, interval time.Duration) *Messenger {
	m := &Messenger{
		reg:       reg,
		localID:   localID,
		localName: localName,
		retries:   retries,
		interval:  interval,
		stopCh:    make(chan struct{}),
		pending:   make(map[string][]*pendingMsg),
		retrying:  make(map[string]bool),
	}
	reg.OnConnected(m.onConnected)
	return m
}

// SetProfileSource installs the provider of the local profile payload
// sent to a peer whenever a link to it opens.
func (m *Messenger) SetProfileSource(fn func() json.RawMessage) {
	m.mu.Lock()
	m.profile = fn
	m.mu.Unlock()
}

// SetBlocked installs the block list check. Messages from blocked peers
// are dropped on receipt, except profile syncs and heartbeats.
func (m *Messenger) SetBlocked(fn func(remoteID string) bool) {
	m.mu.Lock()
	m.blocked = fn
	m.mu.Unlock()
}

// OnMessage registers a message handler. Handlers run on the link's
// read goroutine, so messages from one peer arrive in order.
func (m *Messenger) OnMessage(fn func(from string, msg proto.Message)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

// OnHeartbeat registers the sink for heartbeat messages. Heartbeats
// never reach OnMessage handlers.
func (m *Messenger) OnHeartbeat(fn func(from string, msg proto.Message)) {
	m.mu.Lock()
	m.heartbeatH = fn
	m.mu.Unlock()
}

// OnUndeliverable registers the sink for messages whose delivery
// attempts ran out.
func (m *Messenger) OnUndeliverable(fn func(to string, msg proto.Message, err error)) {
	m.mu.Lock()
	m.undeliverableH = fn
	m.mu.Unlock()
}

// Send delivers a typed message to a peer, dialing and retrying as
// needed. Returns the assigned message ID. Send never blocks on the
// network: an unreachable peer surfaces later via OnUndeliverable.
func (m *Messenger) Send(to, msgType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	msg := proto.Message{
		Type:       msgType,
		Payload:    data,
		SenderID:   m.localID,
		SenderName: m.localName,
		TS:         proto.NowMillis(),
	}
	if proto.NeedsMessageID(msgType) {
		msg.MessageID = uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}

	// A non-empty queue means earlier messages are still waiting; new
	// ones must line up behind them to keep per-peer order.
	if len(m.pending[to]) > 0 {
		m.enqueueLocked(to, msg)
		m.mu.Unlock()
		return msg.MessageID, nil
	}
	m.mu.Unlock()

	if err := m.reg.Send(to, proto.Frame{Kind: proto.FrameMsg, Msg: &msg}); err == nil {
		return msg.MessageID, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.enqueueLocked(to, msg)
	m.mu.Unlock()

	_ = m.reg.EnsureConnection(to)
	return msg.MessageID, nil
}

// enqueueLocked appends msg to the peer's queue and makes sure a retry
// loop is running for it. Caller holds m.mu.
func (m *Messenger) enqueueLocked(to string, msg proto.Message) {
	m.pending[to] = append(m.pending[to], &pendingMsg{msg: msg})
	if !m.retrying[to] {
		m.retrying[to] = true
		m.wg.Add(1)
		go m.retryLoop(to)
	}
}

// retryLoop periodically reattempts the peer's queue until it drains or
// every message runs out of attempts.
func (m *Messenger) retryLoop(to string) {
	defer m.wg.Done()

	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
		}

		m.flush(to, true)

		m.mu.Lock()
		if len(m.pending[to]) == 0 {
			m.retrying[to] = false
			delete(m.pending, to)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		_ = m.reg.EnsureConnection(to)
	}
}

// flush tries to deliver the peer's queue in order, stopping at the
// first failure. When counting, failed attempts consume a retry and
// exhausted messages are dropped to OnUndeliverable.
func (m *Messenger) flush(to string, counting bool) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	for {
		m.mu.Lock()
		q := m.pending[to]
		if len(q) == 0 {
			m.mu.Unlock()
			return
		}
		head := q[0]
		m.mu.Unlock()

		err := m.reg.Send(to, proto.Frame{Kind: proto.FrameMsg, Msg: &head.msg})
		if err == nil {
			m.mu.Lock()
			if q := m.pending[to]; len(q) > 0 && q[0] == head {
				m.pending[to] = q[1:]
			}
			m.mu.Unlock()
			continue
		}

		if !counting {
			return
		}

		m.mu.Lock()
		head.attempts++
		exhausted := head.attempts >= m.retries
		var drop *pendingMsg
		if exhausted {
			if q := m.pending[to]; len(q) > 0 && q[0] == head {
				m.pending[to] = q[1:]
			}
			drop = head
		}
		h := m.undeliverableH
		m.mu.Unlock()

		if drop == nil {
			return
		}
		log.Printf("MQ: giving up on %s message %s to %s after %d attempts",
			drop.msg.Type, drop.msg.MessageID, to, drop.attempts)
		if h != nil {
			h(to, drop.msg, fmt.Errorf("%w: %v", ErrUndeliverable, err))
		}
		// continue with the next queued message
	}
}

// onConnected flushes queued traffic and pushes the local profile to
// the peer that just came up.
func (m *Messenger) onConnected(remoteID, _ string) {
	m.mu.Lock()
	profile := m.profile
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	if profile != nil {
		profMsg := proto.Message{
			Type:       proto.TypeProfileSync,
			Payload:    profile(),
			SenderID:   m.localID,
			SenderName: m.localName,
			TS:         proto.NowMillis(),
		}
		if err := m.reg.Send(remoteID, proto.Frame{Kind: proto.FrameMsg, Msg: &profMsg}); err != nil {
			log.Printf("MQ: profile sync to %s: %v", remoteID, err)
		}
	}

	m.flush(remoteID, false)
}

// HandleFrame feeds one inbound message frame into the dispatch chain.
// Wired as (part of) the registry's frame handler.
func (m *Messenger) HandleFrame(from string, f proto.Frame) {
	if f.Kind != proto.FrameMsg || f.Msg == nil {
		return
	}
	msg := *f.Msg

	m.mu.Lock()
	blocked := m.blocked
	heartbeatH := m.heartbeatH
	handlers := append([]func(string, proto.Message){}, m.handlers...)
	m.mu.Unlock()

	if msg.Type == proto.TypeHeartbeat {
		if heartbeatH != nil {
			heartbeatH(from, msg)
		}
		return
	}

	// Blocked peers stay invisible except for identity upkeep traffic.
	if blocked != nil && blocked(from) && msg.Type != proto.TypeProfileSync {
		log.Printf("MQ: dropping %s from blocked peer %s", msg.Type, from)
		return
	}

	for _, fn := range handlers {
		fn(from, msg)
	}
}

// Close drops all queued messages and stops the retry loops.
func (m *Messenger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stopCh)
	dropped := 0
	for _, q := range m.pending {
		dropped += len(q)
	}
	m.pending = make(map[string][]*pendingMsg)
	m.mu.Unlock()

	if dropped > 0 {
		log.Printf("MQ: closed with %d undelivered messages", dropped)
	}
	m.wg.Wait()
}
