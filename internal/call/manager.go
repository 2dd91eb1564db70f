package call

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/martam/internal/proto"
)

// Manager owns the one live call session and routes signaling to it. A
// second call cannot start until the current one has ended.
type Manager struct {
	sig    Signaler
	selfID string
	stun   []string

	// localTracks supplies outbound media for a new session. Nil means
	// receive-only calls.
	localTracks func(video bool) []webrtc.TrackLocal

	mu       sync.Mutex
	active   *Session
	incoming []func(*IncomingCall)
	heldICE  map[string][]proto.SignalMsg // candidates arriving before accept
	closed   bool
}

// maxHeldICE bounds buffered candidates per ringing call.
const maxHeldICE = 32

// NewManager creates a call manager. stunServers seed ICE for every
// session.
func NewManager(sig Signaler, selfID string, stunServers []string) *Manager {
	return &Manager{
		sig:     sig,
		selfID:  selfID,
		stun:    stunServers,
		heldICE: make(map[string][]proto.SignalMsg),
	}
}

// SetLocalMedia installs the provider of outbound tracks. Called once
// during session wiring, before any call starts.
func (m *Manager) SetLocalMedia(fn func(video bool) []webrtc.TrackLocal) {
	m.mu.Lock()
	m.localTracks = fn
	m.mu.Unlock()
}

// OnIncoming registers a handler for incoming call requests. Requests
// are surfaced even while another call is active; Accept then fails
// with ErrCallActive so the application can only take one at a time.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.mu.Lock()
	m.incoming = append(m.incoming, fn)
	m.mu.Unlock()
}

// Active returns the current non-ended session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.Stage() == StageEnded {
		return nil, false
	}
	return m.active, true
}

// Start places an outbound call to remoteID.
func (m *Manager) Start(remoteID string, video bool) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSignalingFailed
	}
	if m.active != nil && m.active.Stage() != StageEnded {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	tracksFn := m.localTracks
	m.mu.Unlock()

	var tracks []webrtc.TrackLocal
	if tracksFn != nil {
		tracks = tracksFn(video)
	}

	sess, err := newSession(uuid.NewString(), remoteID, video, true, m.sig, m.stun, tracks, m.clearActive)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.active != nil && m.active.Stage() != StageEnded {
		m.mu.Unlock()
		sess.end(ReasonClosed)
		return nil, ErrCallActive
	}
	m.active = sess
	m.mu.Unlock()

	if err := sess.startOutbound(); err != nil {
		return nil, err
	}
	return sess, nil
}

// HandleSignal feeds one inbound signaling message into the manager.
// Wired as (part of) the registry's frame handler. from is the link
// identity of the sender, which overrides anything the payload claims.
func (m *Manager) HandleSignal(from, fromName string, sig proto.SignalMsg) {
	if sig.Type == proto.SignalCallRequest {
		m.handleRequest(from, fromName, sig)
		return
	}

	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil || (sig.CallID != "" && sess.callID != sig.CallID) {
		// Trickled candidates can outrun the accept; hold them for
		// replay instead of losing them.
		if sig.Type == proto.SignalCallICE && sig.CallID != "" {
			m.mu.Lock()
			if len(m.heldICE[sig.CallID]) < maxHeldICE {
				m.heldICE[sig.CallID] = append(m.heldICE[sig.CallID], sig)
			}
			m.mu.Unlock()
			return
		}
		// Late answer for a call that already died locally; hang up so
		// the other side doesn't sit in an answered call alone.
		if sig.Type == proto.SignalCallAnswer {
			_ = m.sig.Send(from, proto.SignalMsg{Type: proto.SignalCallHangup, CallID: sig.CallID})
		}
		return
	}
	if sess.RemotePeer() != from {
		log.Printf("CALL: dropping %s signal from %s (call belongs to %s)", sig.Type, from, sess.RemotePeer())
		return
	}
	sess.handleSignal(sig)
}

func (m *Manager) handleRequest(from, fromName string, req proto.SignalMsg) {
	m.mu.Lock()
	handlers := append([]func(*IncomingCall){}, m.incoming...)
	closed := m.closed
	m.mu.Unlock()

	if closed || len(handlers) == 0 {
		_ = m.sig.Send(from, proto.SignalMsg{Type: proto.SignalCallReject, CallID: req.CallID})
		return
	}

	ic := &IncomingCall{
		CallID:     req.CallID,
		RemotePeer: from,
		RemoteName: fromName,
		Video:      req.Video,
		Accept: func() (*Session, error) {
			return m.accept(from, req)
		},
		Reject: func() {
			m.mu.Lock()
			delete(m.heldICE, req.CallID)
			m.mu.Unlock()
			_ = m.sig.Send(from, proto.SignalMsg{Type: proto.SignalCallReject, CallID: req.CallID})
		},
	}

	log.Printf("CALL: incoming %s from %s (video=%v)", req.CallID, from, req.Video)
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) accept(from string, req proto.SignalMsg) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSignalingFailed
	}
	if m.active != nil && m.active.Stage() != StageEnded {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	tracksFn := m.localTracks
	m.mu.Unlock()

	var tracks []webrtc.TrackLocal
	if tracksFn != nil {
		tracks = tracksFn(req.Video)
	}

	sess, err := newSession(req.CallID, from, req.Video, false, m.sig, m.stun, tracks, m.clearActive)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.active != nil && m.active.Stage() != StageEnded {
		m.mu.Unlock()
		sess.end(ReasonClosed)
		return nil, ErrCallActive
	}
	m.active = sess
	held := m.heldICE[req.CallID]
	delete(m.heldICE, req.CallID)
	m.mu.Unlock()

	if err := sess.acceptInbound(req.SDP); err != nil {
		return nil, err
	}
	for _, cand := range held {
		sess.handleSignal(cand)
	}
	return sess, nil
}

func (m *Manager) clearActive(callID string) {
	m.mu.Lock()
	if m.active != nil && m.active.callID == callID {
		m.active = nil
	}
	delete(m.heldICE, callID)
	m.mu.Unlock()
}

// Close hangs up any live session and refuses further calls.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sess := m.active
	m.active = nil
	m.mu.Unlock()

	if sess != nil {
		sess.Hangup()
	}
}
