// Package session is the top of the stack: it logs an account in and
// out, owns the component wiring for the lifetime of that login, and
// exposes the surfaces the application talks to.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/martam/internal/call"
	"github.com/petervdpas/martam/internal/channel"
	"github.com/petervdpas/martam/internal/config"
	"github.com/petervdpas/martam/internal/identity"
	"github.com/petervdpas/martam/internal/presence"
	"github.com/petervdpas/martam/internal/proto"
	"github.com/petervdpas/martam/internal/registry"
	"github.com/petervdpas/martam/internal/rendezvous"
	"github.com/petervdpas/martam/internal/transport"
	"github.com/petervdpas/martam/internal/util"
	"github.com/pion/webrtc/v4"
)

// ErrNotLoggedIn means the operation needs an active login.
var ErrNotLoggedIn = errors.New("not logged in")

// ErrNoCall means Answer or Hangup found nothing to act on.
var ErrNoCall = errors.New("no call")

// EndpointFactory builds the transport endpoint for a fresh login.
// Production wires the libp2p endpoint; tests hand in a memory hub.
type EndpointFactory func(ctx context.Context, canonicalID, displayName string) (transport.Endpoint, error)

// account is everything built for one login. Torn down as a unit on
// logout, in reverse build order.
type account struct {
	gen   uint64
	ident identity.LocalIdentity

	resolver *identity.Resolver
	ep       transport.Endpoint
	reg      *registry.Manager
	msg      *channel.Messenger
	table    *presence.Table
	mon      *presence.Monitor
	calls    *call.Manager

	// latest unanswered incoming call, guarded by the manager mutex
	pending *call.IncomingCall

	done chan struct{}
}

// Manager drives login, logout and account switching, and relays
// component events to the application while guarding against callbacks
// from a previous login.
type Manager struct {
	cfg *config.Config
	rdv *rendezvous.Client

	factory   EndpointFactory
	registrar identity.Registrar

	mu         sync.Mutex
	gen        uint64
	active     *account
	avatarHash string

	msgLs           []func(from string, m proto.Message)
	contactLs       []func(presence.ContactEvent)
	connectedLs     []func(remoteID, displayName string)
	disconnectedLs  []func(remoteID string)
	incomingLs      []func(*call.IncomingCall)
	mediaLs         []func(remoteID string, track *webrtc.TrackRemote)
	undeliverableLs []func(to string, m proto.Message, err error)
	lostLs          []func()
}

// New creates a session manager. A nil factory gets the libp2p
// endpoint built from cfg.
func New(cfg *config.Config, rdv *rendezvous.Client, factory EndpointFactory) *Manager {
	m := &Manager{cfg: cfg, rdv: rdv, factory: factory}
	if rdv != nil {
		m.registrar = rdv
	}
	if m.factory == nil {
		m.factory = func(ctx context.Context, canonicalID, displayName string) (transport.Endpoint, error) {
			return transport.NewP2P(ctx, cfg.P2P.ListenPort, cfg.Identity.KeyFile, rdv, canonicalID, displayName)
		}
	}
	return m
}

// SetRegistrar substitutes the identity registrar. Tests use this to
// run sessions without a rendezvous service.
func (m *Manager) SetRegistrar(r identity.Registrar) {
	m.registrar = r
}

// OnMessage registers an application message listener spanning logins.
func (m *Manager) OnMessage(fn func(from string, msg proto.Message)) {
	m.mu.Lock()
	m.msgLs = append(m.msgLs, fn)
	m.mu.Unlock()
}

// OnContactEvent registers a roster change listener spanning logins.
func (m *Manager) OnContactEvent(fn func(presence.ContactEvent)) {
	m.mu.Lock()
	m.contactLs = append(m.contactLs, fn)
	m.mu.Unlock()
}

// OnConnected registers a listener for links coming up.
func (m *Manager) OnConnected(fn func(remoteID, displayName string)) {
	m.mu.Lock()
	m.connectedLs = append(m.connectedLs, fn)
	m.mu.Unlock()
}

// OnDisconnected registers a listener for remotely lost links.
func (m *Manager) OnDisconnected(fn func(remoteID string)) {
	m.mu.Lock()
	m.disconnectedLs = append(m.disconnectedLs, fn)
	m.mu.Unlock()
}

// OnIncomingCall registers an incoming call listener spanning logins.
func (m *Manager) OnIncomingCall(fn func(*call.IncomingCall)) {
	m.mu.Lock()
	m.incomingLs = append(m.incomingLs, fn)
	m.mu.Unlock()
}

// OnRemoteMedia registers the consumer for inbound call media, for
// sessions started or answered through this manager.
func (m *Manager) OnRemoteMedia(fn func(remoteID string, track *webrtc.TrackRemote)) {
	m.mu.Lock()
	m.mediaLs = append(m.mediaLs, fn)
	m.mu.Unlock()
}

// OnUndeliverable registers a listener for messages that ran out of
// delivery attempts.
func (m *Manager) OnUndeliverable(fn func(to string, msg proto.Message, err error)) {
	m.mu.Lock()
	m.undeliverableLs = append(m.undeliverableLs, fn)
	m.mu.Unlock()
}

// OnRegistrationLost registers a listener fired when the rendezvous
// service drops the live registration from its side.
func (m *Manager) OnRegistrationLost(fn func()) {
	m.mu.Lock()
	m.lostLs = append(m.lostLs, fn)
	m.mu.Unlock()
}

// SetAvatarHash updates the local avatar advertised in announces and
// profile syncs.
func (m *Manager) SetAvatarHash(h string) {
	m.mu.Lock()
	m.avatarHash = h
	m.mu.Unlock()
}

// Login registers displayName and brings the whole session stack up.
// When the identity is taken it retries once after the configured
// delay, in case the previous holder is still shutting down.
func (m *Manager) Login(ctx context.Context, displayName string) (identity.LocalIdentity, error) {
	m.mu.Lock()
	if m.active != nil {
		cur := m.active.ident.CanonicalID
		m.mu.Unlock()
		return identity.LocalIdentity{}, fmt.Errorf("already logged in as %s", cur)
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	canonicalID := identity.Canonical(displayName)
	if canonicalID == "" {
		return identity.LocalIdentity{}, identity.ErrEmptyName
	}

	ep, err := m.factory(ctx, canonicalID, displayName)
	if err != nil {
		return identity.LocalIdentity{}, fmt.Errorf("bring up endpoint: %w", err)
	}

	if m.rdv != nil {
		m.rdv.AddrSource = ep.Addrs
	}

	resolver := identity.NewResolver(m.registrar, time.Duration(m.cfg.Identity.RegisterTimeoutSec)*time.Second)
	ident, err := resolver.Register(ctx, displayName)
	if errors.Is(err, identity.ErrIdentityTaken) {
		log.Printf("SESSION: %s taken, retrying once", canonicalID)
		select {
		case <-ctx.Done():
			ep.Close()
			return identity.LocalIdentity{}, ctx.Err()
		case <-time.After(time.Duration(m.cfg.Identity.RetryDelaySec) * time.Second):
		}
		ident, err = resolver.Register(ctx, displayName)
	}
	if err != nil {
		ep.Close()
		return identity.LocalIdentity{}, err
	}

	acct := m.build(gen, ident, resolver, ep)

	m.mu.Lock()
	m.active = acct
	m.mu.Unlock()

	acct.mon.Start()
	go m.watchRegistration(acct)

	log.Printf("SESSION: logged in as %s (%q)", ident.CanonicalID, ident.DisplayName)
	return ident, nil
}

// build wires the component stack for one login.
func (m *Manager) build(gen uint64, ident identity.LocalIdentity, resolver *identity.Resolver, ep transport.Endpoint) *account {
	reg := registry.New(ep)
	msg := channel.NewMessenger(reg, ident.CanonicalID, ident.DisplayName,
		m.cfg.Channel.SendRetries, time.Duration(m.cfg.Channel.RetryIntervalMS)*time.Millisecond)
	table := presence.NewTable()
	mon := presence.NewMonitor(table, reg, msg, ep,
		time.Duration(m.cfg.Presence.HeartbeatSec)*time.Second,
		func() string {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.avatarHash
		})
	calls := call.NewManager(&regSignaler{reg: reg}, ident.CanonicalID, m.cfg.Call.STUNServers)

	acct := &account{
		gen:      gen,
		ident:    ident,
		resolver: resolver,
		ep:       ep,
		reg:      reg,
		msg:      msg,
		table:    table,
		mon:      mon,
		calls:    calls,
		done:     make(chan struct{}),
	}

	msg.SetBlocked(table.IsBlocked)
	msg.SetProfileSource(func() json.RawMessage {
		m.mu.Lock()
		avatar := m.avatarHash
		m.mu.Unlock()
		p, _ := json.Marshal(presence.ProfilePayload{
			DisplayName: ident.DisplayName,
			AvatarHash:  avatar,
		})
		return p
	})

	// One frame sink for all links: messages to the messenger, call
	// signals to the call manager.
	reg.SetFrameHandler(func(from string, f proto.Frame) {
		switch f.Kind {
		case proto.FrameMsg:
			msg.HandleFrame(from, f)
		case proto.FrameSignal:
			if f.Signal == nil {
				return
			}
			name := from
			if c, ok := table.Get(from); ok && c.DisplayName != "" {
				name = c.DisplayName
			}
			calls.HandleSignal(from, name, *f.Signal)
		}
	})

	// Relays to application listeners, valid only while this login is
	// the current one.
	msg.OnMessage(func(from string, pm proto.Message) {
		// Profile syncs are roster upkeep, consumed by the presence
		// monitor. The application only sees real traffic.
		if pm.Type == proto.TypeProfileSync {
			return
		}
		for _, fn := range m.snapshotMsgLs(gen) {
			fn(from, pm)
		}
	})
	msg.OnUndeliverable(func(to string, pm proto.Message, err error) {
		for _, fn := range m.snapshotUndeliverableLs(gen) {
			fn(to, pm, err)
		}
	})
	reg.OnConnected(func(remoteID, displayName string) {
		for _, fn := range m.snapshotConnectedLs(gen) {
			fn(remoteID, displayName)
		}
	})
	reg.OnDisconnected(func(remoteID string) {
		for _, fn := range m.snapshotDisconnectedLs(gen) {
			fn(remoteID)
		}
	})
	calls.OnIncoming(func(ic *call.IncomingCall) {
		wrapped := m.trackIncoming(acct, ic)
		for _, fn := range m.snapshotIncomingLs(gen) {
			fn(wrapped)
		}
	})

	go m.relayContactEvents(acct)
	return acct
}

func (m *Manager) snapshotMsgLs(gen uint64) []func(string, proto.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.gen != gen {
		return nil
	}
	return append([]func(string, proto.Message){}, m.msgLs...)
}

func (m *Manager) snapshotUndeliverableLs(gen uint64) []func(string, proto.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.gen != gen {
		return nil
	}
	return append([]func(string, proto.Message, error){}, m.undeliverableLs...)
}

func (m *Manager) snapshotConnectedLs(gen uint64) []func(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.gen != gen {
		return nil
	}
	return append([]func(string, string){}, m.connectedLs...)
}

func (m *Manager) snapshotDisconnectedLs(gen uint64) []func(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.gen != gen {
		return nil
	}
	return append([]func(string){}, m.disconnectedLs...)
}

func (m *Manager) snapshotIncomingLs(gen uint64) []func(*call.IncomingCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.gen != gen {
		return nil
	}
	return append([]func(*call.IncomingCall){}, m.incomingLs...)
}

// trackIncoming remembers the call as pending and wraps Accept/Reject
// so answering hooks the media relay and clears the pending slot.
func (m *Manager) trackIncoming(acct *account, ic *call.IncomingCall) *call.IncomingCall {
	wrapped := *ic
	accept, reject := ic.Accept, ic.Reject
	wrapped.Accept = func() (*call.Session, error) {
		sess, err := accept()
		m.mu.Lock()
		if acct.pending != nil && acct.pending.CallID == ic.CallID {
			acct.pending = nil
		}
		m.mu.Unlock()
		if err == nil {
			m.hookMedia(acct.gen, sess)
		}
		return sess, err
	}
	wrapped.Reject = func() {
		m.mu.Lock()
		if acct.pending != nil && acct.pending.CallID == ic.CallID {
			acct.pending = nil
		}
		m.mu.Unlock()
		reject()
	}

	m.mu.Lock()
	if m.active == acct {
		acct.pending = &wrapped
	}
	m.mu.Unlock()
	return &wrapped
}

// hookMedia routes a session's remote tracks to the manager listeners.
// With no listeners the session keeps draining packets itself.
func (m *Manager) hookMedia(gen uint64, sess *call.Session) {
	m.mu.Lock()
	none := len(m.mediaLs) == 0
	m.mu.Unlock()
	if none {
		return
	}
	sess.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		m.mu.Lock()
		stale := m.active == nil || m.active.gen != gen
		ls := append([]func(string, *webrtc.TrackRemote){}, m.mediaLs...)
		m.mu.Unlock()
		if stale {
			return
		}
		for _, fn := range ls {
			fn(sess.RemotePeer(), track)
		}
	})
}

// relayContactEvents forwards roster changes to application listeners
// until the account is torn down.
func (m *Manager) relayContactEvents(acct *account) {
	ch := acct.table.Subscribe()
	for {
		select {
		case <-acct.done:
			acct.table.Unsubscribe(ch)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.mu.Lock()
			stale := m.active == nil || m.active.gen != acct.gen
			ls := append([]func(presence.ContactEvent){}, m.contactLs...)
			m.mu.Unlock()
			if stale {
				continue
			}
			for _, fn := range ls {
				fn(ev)
			}
		}
	}
}

// watchRegistration surfaces a registration dropped by the rendezvous
// service. The session keeps running and open links still work, but the
// peer is no longer resolvable, so the application should re-login.
func (m *Manager) watchRegistration(acct *account) {
	lost := acct.resolver.Lost()
	if lost == nil {
		return
	}
	select {
	case <-acct.done:
		return
	case <-lost:
	}

	m.mu.Lock()
	stale := m.active == nil || m.active.gen != acct.gen
	ls := append([]func(){}, m.lostLs...)
	m.mu.Unlock()
	if stale {
		return
	}

	log.Printf("SESSION: registration for %s lost", acct.ident.CanonicalID)
	for _, fn := range ls {
		fn()
	}
}

// Logout tears the whole stack down in reverse build order and frees
// the identity. Idempotent.
func (m *Manager) Logout() {
	m.mu.Lock()
	acct := m.active
	m.active = nil
	m.mu.Unlock()
	if acct == nil {
		return
	}

	close(acct.done)
	acct.mon.Stop()
	acct.calls.Close()
	acct.msg.Close()
	acct.reg.CloseAll()
	_ = acct.ep.Close()
	acct.resolver.Destroy()
	acct.table.CloseListeners()

	log.Printf("SESSION: logged out %s", acct.ident.CanonicalID)
}

// SwitchAccount logs out the current identity and logs in under a new
// name. Nothing of the previous account bleeds into the new one.
func (m *Manager) SwitchAccount(ctx context.Context, displayName string) (identity.LocalIdentity, error) {
	m.Logout()
	return m.Login(ctx, displayName)
}

// Current returns the logged-in identity, if any.
func (m *Manager) Current() (identity.LocalIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return identity.LocalIdentity{}, false
	}
	return m.active.ident, true
}

func (m *Manager) acct() (*account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, ErrNotLoggedIn
	}
	return m.active, nil
}

// Contacts returns the roster of the current login.
func (m *Manager) Contacts() (*presence.Table, error) {
	acct, err := m.acct()
	if err != nil {
		return nil, err
	}
	return acct.table, nil
}

// Calls exposes the call manager of the current login, for inspecting
// or ending the active call.
func (m *Manager) Calls() (*call.Manager, error) {
	acct, err := m.acct()
	if err != nil {
		return nil, err
	}
	return acct.calls, nil
}

// Connect makes sure a link to the peer exists or is being dialed.
func (m *Manager) Connect(remoteID string) error {
	acct, err := m.acct()
	if err != nil {
		return err
	}
	acct.table.Add(remoteID, "")
	return acct.reg.EnsureConnection(remoteID)
}

// Send delivers a typed message to a peer, dialing as needed.
func (m *Manager) Send(to, msgType string, payload any) (string, error) {
	acct, err := m.acct()
	if err != nil {
		return "", err
	}
	return acct.msg.Send(to, msgType, payload)
}

// SendChat is the common case: a plain text chat message.
func (m *Manager) SendChat(to, text string) (string, error) {
	return m.Send(to, proto.TypeChat, map[string]string{"text": text})
}

// Block hides a contact: its messages are dropped and it cannot be
// called. Profile syncs still pass so the entry stays current. The peer
// gets a roster entry if it has none yet, so blocking someone who has
// not connected still takes effect.
func (m *Manager) Block(remoteID string) error {
	acct, err := m.acct()
	if err != nil {
		return err
	}
	acct.table.Add(remoteID, "")
	acct.table.SetBlocked(remoteID, true)
	return nil
}

// Unblock lifts a block.
func (m *Manager) Unblock(remoteID string) error {
	acct, err := m.acct()
	if err != nil {
		return err
	}
	acct.table.SetBlocked(remoteID, false)
	return nil
}

// StartCall places a call, bringing the link up first if needed. When
// the call ends on the caller side a CALL_LOG message records how it
// went.
func (m *Manager) StartCall(ctx context.Context, remoteID string, video bool) (*call.Session, error) {
	acct, err := m.acct()
	if err != nil {
		return nil, err
	}
	if acct.table.IsBlocked(remoteID) {
		return nil, fmt.Errorf("%s is blocked", remoteID)
	}

	if err := m.awaitLink(ctx, acct, remoteID); err != nil {
		return nil, err
	}

	sess, err := acct.calls.Start(remoteID, video)
	if err != nil {
		return nil, err
	}
	m.hookMedia(acct.gen, sess)

	var logOnce sync.Once
	emitLog := func() { logOnce.Do(func() { m.sendCallLog(acct, sess) }) }
	sess.OnStage(func(st call.Stage) {
		if st == call.StageEnded {
			emitLog()
		}
	})
	// The call may have ended before the hook attached.
	if sess.Stage() == call.StageEnded {
		emitLog()
	}
	return sess, nil
}

// awaitLink blocks until the registry holds an open link to remoteID.
func (m *Manager) awaitLink(ctx context.Context, acct *account, remoteID string) error {
	if acct.reg.State(remoteID) == registry.StateOpen {
		return nil
	}
	if err := acct.reg.EnsureConnection(remoteID); err != nil {
		return err
	}

	deadline := time.Now().Add(util.DefaultConnectTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch acct.reg.State(remoteID) {
		case registry.StateOpen:
			return nil
		case registry.StateClosed:
			// the dial failed; one more attempt within the deadline
			if err := acct.reg.EnsureConnection(remoteID); err != nil {
				return err
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%w: no link to %s", registry.ErrConnectionFailed, remoteID)
}

// sendCallLog records the outcome of a caller-side session for the
// remote peer's history.
func (m *Manager) sendCallLog(acct *account, sess *call.Session) {
	status := proto.CallMissed
	switch {
	case sess.Duration() > 0:
		status = proto.CallCompleted
	case sess.Reason() == call.ReasonRejected:
		status = proto.CallDeclined
	}

	_, err := acct.msg.Send(sess.RemotePeer(), proto.TypeCallLog, proto.CallLogPayload{
		CallID:     sess.CallID(),
		Status:     status,
		DurationMS: sess.Duration().Milliseconds(),
		Video:      sess.Video(),
	})
	if err != nil {
		log.Printf("SESSION: call log to %s: %v", sess.RemotePeer(), err)
	}
}

// Answer accepts the pending incoming call, if any.
func (m *Manager) Answer() (*call.Session, error) {
	m.mu.Lock()
	acct := m.active
	var pending *call.IncomingCall
	if acct != nil {
		pending = acct.pending
	}
	m.mu.Unlock()

	if acct == nil {
		return nil, ErrNotLoggedIn
	}
	if pending == nil {
		return nil, ErrNoCall
	}
	return pending.Accept()
}

// Hangup ends the active call, or declines the pending incoming one.
func (m *Manager) Hangup() error {
	m.mu.Lock()
	acct := m.active
	var pending *call.IncomingCall
	if acct != nil {
		pending = acct.pending
	}
	m.mu.Unlock()

	if acct == nil {
		return ErrNotLoggedIn
	}
	if sess, ok := acct.calls.Active(); ok {
		sess.Hangup()
		return nil
	}
	if pending != nil {
		pending.Reject()
		return nil
	}
	return ErrNoCall
}

// regSignaler routes call signaling over registry links.
type regSignaler struct {
	reg *registry.Manager
}

func (s *regSignaler) Send(remoteID string, sig proto.SignalMsg) error {
	return s.reg.Send(remoteID, proto.Frame{Kind: proto.FrameSignal, Signal: &sig})
}
