package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/martam/internal/proto"
)

// fakeNet bridges managers in-process: Send delivers straight into the
// target manager's HandleSignal, the way the registry frame handler
// does in production.
type fakeNet struct {
	mu    sync.Mutex
	mgrs  map[string]*Manager
	names map[string]string
}

func newFakeNet() *fakeNet {
	return &fakeNet{mgrs: map[string]*Manager{}, names: map[string]string{}}
}

type fakeSig struct {
	net    *fakeNet
	selfID string

	mu   sync.Mutex
	sent []proto.SignalMsg
}

func (f *fakeSig) Send(remoteID string, sig proto.SignalMsg) error {
	f.mu.Lock()
	f.sent = append(f.sent, sig)
	f.mu.Unlock()

	f.net.mu.Lock()
	target := f.net.mgrs[remoteID]
	name := f.net.names[f.selfID]
	f.net.mu.Unlock()
	// An absent target models an open link whose peer never responds:
	// the send itself still succeeds.
	if target != nil {
		go target.HandleSignal(f.selfID, name, sig)
	}
	return nil
}

func (f *fakeSig) sentOfType(t string) []proto.SignalMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.SignalMsg
	for _, s := range f.sent {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func addPeer(t *testing.T, net *fakeNet, id, name string) (*Manager, *fakeSig) {
	t.Helper()
	sig := &fakeSig{net: net, selfID: id}
	m := NewManager(sig, id, nil)
	net.mu.Lock()
	net.mgrs[id] = m
	net.names[id] = name
	net.mu.Unlock()
	t.Cleanup(m.Close)
	return m, sig
}

func waitStage(t *testing.T, s *Session, want Stage) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stage() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stage %s never reached (now %s)", want, s.Stage())
}

func TestOutboundStartsRinging(t *testing.T) {
	net := newFakeNet()
	alice, aliceSig := addPeer(t, net, "MN-ALICE", "Alice")

	sess, err := alice.Start("MN-BOB", true)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Stage() != StageRinging {
		t.Fatalf("stage = %s, want ringing", sess.Stage())
	}
	if !sess.Caller() || !sess.Video() {
		t.Fatalf("session flags caller=%v video=%v", sess.Caller(), sess.Video())
	}

	reqs := aliceSig.sentOfType(proto.SignalCallRequest)
	if len(reqs) != 1 {
		t.Fatalf("call requests sent: %d", len(reqs))
	}
	if reqs[0].SDP == "" || !reqs[0].Video || reqs[0].CallID != sess.CallID() {
		t.Fatalf("bad call request %+v", reqs[0])
	}

	if _, err := alice.Start("MN-CAROL", false); !errors.Is(err, ErrCallActive) {
		t.Fatalf("second start: %v, want ErrCallActive", err)
	}
}

func TestHandshakeAndHangup(t *testing.T) {
	net := newFakeNet()
	alice, _ := addPeer(t, net, "MN-ALICE", "Alice")
	bob, _ := addPeer(t, net, "MN-BOB", "Bob")

	accepted := make(chan *Session, 1)
	bob.OnIncoming(func(ic *IncomingCall) {
		if ic.RemotePeer != "MN-ALICE" || ic.RemoteName != "Alice" {
			t.Errorf("incoming from %s/%s", ic.RemotePeer, ic.RemoteName)
		}
		s, err := ic.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- s
	})

	aliceSess, err := alice.Start("MN-BOB", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var bobSess *Session
	select {
	case bobSess = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("call never accepted")
	}

	// Both sides reach Answered once the SDP exchange completes.
	waitStage(t, aliceSess, StageAnswered)
	if st := bobSess.Stage(); st != StageAnswered && st != StageActive {
		t.Fatalf("callee stage %s", st)
	}
	if bobSess.CallID() != aliceSess.CallID() {
		t.Fatal("call IDs diverged")
	}

	aliceSess.Hangup()
	waitStage(t, bobSess, StageEnded)
	if r := bobSess.Reason(); r != ReasonHangup {
		t.Fatalf("callee end reason %s", r)
	}
	if _, ok := alice.Active(); ok {
		t.Fatal("caller still has an active session after hangup")
	}
	if _, ok := bob.Active(); ok {
		t.Fatal("callee still has an active session after hangup")
	}

	// the line is free again
	if _, err := alice.Start("MN-BOB", false); err != nil {
		t.Fatalf("start after hangup: %v", err)
	}
}

func TestReject(t *testing.T) {
	net := newFakeNet()
	alice, _ := addPeer(t, net, "MN-ALICE", "Alice")
	bob, _ := addPeer(t, net, "MN-BOB", "Bob")

	bob.OnIncoming(func(ic *IncomingCall) { ic.Reject() })

	sess, err := alice.Start("MN-BOB", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStage(t, sess, StageEnded)
	if r := sess.Reason(); r != ReasonRejected {
		t.Fatalf("end reason %s, want rejected", r)
	}
	if sess.Duration() != 0 {
		t.Fatal("rejected call reported a duration")
	}
}

func TestNoHandlerAutoRejects(t *testing.T) {
	net := newFakeNet()
	alice, _ := addPeer(t, net, "MN-ALICE", "Alice")
	addPeer(t, net, "MN-BOB", "Bob") // no OnIncoming handler

	sess, err := alice.Start("MN-BOB", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStage(t, sess, StageEnded)
	if r := sess.Reason(); r != ReasonRejected {
		t.Fatalf("end reason %s, want rejected", r)
	}
}

func TestBusyCalleeSurfacesButCannotAccept(t *testing.T) {
	net := newFakeNet()
	alice, _ := addPeer(t, net, "MN-ALICE", "Alice")
	bob, _ := addPeer(t, net, "MN-BOB", "Bob")
	carol, _ := addPeer(t, net, "MN-CAROL", "Carol")

	first := make(chan *Session, 1)
	second := make(chan *IncomingCall, 1)
	bob.OnIncoming(func(ic *IncomingCall) {
		if ic.RemotePeer == "MN-ALICE" {
			s, err := ic.Accept()
			if err != nil {
				t.Errorf("accept first: %v", err)
				return
			}
			first <- s
			return
		}
		second <- ic
	})

	if _, err := alice.Start("MN-BOB", false); err != nil {
		t.Fatalf("first call: %v", err)
	}
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first call never accepted")
	}

	carolSess, err := carol.Start("MN-BOB", false)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	select {
	case ic := <-second:
		if _, err := ic.Accept(); !errors.Is(err, ErrCallActive) {
			t.Fatalf("accept while busy: %v, want ErrCallActive", err)
		}
		ic.Reject()
	case <-time.After(5 * time.Second):
		t.Fatal("second call never surfaced")
	}

	waitStage(t, carolSess, StageEnded)
}

func TestActiveAndDuration(t *testing.T) {
	net := newFakeNet()
	alice, _ := addPeer(t, net, "MN-ALICE", "Alice")

	sess, err := alice.Start("MN-BOB", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	stages := make(chan Stage, 8)
	sess.OnStage(func(st Stage) { stages <- st })

	// Drive the connection state the way a completed ICE handshake
	// would.
	sess.onConnState(webrtc.PeerConnectionStateConnected)
	waitStage(t, sess, StageActive)
	select {
	case st := <-stages:
		if st != StageActive {
			t.Fatalf("first stage event %s", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no stage event for active")
	}

	time.Sleep(20 * time.Millisecond)
	sess.Hangup()
	waitStage(t, sess, StageEnded)

	if d := sess.Duration(); d < 20*time.Millisecond {
		t.Fatalf("duration %s too short", d)
	}
	d := sess.Duration()
	time.Sleep(20 * time.Millisecond)
	if sess.Duration() != d {
		t.Fatal("duration kept growing after the call ended")
	}
}
