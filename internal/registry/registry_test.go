package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/martam/internal/proto"
	"github.com/petervdpas/martam/internal/transport"
)

type pair struct {
	hub          *transport.Hub
	alice, bob   *Manager
	aliceEvents  *events
	bobEvents    *events
}

type events struct {
	connected    chan string
	disconnected chan string
	failed       chan error
	frames       chan proto.Frame
}

func watch(m *Manager) *events {
	ev := &events{
		connected:    make(chan string, 8),
		disconnected: make(chan string, 8),
		failed:       make(chan error, 8),
		frames:       make(chan proto.Frame, 8),
	}
	m.OnConnected(func(id, _ string) { ev.connected <- id })
	m.OnDisconnected(func(id string) { ev.disconnected <- id })
	m.OnConnectFailed(func(_ string, err error) { ev.failed <- err })
	m.SetFrameHandler(func(_ string, f proto.Frame) { ev.frames <- f })
	return ev
}

func newPair(t *testing.T) *pair {
	t.Helper()
	hub := transport.NewHub()
	a := New(hub.Endpoint("MN-ALICE", "Alice"))
	b := New(hub.Endpoint("MN-BOB", "Bob"))
	p := &pair{hub: hub, alice: a, bob: b, aliceEvents: watch(a), bobEvents: watch(b)}
	t.Cleanup(func() {
		a.CloseAll()
		b.CloseAll()
	})
	return p
}

func waitID(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("event for %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event for %s", want)
	}
}

func TestEnsureConnection(t *testing.T) {
	p := newPair(t)

	if err := p.alice.EnsureConnection("MN-BOB"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	waitID(t, p.aliceEvents.connected, "MN-BOB")
	waitID(t, p.bobEvents.connected, "MN-ALICE")

	if st := p.alice.State("MN-BOB"); st != StateOpen {
		t.Fatalf("state = %s, want open", st)
	}

	// idempotent while open
	if err := p.alice.EnsureConnection("MN-BOB"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	select {
	case <-p.aliceEvents.connected:
		t.Fatal("second ensure must not open a second link")
	case <-time.After(100 * time.Millisecond):
	}

	err := p.alice.Send("MN-BOB", proto.Frame{Kind: proto.FrameMsg, Msg: &proto.Message{Type: proto.TypeChat, MessageID: "m1"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-p.bobEvents.frames:
		if f.Msg == nil || f.Msg.MessageID != "m1" {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never pumped")
	}
}

func TestDialFailure(t *testing.T) {
	p := newPair(t)
	p.alice.dialTimeout = 500 * time.Millisecond

	if err := p.alice.EnsureConnection("MN-NOBODY"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	select {
	case err := <-p.aliceEvents.failed:
		if !errors.Is(err, ErrConnectionFailed) {
			t.Fatalf("expected ErrConnectionFailed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}
	if st := p.alice.State("MN-NOBODY"); st != StateClosed {
		t.Fatalf("failed dial left state %s", st)
	}

	// a retry is allowed after failure
	if err := p.alice.EnsureConnection("MN-NOBODY"); err != nil {
		t.Fatalf("retry ensure: %v", err)
	}
}

func TestSendWithoutLink(t *testing.T) {
	p := newPair(t)
	err := p.alice.Send("MN-BOB", proto.Frame{Kind: proto.FrameMsg})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRemoteCloseFiresDisconnected(t *testing.T) {
	p := newPair(t)

	p.alice.EnsureConnection("MN-BOB")
	waitID(t, p.aliceEvents.connected, "MN-BOB")
	waitID(t, p.bobEvents.connected, "MN-ALICE")

	p.bob.Disconnect("MN-ALICE")

	waitID(t, p.aliceEvents.disconnected, "MN-BOB")
	if st := p.alice.State("MN-BOB"); st != StateClosed {
		t.Fatalf("state after disconnect = %s", st)
	}

	// Disconnect is the silent variant on the closing side.
	select {
	case id := <-p.bobEvents.disconnected:
		t.Fatalf("Disconnect fired disconnected for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReplacementIsSilent(t *testing.T) {
	p := newPair(t)

	p.alice.EnsureConnection("MN-BOB")
	waitID(t, p.aliceEvents.connected, "MN-BOB")
	waitID(t, p.bobEvents.connected, "MN-ALICE")

	// Alice's session restarts: a fresh registry under the same identity
	// dials Bob while Bob still holds the old link. The new link must
	// replace the old one on Bob's side without a disconnected event.
	alice2 := New(p.hub.Endpoint("MN-ALICE", "Alice"))
	alice2Events := watch(alice2)
	t.Cleanup(alice2.CloseAll)

	alice2.EnsureConnection("MN-BOB")
	waitID(t, alice2Events.connected, "MN-BOB")
	waitID(t, p.bobEvents.connected, "MN-ALICE")

	select {
	case id := <-p.bobEvents.disconnected:
		t.Fatalf("replacement fired disconnected for %s", id)
	case <-time.After(200 * time.Millisecond):
	}

	if got := p.bob.Connected(); len(got) != 1 || got[0] != "MN-ALICE" {
		t.Fatalf("bob connected = %v", got)
	}

	// the surviving link carries traffic to the new session
	if err := p.bob.Send("MN-ALICE", proto.Frame{Kind: proto.FrameMsg, Msg: &proto.Message{MessageID: "after"}}); err != nil {
		t.Fatalf("send on survivor: %v", err)
	}
	select {
	case f := <-alice2Events.frames:
		if f.Msg == nil || f.Msg.MessageID != "after" {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("survivor link carried nothing")
	}
}

func TestConcurrentEnsureSingleLink(t *testing.T) {
	p := newPair(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.alice.EnsureConnection("MN-BOB")
		}()
	}
	wg.Wait()

	waitID(t, p.aliceEvents.connected, "MN-BOB")
	select {
	case <-p.aliceEvents.connected:
		t.Fatal("concurrent ensures opened more than one link")
	case <-time.After(200 * time.Millisecond):
	}
	if got := p.alice.Connected(); len(got) != 1 {
		t.Fatalf("connected = %v, want exactly one", got)
	}
}

func TestCloseAll(t *testing.T) {
	p := newPair(t)

	p.alice.EnsureConnection("MN-BOB")
	waitID(t, p.aliceEvents.connected, "MN-BOB")

	p.alice.CloseAll()

	select {
	case id := <-p.aliceEvents.disconnected:
		t.Fatalf("CloseAll fired disconnected for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
	if err := p.alice.EnsureConnection("MN-BOB"); !errors.Is(err, ErrClosed) {
		t.Fatalf("ensure after close: %v", err)
	}
	if err := p.alice.Send("MN-BOB", proto.Frame{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after close: %v", err)
	}
}
