package channel

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/martam/internal/proto"
	"github.com/petervdpas/martam/internal/registry"
	"github.com/petervdpas/martam/internal/transport"
)

type peerUnderTest struct {
	reg *registry.Manager
	msg *Messenger
}

func newPeer(t *testing.T, hub *transport.Hub, id, name string, retries int, interval time.Duration) *peerUnderTest {
	t.Helper()
	reg := registry.New(hub.Endpoint(id, name))
	m := NewMessenger(reg, id, name, retries, interval)
	reg.SetFrameHandler(m.HandleFrame)
	t.Cleanup(func() {
		m.Close()
		reg.CloseAll()
	})
	return &peerUnderTest{reg: reg, msg: m}
}

type recorder struct {
	mu   sync.Mutex
	msgs []proto.Message
	from []string
	ch   chan proto.Message
}

func record(m *Messenger) *recorder {
	r := &recorder{ch: make(chan proto.Message, 32)}
	m.OnMessage(func(from string, msg proto.Message) {
		r.mu.Lock()
		r.msgs = append(r.msgs, msg)
		r.from = append(r.from, from)
		r.mu.Unlock()
		r.ch <- msg
	})
	return r
}

func (r *recorder) wait(t *testing.T, n int) []proto.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		if len(r.msgs) >= n {
			out := append([]proto.Message{}, r.msgs...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

func TestSendImmediate(t *testing.T) {
	hub := transport.NewHub()
	alice := newPeer(t, hub, "MN-ALICE", "Alice", 4, time.Second)
	bob := newPeer(t, hub, "MN-BOB", "Bob", 4, time.Second)
	got := record(bob.msg)

	id, err := alice.msg.Send("MN-BOB", proto.TypeChat, map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatal("chat messages must carry an ID")
	}

	msgs := got.wait(t, 1)
	m := msgs[0]
	if m.Type != proto.TypeChat || m.MessageID != id {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.SenderID != "MN-ALICE" || m.SenderName != "Alice" {
		t.Fatalf("sender fields %s/%s", m.SenderID, m.SenderName)
	}
	if m.TS == 0 {
		t.Fatal("missing timestamp")
	}
	var body map[string]string
	if err := json.Unmarshal(m.Payload, &body); err != nil || body["text"] != "hi" {
		t.Fatalf("payload %s: %v", m.Payload, err)
	}
}

func TestQueuedWhileUnreachableDeliversInOrder(t *testing.T) {
	hub := transport.NewHub()
	alice := newPeer(t, hub, "MN-ALICE", "Alice", 50, 50*time.Millisecond)

	// Bob is not reachable yet; all three sends queue up.
	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		id, err := alice.msg.Send("MN-BOB", proto.TypeChat, map[string]string{"text": text})
		if err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
		ids = append(ids, id)
	}

	// Bob appears; the retry loop redials and must flush in send order.
	bob := newPeer(t, hub, "MN-BOB", "Bob", 4, time.Second)
	got := record(bob.msg)

	msgs := got.wait(t, 3)
	for i, m := range msgs {
		if m.MessageID != ids[i] {
			t.Fatalf("message %d arrived as %s, want %s", i, m.MessageID, ids[i])
		}
	}
}

func TestRetryExhaustion(t *testing.T) {
	hub := transport.NewHub()
	alice := newPeer(t, hub, "MN-ALICE", "Alice", 3, 20*time.Millisecond)

	dropped := make(chan error, 1)
	alice.msg.OnUndeliverable(func(to string, m proto.Message, err error) {
		if to == "MN-GHOST" && m.Type == proto.TypeChat {
			dropped <- err
		}
	})

	if _, err := alice.msg.Send("MN-GHOST", proto.TypeChat, map[string]string{"text": "anyone?"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case err := <-dropped:
		if !errors.Is(err, ErrUndeliverable) {
			t.Fatalf("expected ErrUndeliverable, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exhausted message never surfaced")
	}
}

func TestHeartbeatRouting(t *testing.T) {
	hub := transport.NewHub()
	alice := newPeer(t, hub, "MN-ALICE", "Alice", 4, time.Second)
	bob := newPeer(t, hub, "MN-BOB", "Bob", 4, time.Second)

	beats := make(chan string, 1)
	bob.msg.OnHeartbeat(func(from string, _ proto.Message) { beats <- from })
	bob.msg.OnMessage(func(_ string, m proto.Message) {
		if m.Type == proto.TypeHeartbeat {
			t.Error("heartbeat reached the message handlers")
		}
	})

	if _, err := alice.msg.Send("MN-BOB", proto.TypeHeartbeat, nil); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}

	select {
	case from := <-beats:
		if from != "MN-ALICE" {
			t.Fatalf("heartbeat from %s", from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never routed")
	}
}

func TestBlockedPeerFiltered(t *testing.T) {
	hub := transport.NewHub()
	alice := newPeer(t, hub, "MN-ALICE", "Alice", 4, time.Second)
	bob := newPeer(t, hub, "MN-BOB", "Bob", 4, time.Second)

	bob.msg.SetBlocked(func(id string) bool { return id == "MN-ALICE" })

	syncs := make(chan proto.Message, 1)
	bob.msg.OnMessage(func(_ string, m proto.Message) {
		switch m.Type {
		case proto.TypeChat:
			t.Error("chat from blocked peer delivered")
		case proto.TypeProfileSync:
			syncs <- m
		}
	})

	if _, err := alice.msg.Send("MN-BOB", proto.TypeChat, map[string]string{"text": "ignored"}); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	if _, err := alice.msg.Send("MN-BOB", proto.TypeProfileSync, map[string]string{"name": "Alice"}); err != nil {
		t.Fatalf("send profile: %v", err)
	}

	select {
	case <-syncs:
	case <-time.After(2 * time.Second):
		t.Fatal("profile sync from blocked peer must still pass")
	}
}

func TestProfileSyncOnConnect(t *testing.T) {
	hub := transport.NewHub()
	alice := newPeer(t, hub, "MN-ALICE", "Alice", 4, time.Second)
	bob := newPeer(t, hub, "MN-BOB", "Bob", 4, time.Second)

	alice.msg.SetProfileSource(func() json.RawMessage {
		return json.RawMessage(`{"displayName":"Alice","avatarHash":"abc"}`)
	})

	syncs := make(chan proto.Message, 1)
	bob.msg.OnMessage(func(from string, m proto.Message) {
		if from == "MN-ALICE" && m.Type == proto.TypeProfileSync {
			syncs <- m
		}
	})

	// Opening the link is enough; no explicit send needed.
	if err := alice.reg.EnsureConnection("MN-BOB"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	select {
	case m := <-syncs:
		var prof map[string]string
		if err := json.Unmarshal(m.Payload, &prof); err != nil || prof["avatarHash"] != "abc" {
			t.Fatalf("profile payload %s: %v", m.Payload, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("profile sync never sent on connect")
	}
}
