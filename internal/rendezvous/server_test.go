package rendezvous

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/martam/internal/identity"
)

func startServer(t *testing.T, dbPath string) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := New("127.0.0.1:0", dbPath)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return srv
}

func TestRegisterAndResolve(t *testing.T) {
	srv := startServer(t, "")
	c := NewClient(srv.URL())
	c.AddrSource = func() (string, []string) {
		return "12D3KooWAlice", []string{"/ip4/127.0.0.1/tcp/4001"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := identity.Canonical("Alice")
	reg, err := c.Register(ctx, id, "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer reg.Close()

	rec, err := c.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec == nil {
		t.Fatal("resolve returned no record for a live registration")
	}
	if rec.PeerID != id || rec.DisplayName != "Alice" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.HostID != "12D3KooWAlice" || len(rec.Addrs) != 1 {
		t.Fatalf("record missing transport coordinates: %+v", rec)
	}
}

func TestResolveUnknown(t *testing.T) {
	srv := startServer(t, "")
	c := NewClient(srv.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := c.Resolve(ctx, identity.Canonical("Nobody"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no record, got %+v", rec)
	}
}

func TestDuplicateIdentityRefused(t *testing.T) {
	srv := startServer(t, "")
	c := NewClient(srv.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg, err := c.Register(ctx, identity.Canonical("ALICE"), "ALICE")
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	defer reg.Close()

	// "alice " collapses to the same canonical ID as "ALICE".
	_, err = c.Register(ctx, identity.Canonical("alice "), "alice ")
	if !errors.Is(err, identity.ErrIdentityTaken) {
		t.Fatalf("expected ErrIdentityTaken, got %v", err)
	}
}

func TestIdentityFreeAfterClose(t *testing.T) {
	srv := startServer(t, "")
	c := NewClient(srv.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := identity.Canonical("Bob")
	reg, err := c.Register(ctx, id, "Bob")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Close()

	// The server notices the closed socket asynchronously; retry until
	// the ID is registrable again.
	deadline := time.Now().Add(3 * time.Second)
	for {
		reg2, err := c.Register(ctx, id, "Bob")
		if err == nil {
			reg2.Close()
			return
		}
		if !errors.Is(err, identity.ErrIdentityTaken) {
			t.Fatalf("re-register: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("identity never freed after registration close")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestServerDropClosesDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := New("127.0.0.1:0", "")
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start server: %v", err)
	}

	regCtx, regCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer regCancel()

	c := NewClient(srv.URL())
	reg, err := c.Register(regCtx, identity.Canonical("Carol"), "Carol")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer reg.Close()

	cancel() // shut the server down under the registration

	select {
	case <-reg.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("registration did not observe the server going away")
	}
}

func TestArchivedRecordSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "peers.db")

	ctx1, cancel1 := context.WithCancel(context.Background())
	srv1 := New("127.0.0.1:0", dbPath)
	if err := srv1.Start(ctx1); err != nil {
		t.Fatalf("start first server: %v", err)
	}

	regCtx, regCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer regCancel()

	id := identity.Canonical("Dave")
	c1 := NewClient(srv1.URL())
	c1.AddrSource = func() (string, []string) {
		return "12D3KooWDave", []string{"/ip4/10.0.0.2/tcp/4001"}
	}
	reg, err := c1.Register(regCtx, id, "Dave")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Close()
	cancel1()
	time.Sleep(100 * time.Millisecond) // let shutdown flush

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	srv2 := New("127.0.0.1:0", dbPath)
	if err := srv2.Start(ctx2); err != nil {
		t.Fatalf("start second server: %v", err)
	}

	c2 := NewClient(srv2.URL())
	rec, err := c2.Resolve(regCtx, id)
	if err != nil {
		t.Fatalf("resolve after restart: %v", err)
	}
	if rec == nil {
		t.Fatal("record did not survive restart")
	}
	if rec.HostID != "12D3KooWDave" {
		t.Fatalf("unexpected restored record: %+v", rec)
	}

	// An archived record must not block a fresh registration.
	reg2, err := c2.Register(regCtx, id, "Dave")
	if err != nil {
		t.Fatalf("register over archived record: %v", err)
	}
	reg2.Close()
}
