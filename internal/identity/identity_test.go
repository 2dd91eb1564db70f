package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCanonical(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Alice", "MN-ALICE"},
		{"alice ", "MN-ALICE"},
		{"  aLiCe", "MN-ALICE"},
		{"bob-42", "MN-BOB42"},
		{"héllo wörld", "MN-HÉLLOWÖRLD"},
		{"@#$%", ""},
		{"   ", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := Canonical(c.in); got != c.want {
			t.Errorf("Canonical(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// fakeRegistrar scripts the rendezvous side for resolver tests.
type fakeRegistrar struct {
	mu    sync.Mutex
	taken map[string]bool
	block bool // never answer; let the caller's ctx expire

	lastID   string
	lastName string
}

type fakeRegistration struct {
	closed chan struct{}
	once   sync.Once
}

func (f *fakeRegistration) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeRegistration) Done() <-chan struct{} { return f.closed }

func (f *fakeRegistrar) Register(ctx context.Context, canonicalID, displayName string) (Registration, error) {
	f.mu.Lock()
	f.lastID, f.lastName = canonicalID, displayName
	taken := f.taken[canonicalID]
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrIdentityTaken, canonicalID)
	}
	return &fakeRegistration{closed: make(chan struct{})}, nil
}

func TestResolverRegister(t *testing.T) {
	reg := &fakeRegistrar{}
	r := NewResolver(reg, time.Second)

	ident, err := r.Register(context.Background(), "  Alice ")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ident.CanonicalID != "MN-ALICE" {
		t.Fatalf("canonical ID = %q", ident.CanonicalID)
	}
	if ident.DisplayName != "Alice" {
		t.Fatalf("display name = %q, want trimmed original", ident.DisplayName)
	}
	if reg.lastName != "  Alice " {
		t.Fatalf("registrar saw display name %q", reg.lastName)
	}
	if st := r.State(); st != StateOpen {
		t.Fatalf("state = %s, want open", st)
	}
	if got, ok := r.Identity(); !ok || got != ident {
		t.Fatalf("Identity() = %+v, %v", got, ok)
	}
}

func TestResolverEmptyName(t *testing.T) {
	r := NewResolver(&fakeRegistrar{}, time.Second)
	if _, err := r.Register(context.Background(), "!!!"); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if st := r.State(); st != StateIdle {
		t.Fatalf("state after empty name = %s, want idle", st)
	}
}

func TestResolverIdentityTaken(t *testing.T) {
	reg := &fakeRegistrar{taken: map[string]bool{"MN-ALICE": true}}
	r := NewResolver(reg, time.Second)

	_, err := r.Register(context.Background(), "Alice")
	if !errors.Is(err, ErrIdentityTaken) {
		t.Fatalf("expected ErrIdentityTaken, got %v", err)
	}
	if st := r.State(); st != StateFailed {
		t.Fatalf("state = %s, want failed", st)
	}
	if _, ok := r.Identity(); ok {
		t.Fatal("no identity should be held after a refused registration")
	}
}

func TestResolverTimeout(t *testing.T) {
	reg := &fakeRegistrar{block: true}
	r := NewResolver(reg, 50*time.Millisecond)

	_, err := r.Register(context.Background(), "Alice")
	if !errors.Is(err, ErrRegistrationTimeout) {
		t.Fatalf("expected ErrRegistrationTimeout, got %v", err)
	}
	if st := r.State(); st != StateFailed {
		t.Fatalf("state = %s, want failed", st)
	}
}

func TestResolverBusy(t *testing.T) {
	r := NewResolver(&fakeRegistrar{}, time.Second)
	if _, err := r.Register(context.Background(), "Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(context.Background(), "Bob"); err == nil {
		t.Fatal("second register while open should fail")
	}
}

func TestResolverDestroy(t *testing.T) {
	reg := &fakeRegistrar{}
	r := NewResolver(reg, time.Second)

	_, err := r.Register(context.Background(), "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	lost := r.Lost()
	if lost == nil {
		t.Fatal("Lost() nil while registered")
	}

	r.Destroy()
	r.Destroy() // idempotent

	select {
	case <-lost:
	default:
		t.Fatal("Destroy must close the underlying registration")
	}
	if st := r.State(); st != StateIdle {
		t.Fatalf("state after destroy = %s, want idle", st)
	}
	if r.Lost() != nil {
		t.Fatal("Lost() should be nil after destroy")
	}

	// The identity is free again.
	if _, err := r.Register(context.Background(), "Alice"); err != nil {
		t.Fatalf("re-register after destroy: %v", err)
	}
}
