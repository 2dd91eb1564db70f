// Package identity derives canonical peer identifiers from human-chosen
// nicknames and drives registration of the local identity against the
// rendezvous service.
//
// The mapping from display name to canonical ID is deterministic on
// purpose: other peers dial a known nickname, so two sessions using the
// same nickname collide by design and the second one is refused.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Namespace is the fixed prefix applied to every canonical ID so martam
// identities cannot collide with unrelated users of the same rendezvous
// service.
const Namespace = "MN-"

var (
	// ErrIdentityTaken means the canonical ID is already registered by a
	// live session. Recoverable by choosing another name, or by one
	// bounded retry (the previous holder may be shutting down).
	ErrIdentityTaken = errors.New("identity already taken")

	// ErrRegistrationTimeout means the rendezvous service did not confirm
	// the registration within the configured bound.
	ErrRegistrationTimeout = errors.New("registration timed out")

	// ErrEmptyName means the display name canonicalized to nothing.
	ErrEmptyName = errors.New("display name has no usable characters")
)

// Canonical turns a display name into its canonical identifier:
// uppercase, non-alphanumerics stripped, Namespace prefix applied.
// Pure and deterministic: "alice " and "ALICE" yield the same ID.
func Canonical(displayName string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(displayName)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return Namespace + b.String()
}

// State of the local identity registration.
type State string

const (
	StateIdle        State = "idle"
	StateRegistering State = "registering"
	StateOpen        State = "open"
	StateFailed      State = "failed"
)

// LocalIdentity is the registered local account.
type LocalIdentity struct {
	DisplayName string
	CanonicalID string
}

// Registration is a live registration handle. Closing it unregisters the
// identity from the rendezvous service. Done is closed if the service
// drops the registration from its side.
type Registration interface {
	Close() error
	Done() <-chan struct{}
}

// Registrar negotiates a registration with the rendezvous service.
// Implemented by rendezvous.Client; kept as an interface so the resolver
// tests run without a server.
type Registrar interface {
	Register(ctx context.Context, canonicalID, displayName string) (Registration, error)
}

// Resolver owns one local identity registration at a time.
type Resolver struct {
	registrar Registrar
	timeout   time.Duration

	mu    sync.Mutex
	state State
	ident LocalIdentity
	reg   Registration
}

// NewResolver creates a resolver. timeout bounds how long Register waits
// for the rendezvous service to confirm.
func NewResolver(registrar Registrar, timeout time.Duration) *Resolver {
	return &Resolver{
		registrar: registrar,
		timeout:   timeout,
		state:     StateIdle,
	}
}

// Register canonicalizes displayName and registers it with the rendezvous
// service. On success the resolver holds the live registration until
// Destroy. On ErrIdentityTaken or ErrRegistrationTimeout no partial
// registration state is left behind.
func (r *Resolver) Register(ctx context.Context, displayName string) (LocalIdentity, error) {
	id := Canonical(displayName)
	if id == "" {
		return LocalIdentity{}, ErrEmptyName
	}

	r.mu.Lock()
	if r.state == StateRegistering || r.state == StateOpen {
		st := r.state
		r.mu.Unlock()
		return LocalIdentity{}, fmt.Errorf("resolver busy (state %s)", st)
	}
	r.state = StateRegistering
	r.mu.Unlock()

	regCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reg, err := r.registrar.Register(regCtx, id, displayName)
	if err != nil {
		r.mu.Lock()
		r.state = StateFailed
		r.mu.Unlock()
		if regCtx.Err() != nil && !errors.Is(err, ErrIdentityTaken) {
			return LocalIdentity{}, fmt.Errorf("%w: %v", ErrRegistrationTimeout, err)
		}
		return LocalIdentity{}, err
	}

	ident := LocalIdentity{DisplayName: strings.TrimSpace(displayName), CanonicalID: id}

	r.mu.Lock()
	r.state = StateOpen
	r.ident = ident
	r.reg = reg
	r.mu.Unlock()

	log.Printf("IDENTITY: registered %s (%q)", id, ident.DisplayName)
	return ident, nil
}

// State returns the current registration state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Identity returns the registered identity, if any.
func (r *Resolver) Identity() (LocalIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ident, r.state == StateOpen
}

// Lost returns a channel that is closed if the rendezvous service drops
// the registration. Returns nil when not registered.
func (r *Resolver) Lost() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reg == nil {
		return nil
	}
	return r.reg.Done()
}

// Destroy unregisters the identity. Idempotent, safe to call when
// already destroyed or never registered.
func (r *Resolver) Destroy() {
	r.mu.Lock()
	reg := r.reg
	r.reg = nil
	wasOpen := r.state == StateOpen
	r.state = StateIdle
	id := r.ident.CanonicalID
	r.ident = LocalIdentity{}
	r.mu.Unlock()

	if reg != nil {
		_ = reg.Close()
	}
	if wasOpen {
		log.Printf("IDENTITY: unregistered %s", id)
	}
}
