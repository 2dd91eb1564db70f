// Package transport carries frames between peers. The session layers
// above it (registry, channel, presence, call) only see the Endpoint
// and Conn interfaces; production uses the libp2p endpoint, tests use
// the in-memory hub.
package transport

import (
	"context"
	"errors"

	"github.com/petervdpas/martam/internal/proto"
)

var (
	// ErrClosed means the endpoint or connection has been shut down.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownPeer means the canonical ID could not be resolved to a
	// reachable endpoint.
	ErrUnknownPeer = errors.New("peer not resolvable")
)

// Conn is one established link to a remote peer. Frames returns the
// inbound stream; the channel is closed when the link dies, whichever
// side closed it.
type Conn interface {
	RemoteID() string
	RemoteName() string
	Send(f proto.Frame) error
	Frames() <-chan proto.Frame
	Close() error
}

// Endpoint is a peer's attachment to the network fabric: it dials
// outbound links, accepts inbound ones, and carries the broadcast
// presence channel.
type Endpoint interface {
	LocalID() string
	LocalName() string

	// Dial establishes a link to the peer registered under canonicalID.
	Dial(ctx context.Context, canonicalID string) (Conn, error)

	// SetInboundHandler installs the callback for links initiated by
	// remote peers. Must be set before inbound traffic is expected.
	SetInboundHandler(h func(Conn))

	// Announce broadcasts a presence announcement to all reachable peers.
	Announce(ctx context.Context, a proto.PresenceAnnounce) error

	// SetAnnounceHandler installs the callback for announcements from
	// other peers. The local peer's own announcements are not delivered.
	SetAnnounceHandler(h func(proto.PresenceAnnounce))

	// Addrs returns the transport coordinates to publish in the
	// rendezvous record.
	Addrs() (hostID string, addrs []string)

	Close() error
}
