// Package call manages WebRTC call sessions using Pion. It is coupled
// to the rest of the session layer only through the Signaler interface;
// local media enters as opaque track providers and remote media leaves
// through a callback.
package call

import (
	"errors"

	"github.com/petervdpas/martam/internal/proto"
)

var (
	// ErrCallActive means another call session is not Ended yet.
	ErrCallActive = errors.New("another call is active")

	// ErrSignalingFailed means a signaling message could not be
	// delivered to the remote peer.
	ErrSignalingFailed = errors.New("call signaling failed")
)

// Signaler carries signaling messages to a remote peer. Implemented on
// top of the connection registry; kept as an interface so call tests
// run against a scripted fake.
type Signaler interface {
	Send(remoteID string, sig proto.SignalMsg) error
}

// Stage of a call session. Transitions are one-way:
//
//	Ringing → Answered → Active → Ended
//
// with Ended reachable from every earlier stage.
type Stage string

const (
	StageRinging  Stage = "ringing"
	StageAnswered Stage = "answered"
	StageActive   Stage = "active"
	StageEnded    Stage = "ended"
)

// End reasons recorded on a session once it reaches StageEnded.
const (
	ReasonHangup   = "hangup"
	ReasonRejected = "rejected"
	ReasonFailed   = "failed"
	ReasonClosed   = "closed"
)

// IncomingCall is handed to OnIncoming handlers when a remote peer
// requests a call. Exactly one of Accept or Reject should be called.
type IncomingCall struct {
	CallID     string
	RemotePeer string
	RemoteName string
	Video      bool

	Accept func() (*Session, error)
	Reject func()
}
