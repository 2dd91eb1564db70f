package proto

import (
	"encoding/json"
	"time"
)

const (
	// libp2p stream protocol ID carrying one logical peer link
	// (hello frame, then interleaved msg/signal frames until close)
	LinkProtoID = "/martam/link/1.0.0"

	// gossipsub topic for online/offline announcements
	PresenceTopic = "martam.presence.v1"

	// mDNS service tag for LAN discovery
	MdnsTag = "martam.local"
)

// Frame kinds multiplexed on a link stream.
const (
	FrameHello  = "hello"  // first frame in each direction, identifies the sender
	FrameMsg    = "msg"    // application message (Message payload)
	FrameSignal = "signal" // call signaling envelope, never reaches the message handler
	FrameBye    = "bye"    // clean shutdown notice before stream close
)

// Application message types, matching the original wire vocabulary.
const (
	TypeProfileSync = "SYNC_PROFILE"
	TypeChat        = "CHAT"
	TypeImage       = "IMAGE"
	TypeVoice       = "VOICE"
	TypeCallLog     = "CALL_LOG"
	TypeTyping      = "TYPING"
	TypeHeartbeat   = "HEARTBEAT"
	TypeReadReceipt = "READ_RECEIPT"
)

// Frame is the NDJSON unit written on a link stream. Exactly one of
// Msg/Signal is set depending on Kind; hello frames use the top-level
// identity fields.
type Frame struct {
	Kind string `json:"kind"`

	// hello fields
	PeerID      string `json:"peerId,omitempty"` // canonical identity, e.g. "MN-ALICE"
	DisplayName string `json:"displayName,omitempty"`

	Msg    *Message   `json:"msg,omitempty"`
	Signal *SignalMsg `json:"signal,omitempty"`
}

// Message is one structured application message. Immutable once built.
// MessageID is required for Chat/Image/Voice/CallLog so receivers can
// deduplicate and correlate read receipts.
type Message struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName,omitempty"`
	MessageID  string          `json:"messageId,omitempty"`
	TS         int64           `json:"ts"`
}

// NeedsMessageID reports whether t must carry a MessageID on the wire.
func NeedsMessageID(t string) bool {
	switch t {
	case TypeChat, TypeImage, TypeVoice, TypeCallLog:
		return true
	}
	return false
}

// Call signaling message types. CallID groups all signals of one call.
const (
	SignalCallRequest = "call-request"
	SignalCallAnswer  = "call-answer"
	SignalCallICE     = "call-ice"
	SignalCallReject  = "call-reject"
	SignalCallHangup  = "call-hangup"
)

type SignalMsg struct {
	Type   string          `json:"type"`
	CallID string          `json:"callId"`
	From   string          `json:"from"`
	SDP    string          `json:"sdp,omitempty"`
	ICE    json.RawMessage `json:"ice,omitempty"`
	Video  bool            `json:"video,omitempty"`
}

// Call log statuses recorded in a CALL_LOG message. The caller computes
// the log once its side of the call ends and sends it to the callee.
const (
	CallCompleted = "completed"
	CallDeclined  = "declined"
	CallMissed    = "missed"
)

// CallLogPayload is the body of a CALL_LOG message.
type CallLogPayload struct {
	CallID     string `json:"callId"`
	Status     string `json:"status"` // completed|declined|missed
	DurationMS int64  `json:"durationMs"`
	Video      bool   `json:"video"`
}

// Presence announce types, broadcast on the pubsub presence topic at
// login, logout and profile change. An announce refreshes already-known
// contacts only; contacts are never created from an announce alone.
const (
	AnnounceOnline  = "online"
	AnnounceOffline = "offline"
)

type PresenceAnnounce struct {
	Type        string `json:"type"` // online|offline
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarHash  string `json:"avatarHash,omitempty"`
	TS          int64  `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
