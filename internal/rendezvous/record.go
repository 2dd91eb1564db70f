package rendezvous

// Record is what the rendezvous service stores per registered identity:
// the canonical ID other peers dial, and the transport coordinates
// needed to actually reach it.
type Record struct {
	PeerID      string   `json:"peerId"` // canonical identity, e.g. "MN-ALICE"
	DisplayName string   `json:"displayName,omitempty"`
	HostID      string   `json:"hostId"`          // libp2p host ID
	Addrs       []string `json:"addrs,omitempty"` // multiaddresses
	TS          int64    `json:"ts"`
}

// control messages exchanged on the registration websocket
const (
	ctrlOpen    = "open"
	ctrlIDTaken = "id-taken"
)

type ctrlMsg struct {
	Type string `json:"type"`
}
