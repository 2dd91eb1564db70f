// Package presence tracks who on the contact list is reachable right
// now. Online state comes from link lifecycle events and heartbeats;
// gossip announcements refresh contacts we already know about.
package presence

import (
	"encoding/json"
	"sync"
	"time"
)

// Contact is one entry on the roster.
type Contact struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	AvatarHash  string `json:"avatarHash,omitempty"`
	Online      bool   `json:"online"`
	LastSeenAt  int64  `json:"lastSeenAt"` // unix millis, 0 = never
	Blocked     bool   `json:"blocked"`
}

// ContactEvent notifies table subscribers of a change.
type ContactEvent struct {
	Type    string   `json:"type"` // "update" or "remove"
	PeerID  string   `json:"peer_id"`
	Contact *Contact `json:"contact,omitempty"`
}

// Table is the mutable contact roster with change fanout.
type Table struct {
	mu        sync.Mutex
	contacts  map[string]Contact
	listeners []chan ContactEvent
}

func NewTable() *Table {
	return &Table{contacts: map[string]Contact{}}
}

// Add puts a peer on the roster. No-op if already present.
func (t *Table) Add(peerID, displayName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.contacts[peerID]; ok {
		return
	}
	c := Contact{PeerID: peerID, DisplayName: displayName}
	t.contacts[peerID] = c
	t.notify(ContactEvent{Type: "update", PeerID: peerID, Contact: &c})
}

// Remove drops a peer from the roster.
func (t *Table) Remove(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.contacts[peerID]; !ok {
		return
	}
	delete(t.contacts, peerID)
	t.notify(ContactEvent{Type: "remove", PeerID: peerID})
}

// SetOnline flips a contact's reachability. Going offline stamps
// LastSeenAt.
func (t *Table) SetOnline(peerID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contacts[peerID]
	if !ok || c.Online == online {
		return
	}
	c.Online = online
	c.LastSeenAt = time.Now().UnixMilli()
	t.contacts[peerID] = c
	t.notify(ContactEvent{Type: "update", PeerID: peerID, Contact: &c})
}

// Touch stamps LastSeenAt without a state change. Heartbeats land here.
func (t *Table) Touch(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contacts[peerID]
	if !ok {
		return
	}
	c.LastSeenAt = time.Now().UnixMilli()
	t.contacts[peerID] = c
}

// UpdateProfile refreshes display name and avatar for a known contact.
func (t *Table) UpdateProfile(peerID, displayName, avatarHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contacts[peerID]
	if !ok {
		return
	}
	if displayName != "" {
		c.DisplayName = displayName
	}
	if avatarHash != "" {
		c.AvatarHash = avatarHash
	}
	t.contacts[peerID] = c
	t.notify(ContactEvent{Type: "update", PeerID: peerID, Contact: &c})
}

// SetBlocked flips the block flag for a known contact.
func (t *Table) SetBlocked(peerID string, blocked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contacts[peerID]
	if !ok || c.Blocked == blocked {
		return
	}
	c.Blocked = blocked
	t.contacts[peerID] = c
	t.notify(ContactEvent{Type: "update", PeerID: peerID, Contact: &c})
}

// IsBlocked reports whether a peer is on the block list.
func (t *Table) IsBlocked(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contacts[peerID].Blocked
}

func (t *Table) Get(peerID string) (Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contacts[peerID]
	return c, ok
}

func (t *Table) Snapshot() map[string]Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Contact, len(t.contacts))
	for k, v := range t.contacts {
		cp[k] = v
	}
	return cp
}

func (t *Table) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.contacts))
	for id := range t.contacts {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a change event channel. Slow subscribers miss
// events rather than blocking the table.
func (t *Table) Subscribe() chan ContactEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan ContactEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan ContactEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// notify fans out to subscribers without blocking. Caller holds t.mu.
func (t *Table) notify(ev ContactEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CloseListeners closes every subscriber channel. Called on teardown.
func (t *Table) CloseListeners() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.listeners {
		close(ch)
	}
	t.listeners = nil
}

// ProfilePayload is the body of a profile sync message.
type ProfilePayload struct {
	DisplayName string `json:"displayName"`
	AvatarHash  string `json:"avatarHash,omitempty"`
}

// DecodeProfile parses a profile sync payload; bad payloads yield the
// zero value.
func DecodeProfile(raw json.RawMessage) ProfilePayload {
	var p ProfilePayload
	_ = json.Unmarshal(raw, &p)
	return p
}
