package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/martam/internal/channel"
	"github.com/petervdpas/martam/internal/proto"
	"github.com/petervdpas/martam/internal/registry"
	"github.com/petervdpas/martam/internal/transport"
	"github.com/petervdpas/martam/internal/util"
)

// Monitor keeps the contact table current: heartbeats over open links,
// periodic online announcements on the broadcast channel, and immediate
// offline marking when a link drops.
type Monitor struct {
	table *Table
	reg   *registry.Manager
	msg   *channel.Messenger
	ep    transport.Endpoint

	interval time.Duration

	// selfAvatar supplies the avatar hash for our own announcements.
	selfAvatar func() string

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor wires presence tracking into the registry, messenger and
// endpoint. interval is the heartbeat and re-announce period.
func NewMonitor(table *Table, reg *registry.Manager, msg *channel.Messenger, ep transport.Endpoint, interval time.Duration, selfAvatar func() string) *Monitor {
	m := &Monitor{
		table:      table,
		reg:        reg,
		msg:        msg,
		ep:         ep,
		interval:   interval,
		selfAvatar: selfAvatar,
		stopCh:     make(chan struct{}),
	}

	reg.OnConnected(func(remoteID, displayName string) {
		table.Add(remoteID, displayName)
		table.UpdateProfile(remoteID, displayName, "")
		table.SetOnline(remoteID, true)
	})
	reg.OnDisconnected(func(remoteID string) {
		table.SetOnline(remoteID, false)
	})

	msg.OnHeartbeat(func(from string, _ proto.Message) {
		table.SetOnline(from, true)
		table.Touch(from)
	})
	msg.OnMessage(func(from string, pm proto.Message) {
		if pm.Type != proto.TypeProfileSync {
			return
		}
		p := DecodeProfile(pm.Payload)
		table.Add(from, p.DisplayName)
		table.UpdateProfile(from, p.DisplayName, p.AvatarHash)
	})

	ep.SetAnnounceHandler(m.onAnnounce)
	return m
}

// onAnnounce refreshes contacts we already track; announcements from
// strangers are ignored.
func (m *Monitor) onAnnounce(a proto.PresenceAnnounce) {
	if _, known := m.table.Get(a.PeerID); !known {
		return
	}
	m.table.UpdateProfile(a.PeerID, a.DisplayName, a.AvatarHash)
	switch a.Type {
	case proto.AnnounceOnline:
		m.table.Touch(a.PeerID)
	case proto.AnnounceOffline:
		m.table.SetOnline(a.PeerID, false)
	}
}

// Start announces the local peer and begins the heartbeat loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.wg.Add(1)
	m.mu.Unlock()

	m.announce(proto.AnnounceOnline)
	go m.loop()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
		}

		m.heartbeat()
		m.announce(proto.AnnounceOnline)
	}
}

// heartbeat pings every open link directly, bypassing the messenger's
// retry queue. A heartbeat that misses a dying link is not worth
// redelivering; the next tick covers it.
func (m *Monitor) heartbeat() {
	hb := proto.Message{
		Type:       proto.TypeHeartbeat,
		SenderID:   m.ep.LocalID(),
		SenderName: m.ep.LocalName(),
		TS:         proto.NowMillis(),
	}
	for _, id := range m.reg.Connected() {
		if err := m.reg.Send(id, proto.Frame{Kind: proto.FrameMsg, Msg: &hb}); err != nil {
			log.Printf("PRESENCE: heartbeat to %s: %v", id, err)
		}
	}
}

func (m *Monitor) announce(kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()

	a := proto.PresenceAnnounce{
		Type:        kind,
		PeerID:      m.ep.LocalID(),
		DisplayName: m.ep.LocalName(),
		TS:          proto.NowMillis(),
	}
	if m.selfAvatar != nil {
		a.AvatarHash = m.selfAvatar()
	}
	if err := m.ep.Announce(ctx, a); err != nil {
		log.Printf("PRESENCE: announce %s: %v", kind, err)
	}
}

// Stop announces offline and halts the loop. After Stop returns no
// monitor timer is left running. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	if started {
		close(m.stopCh)
	}
	m.announce(proto.AnnounceOffline)
	m.wg.Wait()
}
