package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/martam/internal/proto"
	"github.com/petervdpas/martam/internal/rendezvous"
	"github.com/petervdpas/martam/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems: dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

const (
	// maxFrameSize bounds one NDJSON frame on a link stream. Image and
	// voice payloads ride base64-encoded inside messages, so frames can
	// get large.
	maxFrameSize = 8 << 20

	helloTimeout = 10 * time.Second
	writeTimeout = 15 * time.Second
)

// P2P is the production Endpoint: a libp2p host with one stream
// protocol for peer links and a gossipsub topic for presence.
type P2P struct {
	host     host.Host
	ps       *pubsub.PubSub
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	resolver *rendezvous.Client

	localID   string
	localName string

	mu        sync.Mutex
	inboundH  func(Conn)
	announceH func(proto.PresenceAnnounce)
	closed    bool

	cancel context.CancelFunc
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent host key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt host key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal host key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save host key: %w", err)
	}

	return priv, true, nil
}

// NewP2P builds the libp2p endpoint for the given local identity.
// resolver translates canonical IDs to host records when dialing.
func NewP2P(ctx context.Context, listenPort int, keyFile string, resolver *rendezvous.Client, localID, localName string) (*P2P, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("p2p: generated new host key: %s", keyFile)
	} else {
		log.Printf("p2p: loaded host key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS: discovered hosts get connected so that a
	// later link dial finds an existing connection.
	md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(proto.PresenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p := &P2P{
		host:      h,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		resolver:  resolver,
		localID:   localID,
		localName: localName,
		cancel:    cancel,
	}

	h.SetStreamHandler(protocol.ID(proto.LinkProtoID), p.onStream)
	go p.announceLoop(loopCtx)

	log.Printf("p2p: host %s listening on port %d", h.ID(), listenPort)
	return p, nil
}

func (p *P2P) LocalID() string   { return p.localID }
func (p *P2P) LocalName() string { return p.localName }

func (p *P2P) SetInboundHandler(h func(Conn)) {
	p.mu.Lock()
	p.inboundH = h
	p.mu.Unlock()
}

func (p *P2P) SetAnnounceHandler(h func(proto.PresenceAnnounce)) {
	p.mu.Lock()
	p.announceH = h
	p.mu.Unlock()
}

func (p *P2P) Addrs() (string, []string) {
	var addrs []string
	for _, a := range p.host.Addrs() {
		addrs = append(addrs, a.String())
	}
	return p.host.ID().String(), addrs
}

// Dial resolves canonicalID through the rendezvous service, connects the
// hosts and opens a link stream with a hello exchange.
func (p *P2P) Dial(ctx context.Context, canonicalID string) (Conn, error) {
	rec, err := p.resolver.Resolve(ctx, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", canonicalID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, canonicalID)
	}

	pid, err := peer.Decode(rec.HostID)
	if err != nil {
		return nil, fmt.Errorf("bad host ID in record for %s: %w", canonicalID, err)
	}
	ai := peer.AddrInfo{ID: pid}
	for _, s := range rec.Addrs {
		if a, err := ma.NewMultiaddr(s); err == nil {
			ai.Addrs = append(ai.Addrs, a)
		}
	}

	if err := p.host.Connect(ctx, ai); err != nil {
		return nil, fmt.Errorf("connect %s: %w", canonicalID, err)
	}

	s, err := p.host.NewStream(ctx, pid, protocol.ID(proto.LinkProtoID))
	if err != nil {
		return nil, fmt.Errorf("open link stream to %s: %w", canonicalID, err)
	}

	conn := newStreamConn(s)
	if err := conn.Send(proto.Frame{Kind: proto.FrameHello, PeerID: p.localID, DisplayName: p.localName}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello to %s: %w", canonicalID, err)
	}
	if err := conn.awaitHello(helloTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello from %s: %w", canonicalID, err)
	}
	return conn, nil
}

// onStream accepts an inbound link: read the dialer's hello, answer with
// ours, then hand the conn to the registry.
func (p *P2P) onStream(s network.Stream) {
	conn := newStreamConn(s)
	if err := conn.awaitHello(helloTimeout); err != nil {
		log.Printf("p2p: inbound stream from %s: %v", s.Conn().RemotePeer(), err)
		conn.Close()
		return
	}
	if err := conn.Send(proto.Frame{Kind: proto.FrameHello, PeerID: p.localID, DisplayName: p.localName}); err != nil {
		conn.Close()
		return
	}

	p.mu.Lock()
	h := p.inboundH
	p.mu.Unlock()
	if h == nil {
		log.Printf("p2p: dropping inbound link from %s (no handler)", conn.RemoteID())
		conn.Close()
		return
	}
	h(conn)
}

func (p *P2P) Announce(ctx context.Context, a proto.PresenceAnnounce) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return p.topic.Publish(ctx, data)
}

func (p *P2P) announceLoop(ctx context.Context) {
	self := p.host.ID()
	for {
		msg, err := p.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		var a proto.PresenceAnnounce
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			continue
		}
		p.mu.Lock()
		h := p.announceH
		p.mu.Unlock()
		if h != nil {
			h(a)
		}
	}
}

func (p *P2P) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.sub.Cancel()
	_ = p.topic.Close()
	return p.host.Close()
}

// streamConn adapts one libp2p stream to the Conn interface: NDJSON
// frames, one per line, pumped into a channel by a reader goroutine.
type streamConn struct {
	s network.Stream

	writeMu sync.Mutex
	frames  chan proto.Frame

	helloMu    sync.Mutex
	hello      chan struct{}
	remoteID   string
	remoteName string

	closeOnce sync.Once
}

func newStreamConn(s network.Stream) *streamConn {
	c := &streamConn{
		s:      s,
		frames: make(chan proto.Frame, 64),
		hello:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *streamConn) readLoop() {
	defer close(c.frames)
	defer c.Close()

	r := bufio.NewReaderSize(c.s, 64<<10)
	sawHello := false
	for {
		line, err := readLine(r, maxFrameSize)
		if err != nil {
			return
		}
		var f proto.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			log.Printf("p2p: bad frame from %s: %v", c.s.Conn().RemotePeer(), err)
			return
		}

		if f.Kind == proto.FrameHello {
			if !sawHello {
				sawHello = true
				c.helloMu.Lock()
				c.remoteID = f.PeerID
				c.remoteName = f.DisplayName
				c.helloMu.Unlock()
				close(c.hello)
			}
			continue
		}
		if !sawHello {
			// protocol violation: traffic before identification
			return
		}
		if f.Kind == proto.FrameBye {
			return
		}
		c.frames <- f
	}
}

// readLine reads one newline-terminated frame, refusing lines over max.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max {
			return nil, fmt.Errorf("frame exceeds %d bytes", max)
		}
		if err == nil {
			return line, nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
}

// awaitHello blocks until the remote identified itself.
func (c *streamConn) awaitHello(timeout time.Duration) error {
	select {
	case <-c.hello:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no hello within %s", timeout)
	}
}

func (c *streamConn) RemoteID() string {
	c.helloMu.Lock()
	defer c.helloMu.Unlock()
	return c.remoteID
}

func (c *streamConn) RemoteName() string {
	c.helloMu.Lock()
	defer c.helloMu.Unlock()
	return c.remoteName
}

func (c *streamConn) Send(f proto.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.s.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.s.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *streamConn) Frames() <-chan proto.Frame { return c.frames }

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		// best effort: tell the other side this is a clean shutdown
		c.writeMu.Lock()
		_ = c.s.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
		data, _ := json.Marshal(proto.Frame{Kind: proto.FrameBye})
		_, _ = c.s.Write(append(data, '\n'))
		c.writeMu.Unlock()
		_ = c.s.Close()
	})
	return nil
}
