package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/martam/internal/identity"
	"github.com/petervdpas/martam/internal/proto"
	"github.com/petervdpas/martam/internal/util"
)

const (
	// keepalive ping interval on the registration websocket
	pingInterval = 20 * time.Second
	writeWait    = 10 * time.Second
)

// Client talks to the rendezvous service. Registration is held open on a
// websocket for its whole lifetime; closing the socket unregisters,
// while lookups go over plain HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// AddrSource supplies the local transport coordinates included in the
	// registration record. Set by the session before Register is called.
	AddrSource func() (hostID string, addrs []string)
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// wsURL converts the HTTP base URL to its websocket equivalent.
func (c *Client) wsURL() string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// registration is the live handle returned by Register. Closing it tears
// down the websocket, which the server treats as unregistration.
type registration struct {
	conn *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

func (r *registration) Close() error {
	r.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = r.conn.Close()
	})
	return nil
}

func (r *registration) Done() <-chan struct{} { return r.done }

// Register opens the registration websocket, sends the local record and
// waits for the server's verdict. Satisfies identity.Registrar.
//
// The caller's ctx bounds the whole negotiation; after a successful
// return the registration lives until Close (or until the server drops
// it, which closes Done).
func (c *Client) Register(ctx context.Context, canonicalID, displayName string) (identity.Registration, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("rendezvous: no base url configured")
	}

	rec := Record{
		PeerID:      canonicalID,
		DisplayName: displayName,
		TS:          proto.NowMillis(),
	}
	if c.AddrSource != nil {
		rec.HostID, rec.Addrs = c.AddrSource()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial %s: %w", c.wsURL(), err)
	}

	// Send the record, then wait for open / id-taken.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(rec); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous: send record: %w", err)
	}

	var verdict ctrlMsg
	if err := conn.ReadJSON(&verdict); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous: waiting for confirmation: %w", err)
	}

	switch verdict.Type {
	case ctrlOpen:
	case ctrlIDTaken:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", identity.ErrIdentityTaken, canonicalID)
	default:
		conn.Close()
		return nil, fmt.Errorf("rendezvous: unexpected control message %q", verdict.Type)
	}

	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})

	reg := &registration{conn: conn, done: make(chan struct{})}
	go reg.keepalive()
	return reg, nil
}

// keepalive pings the server and drains inbound frames. It exits (and
// closes done) when the socket dies; either side closing counts.
func (r *registration) keepalive() {
	defer close(r.done)

	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for range t.C {
			if err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := r.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Resolve looks up the record for a canonical ID.
// Returns (nil, nil) when the identity is not registered.
func (c *Client) Resolve(ctx context.Context, canonicalID string) (*Record, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("rendezvous: no base url configured")
	}

	url := c.BaseURL + "/resolve?id=" + canonicalID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
