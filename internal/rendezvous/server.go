// Package rendezvous maps canonical identities to reachable transport
// endpoints. The client side is consumed by every peer; the server is
// the bundled reference implementation of the directory: a peer holds
// its registration open on a websocket, and losing the socket is losing
// the registration.
package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/martam/internal/proto"
)

const (
	// how long the server tolerates a silent registration socket before
	// it considers the peer gone (clients ping every pingInterval)
	pongWait = 60 * time.Second

	// stale DB records older than this are purged
	archiveTTL = 24 * time.Hour
)

// Server is the rendezvous directory service.
type Server struct {
	addr   string
	dbPath string

	mu      sync.Mutex
	live    map[string]*liveReg // canonical ID → live registration
	archive map[string]Record   // resolve-only records from a prior run

	db       *peerDB
	httpSrv  *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
}

type liveReg struct {
	rec  Record
	conn *websocket.Conn
}

// New creates a rendezvous server bound to addr ("host:port"). dbPath
// optionally points at a SQLite file so records survive a restart;
// empty means in-memory only.
func New(addr, dbPath string) *Server {
	return &Server{
		addr:    addr,
		dbPath:  dbPath,
		live:    make(map[string]*liveReg),
		archive: make(map[string]Record),
		upgrader: websocket.Upgrader{
			// peers are not browsers; no origin policy applies
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.dbPath != "" {
		db, err := openPeerDB(s.dbPath)
		if err != nil {
			return fmt.Errorf("rendezvous: open peer db: %w", err)
		}
		s.db = db
		db.cleanupStale(time.Now().Add(-archiveTTL).UnixMilli())
		if recs, err := db.loadAll(); err == nil {
			s.mu.Lock()
			for _, r := range recs {
				s.archive[r.PeerID] = r
			}
			s.mu.Unlock()
			log.Printf("rendezvous: restored %d archived records", len(recs))
		}
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("rendezvous: serve error: %v", err)
		}
	}()

	go s.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
		if s.db != nil {
			_ = s.db.close()
		}
	}()

	log.Printf("rendezvous: listening on %s", ln.Addr())
	return nil
}

// URL returns the server's HTTP base URL.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// handleWS negotiates one registration. The first client message is the
// Record; the server answers open or id-taken. The registration lives
// exactly as long as the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	var rec Record
	if err := conn.ReadJSON(&rec); err != nil {
		conn.Close()
		return
	}
	if rec.PeerID == "" {
		conn.Close()
		return
	}
	if rec.TS == 0 {
		rec.TS = proto.NowMillis()
	}

	s.mu.Lock()
	if _, taken := s.live[rec.PeerID]; taken {
		s.mu.Unlock()
		_ = conn.WriteJSON(ctrlMsg{Type: ctrlIDTaken})
		log.Printf("rendezvous: refused %s (already registered)", rec.PeerID)
		conn.Close()
		return
	}
	reg := &liveReg{rec: rec, conn: conn}
	s.live[rec.PeerID] = reg
	delete(s.archive, rec.PeerID)
	s.mu.Unlock()

	if s.db != nil {
		s.db.upsert(rec)
	}

	if err := conn.WriteJSON(ctrlMsg{Type: ctrlOpen}); err != nil {
		s.unregister(rec.PeerID, reg)
		conn.Close()
		return
	}

	log.Printf("rendezvous: registered %s (host %s, %d addrs)", rec.PeerID, rec.HostID, len(rec.Addrs))

	// Pings refresh the read deadline; anything else is drained. The
	// default ping handler already answers with a pong.
	base := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return base(appData)
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	s.unregister(rec.PeerID, reg)
	conn.Close()
	log.Printf("rendezvous: unregistered %s", rec.PeerID)
}

// unregister removes a live registration, but only if it is still the
// one we placed; a newer registration for the same ID must survive.
// The record stays resolvable in the archive until it goes stale.
func (s *Server) unregister(id string, reg *liveReg) {
	s.mu.Lock()
	if cur, ok := s.live[id]; ok && cur == reg {
		delete(s.live, id)
		reg.rec.TS = proto.NowMillis()
		s.archive[id] = reg.rec
	}
	s.mu.Unlock()
}

// sweepLoop periodically drops archived records past archiveTTL. Live
// registrations are never swept; their sockets are their liveness.
func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		cutoff := time.Now().Add(-archiveTTL).UnixMilli()
		var expired []string
		s.mu.Lock()
		for id, rec := range s.archive {
			if rec.TS < cutoff {
				delete(s.archive, id)
				expired = append(expired, id)
			}
		}
		s.mu.Unlock()

		if s.db != nil {
			for _, id := range expired {
				s.db.remove(id)
			}
		}
		if len(expired) > 0 {
			log.Printf("rendezvous: swept %d stale records", len(expired))
		}
	}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var rec Record
	found := false
	if reg, ok := s.live[id]; ok {
		rec, found = reg.rec, true
	} else if r2, ok := s.archive[id]; ok {
		rec, found = r2, true
	}
	s.mu.Unlock()

	if !found {
		http.Error(w, "unknown id", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}
