package api

import (
	"log"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"entity-sync/internal/observability"
	"entity-sync/internal/relay"
)

const (
	// MaxWSConnectionsPerIP is the maximum WebSocket connections per IP
	MaxWSConnectionsPerIP = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if IsAllowedOrigin(origin) {
			return true
		}

		// Log rejected origin for security monitoring
		log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
		observability.RecordConnectionRejected("origin")
		return false
	},
}

// PeerEndpoint upgrades peer connections and hands them to the relay hub.
type PeerEndpoint struct {
	hub      *relay.Hub
	maxConns int
	active   atomic.Int64

	gate *socketGate
}

// NewPeerEndpoint creates the /ws handler. maxConns caps open sockets,
// including ones still in their handshake.
func NewPeerEndpoint(hub *relay.Hub, maxConns int) *PeerEndpoint {
	return &PeerEndpoint{
		hub:      hub,
		maxConns: maxConns,
		gate:     newSocketGate(MaxWSConnectionsPerIP),
	}
}

// ServeHTTP handles incoming WebSocket connections with DoS protection
func (p *PeerEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if p.maxConns > 0 && int(p.active.Load()) >= p.maxConns {
		log.Printf("⚠️ WebSocket connection rejected: total limit reached (%d)", p.maxConns)
		observability.RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	if !p.gate.acquire(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		observability.RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}
	defer p.gate.release(ip)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	observability.UpdateWSConnections(int(p.active.Add(1)))
	defer func() {
		observability.UpdateWSConnections(int(p.active.Add(-1)))
	}()

	// Blocks until the peer disconnects.
	p.hub.Serve(conn)
}

// Active returns the number of open peer sockets.
func (p *PeerEndpoint) Active() int {
	return int(p.active.Load())
}

// Stats reports open sockets, distinct client addresses and per-IP rejections.
func (p *PeerEndpoint) Stats() map[string]uint64 {
	stats := p.gate.stats()
	stats["active"] = uint64(p.active.Load())
	return stats
}
