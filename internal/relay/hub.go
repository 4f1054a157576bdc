package relay

import (
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"entity-sync/internal/config"
	"entity-sync/internal/des"
	"entity-sync/internal/observability"
	"entity-sync/internal/wire"
)

const (
	// PeerSendBuffer is the per-peer outbound frame queue
	PeerSendBuffer = 256

	HandshakeTimeout = 5 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

var (
	ErrHubFull       = errors.New("relay: peer limit reached")
	ErrDuplicatePeer = errors.New("relay: peer id already connected")
	ErrNotHello      = errors.New("relay: first frame must be hello")
)

// Peer is one connected peer as seen by the hub.
type Peer struct {
	ID       des.PeerID
	send     chan []byte
	done     chan struct{}
	limiter  *rate.Limiter
	state    des.PeerState
	joinedAt time.Time
}

// Outbox returns the frames queued for this peer.
func (p *Peer) Outbox() <-chan []byte { return p.send }

// PeerView is the API view of a connected peer.
type PeerView struct {
	Peer     des.PeerID `json:"peer"`
	X        float32    `json:"x"`
	Y        float32    `json:"y"`
	TickRate int        `json:"tickRate"`
	Dead     bool       `json:"dead,omitempty"`
	Since    time.Time  `json:"since"`
}

// Hub routes frames between peers and feeds ledger messages to the Registry.
type Hub struct {
	cfg      config.RelayConfig
	codec    *wire.Codec
	registry *Registry

	mu    sync.RWMutex
	peers map[des.PeerID]*Peer
}

// NewHub creates a hub around registry.
func NewHub(cfg config.RelayConfig, codec *wire.Codec, registry *Registry) *Hub {
	return &Hub{
		cfg:      cfg,
		codec:    codec,
		registry: registry,
		peers:    make(map[des.PeerID]*Peer),
	}
}

// Registry returns the authority ledger.
func (h *Hub) Registry() *Registry { return h.registry }

// Register admits a peer after its hello.
func (h *Hub) Register(hello des.Hello) (*Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.MaxPeers > 0 && len(h.peers) >= h.cfg.MaxPeers {
		return nil, ErrHubFull
	}
	if _, ok := h.peers[hello.Peer]; ok {
		return nil, errors.Wrapf(ErrDuplicatePeer, "%s", hello.Peer)
	}

	p := &Peer{
		ID:       hello.Peer,
		send:     make(chan []byte, PeerSendBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.PeerMessagesPerSec), h.cfg.PeerMessageBurst),
		state:    des.PeerState{Peer: hello.Peer, TickRate: hello.TickRate},
		joinedAt: time.Now(),
	}
	h.peers[p.ID] = p

	log.Printf("📱 Peer %s joined (%d total)", p.ID, len(h.peers))
	observability.UpdatePeerCount(len(h.peers))
	return p, nil
}

// Unregister drops p, releases its authority and tells the others.
func (h *Hub) Unregister(p *Peer) {
	h.mu.Lock()
	if cur, ok := h.peers[p.ID]; !ok || cur != p {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.ID)
	close(p.done)
	count := len(h.peers)
	h.mu.Unlock()

	released := h.registry.PeerLeft(p.ID)
	log.Printf("📱 Peer %s left, released %d entities (%d remaining)", p.ID, released, count)
	observability.UpdatePeerCount(count)

	h.broadcast(p.ID, wire.MsgPeerLeft, des.PeerLeft{Peer: p.ID})
}

// Dispatch handles one frame received from p.
func (h *Hub) Dispatch(p *Peer, frame []byte) error {
	if !p.limiter.Allow() {
		observability.RecordFrameDropped("rate_limit")
		return nil
	}

	t, body, err := h.codec.Decode(frame)
	if err != nil {
		observability.RecordFrameDropped("decode")
		return err
	}
	observability.RecordFrame(t.String())

	switch t {
	case wire.MsgPeerState:
		var st des.PeerState
		if err := wire.Unmarshal(body, &st); err != nil {
			return err
		}
		st.Peer = p.ID
		h.mu.Lock()
		p.state = st
		h.mu.Unlock()
		h.broadcast(p.ID, wire.MsgPeerState, st)

	case wire.MsgDesToProxy:
		var msg des.DesToProxy
		if err := wire.Unmarshal(body, &msg); err != nil {
			return err
		}
		for _, d := range h.registry.Handle(p.ID, msg) {
			h.sendTo(d.To, wire.MsgProxyToDes, d.Msg)
		}

	case wire.MsgRemoteDes:
		var r des.Routed
		if err := wire.Unmarshal(body, &r); err != nil {
			return err
		}
		r.From = p.ID
		switch {
		case r.To != nil:
			h.sendTo(*r.To, wire.MsgRemoteDes, r)
		case len(r.Group) > 0:
			h.multicast(p.ID, r.Group, wire.MsgRemoteDes, r)
		default:
			h.broadcast(p.ID, wire.MsgRemoteDes, r)
		}

	default:
		return errors.Errorf("relay: unexpected %s from %s", t, p.ID)
	}
	return nil
}

func (h *Hub) sendTo(to des.PeerID, t wire.MsgType, v any) {
	frame, err := h.codec.Encode(t, v)
	if err != nil {
		log.Printf("⚠️ Encode %s for %s failed: %v", t, to, err)
		return
	}
	h.mu.RLock()
	p, ok := h.peers[to]
	h.mu.RUnlock()
	if ok {
		p.enqueue(frame)
	}
}

// broadcast sends to every peer except from. The frame is encoded once.
func (h *Hub) broadcast(from des.PeerID, t wire.MsgType, v any) {
	frame, err := h.codec.Encode(t, v)
	if err != nil {
		log.Printf("⚠️ Encode %s failed: %v", t, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, p := range h.peers {
		if id != from {
			p.enqueue(frame)
		}
	}
}

// multicast sends to every listed peer except from. The frame is encoded once.
func (h *Hub) multicast(from des.PeerID, group []des.PeerID, t wire.MsgType, v any) {
	frame, err := h.codec.Encode(t, v)
	if err != nil {
		log.Printf("⚠️ Encode %s failed: %v", t, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range group {
		if p, ok := h.peers[id]; ok && id != from {
			p.enqueue(frame)
		}
	}
}

func (p *Peer) enqueue(frame []byte) {
	select {
	case p.send <- frame:
	default:
		// Slow reader, skip (backpressure)
		observability.RecordFrameDropped("backpressure")
	}
}

// Peers returns the connected peers sorted by id.
func (h *Hub) Peers() []PeerView {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]PeerView, 0, len(h.peers))
	for _, id := range slices.Sorted(maps.Keys(h.peers)) {
		p := h.peers[id]
		out = append(out, PeerView{
			Peer:     id,
			X:        p.state.X,
			Y:        p.state.Y,
			TickRate: p.state.TickRate,
			Dead:     p.state.Dead,
			Since:    p.joinedAt,
		})
	}
	return out
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Serve runs one websocket connection until it closes. The first frame must
// be a hello.
func (h *Hub) Serve(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(int64(wire.HeaderSize + h.codec.MaxMessageSize()))

	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	p, err := h.handshake(conn)
	if err != nil {
		log.Printf("⚠️ Handshake from %s rejected: %v", conn.RemoteAddr(), err)
		observability.RecordConnectionRejected("handshake")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		return
	}
	defer h.Unregister(p)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.writeLoop(conn, p)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("⚠️ Peer %s read error: %v", p.ID, err)
			}
			return
		}
		if err := h.Dispatch(p, frame); err != nil {
			log.Printf("⚠️ Peer %s: %v", p.ID, err)
		}
	}
}

func (h *Hub) handshake(conn *websocket.Conn) (*Peer, error) {
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "read hello")
	}
	t, body, err := h.codec.Decode(frame)
	if err != nil {
		return nil, err
	}
	if t != wire.MsgHello {
		return nil, errors.Wrapf(ErrNotHello, "got %s", t)
	}
	var hello des.Hello
	if err := wire.Unmarshal(body, &hello); err != nil {
		return nil, err
	}
	return h.Register(hello)
}

func (h *Hub) writeLoop(conn *websocket.Conn, p *Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
