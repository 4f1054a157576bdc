package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"entity-sync/internal/config"
	"entity-sync/internal/des"
	"entity-sync/internal/wire"
)

func newTestHub(cfg config.RelayConfig) (*Hub, *wire.Codec) {
	codec := wire.NewCodec(config.DefaultWire())
	return NewHub(cfg, codec, newTestRegistry()), codec
}

func join(t *testing.T, h *Hub, id des.PeerID) *Peer {
	t.Helper()
	p, err := h.Register(des.Hello{Peer: id, TickRate: 60})
	if err != nil {
		t.Fatalf("Register %s failed: %v", id, err)
	}
	return p
}

func dispatch(t *testing.T, h *Hub, c *wire.Codec, p *Peer, typ wire.MsgType, v any) {
	t.Helper()
	frame, err := c.Encode(typ, v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := h.Dispatch(p, frame); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
}

// next pops one queued frame for p, decoding it into v.
func next(t *testing.T, c *wire.Codec, p *Peer, v any) wire.MsgType {
	t.Helper()
	select {
	case frame := <-p.Outbox():
		typ, body, err := c.Decode(frame)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if v != nil {
			if err := wire.Unmarshal(body, v); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
		}
		return typ
	default:
		t.Fatalf("Expected a frame for %s", p.ID)
		return 0
	}
}

func expectEmpty(t *testing.T, p *Peer) {
	t.Helper()
	if n := len(p.Outbox()); n != 0 {
		t.Errorf("Expected no frames for %s, got %d", p.ID, n)
	}
}

// TestRegisterLimits tests peer admission
func TestRegisterLimits(t *testing.T) {
	cfg := config.DefaultRelay()
	cfg.MaxPeers = 2
	h, _ := newTestHub(cfg)

	join(t, h, 1)
	if _, err := h.Register(des.Hello{Peer: 1}); !errors.Is(err, ErrDuplicatePeer) {
		t.Errorf("Expected ErrDuplicatePeer, got %v", err)
	}
	join(t, h, 2)
	if _, err := h.Register(des.Hello{Peer: 3}); !errors.Is(err, ErrHubFull) {
		t.Errorf("Expected ErrHubFull, got %v", err)
	}
	if h.PeerCount() != 2 {
		t.Errorf("Expected 2 peers, got %d", h.PeerCount())
	}
}

// TestRoutedDirectAndBroadcast tests RemoteDes routing and sender stamping
func TestRoutedDirectAndBroadcast(t *testing.T) {
	h, c := newTestHub(config.DefaultRelay())
	a, b, d := join(t, h, 1), join(t, h, 2), join(t, h, 3)

	// Sender id is overwritten by the relay.
	dispatch(t, h, c, a, wire.MsgRemoteDes, des.Routed{From: 99, To: des.PeerRef(2), Msg: des.Reset()})
	var got des.Routed
	if typ := next(t, c, b, &got); typ != wire.MsgRemoteDes {
		t.Fatalf("Expected remote_des, got %s", typ)
	}
	if got.From != 1 || got.Msg.Kind != des.RemoteReset {
		t.Errorf("Expected reset from 1, got %+v", got)
	}
	expectEmpty(t, d)
	expectEmpty(t, a)

	dispatch(t, h, c, a, wire.MsgRemoteDes, des.Routed{Msg: des.Interest(des.InterestRequest{Radius: 900})})
	for _, p := range []*Peer{b, d} {
		var r des.Routed
		next(t, c, p, &r)
		if r.Msg.Kind != des.RemoteInterestRequest || r.Msg.Interest.Radius != 900 {
			t.Errorf("Expected interest request at %s, got %+v", p.ID, r)
		}
	}
	expectEmpty(t, a)
}

// TestLedgerRepliesGoToPeer tests that grants are delivered as ProxyToDes
func TestLedgerRepliesGoToPeer(t *testing.T) {
	h, c := newTestHub(config.DefaultRelay())
	a, b := join(t, h, 1), join(t, h, 2)

	dispatch(t, h, c, a, wire.MsgDesToProxy, des.InitOrUpdateEntity(entity(10, 0, 0)))
	dispatch(t, h, c, a, wire.MsgDesToProxy, des.ReleaseAuthority(10))
	expectEmpty(t, b)

	dispatch(t, h, c, b, wire.MsgDesToProxy, des.RequestAuthority(des.WorldPos{X: 10}, 400))
	var got des.ProxyToDes
	if typ := next(t, c, b, &got); typ != wire.MsgProxyToDes {
		t.Fatalf("Expected proxy_to_des, got %s", typ)
	}
	if got.Kind != des.ProxyGotAuthority || got.Entity.Gid != 10 {
		t.Errorf("Expected authority over gid 10, got %+v", got)
	}
	expectEmpty(t, a)
}

// TestUnregisterReleasesAndAnnounces tests disconnect handling
func TestUnregisterReleasesAndAnnounces(t *testing.T) {
	h, c := newTestHub(config.DefaultRelay())
	a, b := join(t, h, 1), join(t, h, 2)
	dispatch(t, h, c, a, wire.MsgDesToProxy, des.InitOrUpdateEntity(entity(10, 0, 0)))

	h.Unregister(a)
	h.Unregister(a) // no-op

	var left des.PeerLeft
	if typ := next(t, c, b, &left); typ != wire.MsgPeerLeft || left.Peer != 1 {
		t.Errorf("Expected peer_left for 1, got %s %+v", typ, left)
	}
	expectEmpty(t, b)
	if v := h.Registry().Entities(); len(v) != 1 || v[0].Authority != nil {
		t.Errorf("Expected released entity, got %+v", v)
	}
}

// TestPeerStateBroadcast tests player state fan-out and the peer table
func TestPeerStateBroadcast(t *testing.T) {
	h, c := newTestHub(config.DefaultRelay())
	a, b := join(t, h, 1), join(t, h, 2)

	dispatch(t, h, c, a, wire.MsgPeerState, des.PeerState{Peer: 42, X: 12, Y: -3, TickRate: 30})

	var st des.PeerState
	next(t, c, b, &st)
	if st.Peer != 1 || st.X != 12 || st.TickRate != 30 {
		t.Errorf("Expected stamped state from 1, got %+v", st)
	}
	peers := h.Peers()
	if len(peers) != 2 || peers[0].Peer != 1 || peers[0].X != 12 {
		t.Errorf("Expected peer table to track state, got %+v", peers)
	}
}

// TestDispatchRateLimit tests that a flooding peer is throttled
func TestDispatchRateLimit(t *testing.T) {
	cfg := config.DefaultRelay()
	cfg.PeerMessagesPerSec = 1
	cfg.PeerMessageBurst = 2
	h, c := newTestHub(cfg)
	a, b := join(t, h, 1), join(t, h, 2)

	for i := 0; i < 5; i++ {
		dispatch(t, h, c, a, wire.MsgRemoteDes, des.Routed{Msg: des.Reset()})
	}
	if n := len(b.Outbox()); n != 2 {
		t.Errorf("Expected 2 frames through the limiter, got %d", n)
	}
}

// TestMulticastStaysUnderRateLimit tests that a peer streaming diffs to
// several interested peers at the default tick rate is never throttled
func TestMulticastStaysUnderRateLimit(t *testing.T) {
	h, c := newTestHub(config.DefaultRelay())
	sender := join(t, h, 1)
	group := []des.PeerID{2, 3, 4, 5}
	var members []*Peer
	for _, id := range group {
		members = append(members, join(t, h, id))
	}
	outsider := join(t, h, 6)

	const ticks = 2 * 60
	diff := des.Updates([]des.EntityUpdate{des.CurrentEntity(0), des.SetPosition(1, 2)})
	got := make(map[des.PeerID]int)
	for i := 0; i < ticks; i++ {
		dispatch(t, h, c, sender, wire.MsgPeerState, des.PeerState{X: float32(i)})
		dispatch(t, h, c, sender, wire.MsgRemoteDes, des.Routed{Group: group, Msg: diff})
		for _, p := range append(members, outsider) {
			for len(p.Outbox()) > 0 {
				if next(t, c, p, nil) == wire.MsgRemoteDes {
					got[p.ID]++
				}
			}
		}
	}

	for _, p := range members {
		if got[p.ID] != ticks {
			t.Errorf("Expected %d diffs at %s, got %d", ticks, p.ID, got[p.ID])
		}
	}
	if got[outsider.ID] != 0 {
		t.Errorf("Expected no diffs outside the group, got %d", got[outsider.ID])
	}
	expectEmpty(t, sender)
}

// TestDispatchRejectsHello tests that a second hello is an error
func TestDispatchRejectsHello(t *testing.T) {
	h, c := newTestHub(config.DefaultRelay())
	a := join(t, h, 1)

	frame, _ := c.Encode(wire.MsgHello, des.Hello{Peer: 1})
	if err := h.Dispatch(a, frame); err == nil {
		t.Error("Expected error for hello after handshake")
	}
}

// TestServeWebSocket tests the handshake and routing over a real connection
func TestServeWebSocket(t *testing.T) {
	h, c := newTestHub(config.DefaultRelay())
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(conn)
	}))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	dial := func(id des.PeerID) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		frame, _ := c.Encode(wire.MsgHello, des.Hello{Peer: id, TickRate: 60})
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("Write hello failed: %v", err)
		}
		return conn
	}

	a := dial(1)
	defer a.Close()
	b := dial(2)
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.PeerCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.PeerCount() != 2 {
		t.Fatalf("Expected 2 peers, got %d", h.PeerCount())
	}

	frame, _ := c.Encode(wire.MsgRemoteDes, des.Routed{To: des.PeerRef(2), Msg: des.RequestGrab(5)})
	if err := a.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	typ, body, err := c.Decode(got)
	if err != nil || typ != wire.MsgRemoteDes {
		t.Fatalf("Expected remote_des, got %s (%v)", typ, err)
	}
	var r des.Routed
	wire.Unmarshal(body, &r)
	if r.From != 1 || r.Msg.Kind != des.RemoteRequestGrab || r.Msg.Lid != 5 {
		t.Errorf("Expected grab request from 1, got %+v", r)
	}

	// A duplicate id is refused during the handshake.
	dup := dial(1)
	defer dup.Close()
	dup.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := dup.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("Expected policy violation close, got %v", err)
	}
}
