package session

import (
	"context"
	"slices"
	"testing"
	"time"

	"entity-sync/internal/config"
	"entity-sync/internal/des"
	"entity-sync/internal/entitysync"
	"entity-sync/internal/relay"
	"entity-sync/internal/wire"
	"entity-sync/internal/world"
)

const ratFile = "data/entities/animals/rat.xml"

// memTransport feeds frames straight into an in-process hub.
type memTransport struct {
	hub   *relay.Hub
	peer  *relay.Peer
	codec *wire.Codec
}

func (m *memTransport) Send(t wire.MsgType, v any) error {
	frame, err := m.codec.Encode(t, v)
	if err != nil {
		return err
	}
	return m.hub.Dispatch(m.peer, frame)
}

type mesh struct {
	t     *testing.T
	hub   *relay.Hub
	codec *wire.Codec
	peers map[*Session]*relay.Peer
}

func newMesh(t *testing.T) *mesh {
	codec := wire.NewCodec(config.DefaultWire())
	registry := relay.NewRegistry(config.DefaultSpatial(), nil)
	return &mesh{
		t:     t,
		hub:   relay.NewHub(config.DefaultRelay(), codec, registry),
		codec: codec,
		peers: make(map[*Session]*relay.Peer),
	}
}

func newWorld() *world.World {
	w := world.New()
	w.RegisterPrefab(ratFile, world.Record{
		Meta:   world.MetaData{Name: "rat"},
		Damage: &world.DamageData{HP: 10, MaxHP: 10},
		Motion: &world.MotionData{Kind: world.MotionCharacter},
	})
	w.RegisterPrefab(GoldNuggetFile, world.Record{
		Meta: world.MetaData{Name: "gold"},
		Item: &world.ItemData{},
	})
	return w
}

// join creates a session whose player stands at (x, 0).
func (m *mesh) join(id des.PeerID, x float32) *Session {
	m.t.Helper()
	w := newWorld()
	player := w.Create("me", x, 0, entitysync.PlayerTag)

	cfg := config.DefaultSession()
	cfg.PeerID = uint64(id)
	cfg.AuthorityRequestEvery = 1
	cfg.ResyncEvery = 0
	cfg.PositionsEvery = 1
	s := New(cfg, config.DefaultMesh(), w, player)

	p, err := m.hub.Register(s.Hello())
	if err != nil {
		m.t.Fatalf("Register failed: %v", err)
	}
	m.peers[s] = p
	s.SetTransport(&memTransport{hub: m.hub, peer: p, codec: m.codec})
	s.Connected()
	return s
}

// pump hands every queued relay frame to its session.
func (m *mesh) pump() {
	for s, p := range m.peers {
		for {
			select {
			case frame := <-p.Outbox():
				t, body, err := m.codec.Decode(frame)
				if err != nil {
					m.t.Fatalf("Decode failed: %v", err)
				}
				s.Deliver(t, body)
				continue
			default:
			}
			break
		}
	}
}

// round ticks every session in order, pumping after each.
func (m *mesh) round(sessions ...*Session) {
	for _, s := range sessions {
		s.Tick()
		m.pump()
	}
}

func spawnRat(t *testing.T, s *Session, x float32) (world.EntityID, des.Gid) {
	t.Helper()
	e, err := s.w.Load(ratFile, x, 0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	gid, err := s.Track(e)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	return e, gid
}

// TestInterestBringsProxies tests that nearby peers mirror each other's entities
func TestInterestBringsProxies(t *testing.T) {
	m := newMesh(t)
	a := m.join(1, 0)
	b := m.join(2, 100)
	_, gid := spawnRat(t, a, 50)

	for i := 0; i < 3; i++ {
		m.round(a, b)
	}

	rb, ok := b.Remote(1)
	if !ok || rb.Len() != 1 {
		t.Fatalf("Expected B to mirror A's rat, got %v", rb)
	}
	if e, ok := rb.FindByGid(gid); !ok || !b.w.Alive(e) {
		t.Errorf("Expected a live proxy for %s", gid)
	}
	if _, ok := b.players[1]; !ok {
		t.Error("Expected a player proxy for A")
	}
	if got := m.hub.Registry().Entities(); len(got) != 1 || got[0].Authority == nil || *got[0].Authority != 1 {
		t.Errorf("Expected A to own the rat in the ledger, got %+v", got)
	}
}

// TestAuthorityMovesWithPlayers tests release by a departing owner and pickup
// by the peer that stayed
func TestAuthorityMovesWithPlayers(t *testing.T) {
	m := newMesh(t)
	a := m.join(1, 0)
	b := m.join(2, 100)
	_, gid := spawnRat(t, a, 50)
	for i := 0; i < 3; i++ {
		m.round(a, b)
	}

	a.w.SetPosition(a.player, 5000, 0)
	for i := 0; i < 3; i++ {
		m.round(a, b)
	}

	if a.Local().Len() != 0 {
		t.Errorf("Expected A to release the rat, tracks %d", a.Local().Len())
	}
	if !slices.Equal(b.Local().Gids(), []des.Gid{gid}) {
		t.Errorf("Expected B to own %s, got %v", gid, b.Local().Gids())
	}
	if rb, ok := b.Remote(1); ok && rb.Len() != 0 {
		t.Errorf("Expected no proxies of A's stream left on B, got %d", rb.Len())
	}
	got := m.hub.Registry().Entities()
	if len(got) != 1 || got[0].Authority == nil || *got[0].Authority != 2 {
		t.Errorf("Expected B in the ledger, got %+v", got)
	}
}

// TestPeerLeftDropsProxies tests disconnect cleanup on the observer
func TestPeerLeftDropsProxies(t *testing.T) {
	m := newMesh(t)
	a := m.join(1, 0)
	b := m.join(2, 100)
	spawnRat(t, a, 50)
	for i := 0; i < 3; i++ {
		m.round(a, b)
	}
	proxy := b.players[1]

	m.hub.Unregister(m.peers[a])
	delete(m.peers, a)
	m.pump()
	b.Tick()

	if _, ok := b.Remote(1); ok {
		t.Error("Expected A's remote model to be dropped")
	}
	if b.w.Alive(proxy) {
		t.Error("Expected A's player proxy to be killed")
	}
	if got := m.hub.Registry().Entities(); len(got) != 1 || got[0].Authority != nil {
		t.Errorf("Expected the rat to be ownerless, got %+v", got)
	}
}

// TestKillReachesObserver tests death replication and gold resolution
func TestKillReachesObserver(t *testing.T) {
	m := newMesh(t)
	a := m.join(1, 0)
	b := m.join(2, 100)
	rat, gid := spawnRat(t, a, 50)
	for i := 0; i < 3; i++ {
		m.round(a, b)
	}
	rb, _ := b.Remote(1)
	proxy, _ := rb.FindByGid(gid)

	a.w.AddScript(rat, world.Script{Death: world.DropMoneyScript})
	a.w.InflictDamage(rat, 100, "melee", world.NoEntity)
	for i := 0; i < 2; i++ {
		m.round(a, b)
	}

	if b.w.Alive(proxy) {
		t.Error("Expected the proxy to die with the original")
	}
	if _, ok := rb.FindByGid(gid); ok {
		t.Error("Expected the proxy to be forgotten")
	}
	if a.Local().Len() != 1 {
		t.Errorf("Expected the gold drop to be tracked, got %d", a.Local().Len())
	}
}

// TestReconnectReRegisters tests that a reconnect uploads owned entities again
func TestReconnectReRegisters(t *testing.T) {
	m := newMesh(t)
	a := m.join(1, 0)
	_, gid := spawnRat(t, a, 50)
	a.Tick()

	m.hub.Unregister(m.peers[a])
	p, err := m.hub.Register(a.Hello())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	m.peers[a] = p
	a.SetTransport(&memTransport{hub: m.hub, peer: p, codec: m.codec})
	a.Connected()
	a.Tick()

	got := m.hub.Registry().Entities()
	if len(got) != 1 || got[0].Gid != gid || got[0].Authority == nil || *got[0].Authority != 1 {
		t.Errorf("Expected A to own %s again, got %+v", gid, got)
	}
}

// TestRunDrivesWorld tests that Run steps the world and calls the tick hook
func TestRunDrivesWorld(t *testing.T) {
	m := newMesh(t)
	a := m.join(1, 0)
	a.cfg.TickRate = 200

	hooks := 0
	a.OnTick(func(w *world.World, player world.EntityID) {
		hooks++
		w.SetPosition(player, float32(hooks), 0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	if hooks == 0 || a.w.Frame() == 0 {
		t.Fatalf("Expected ticks, got %d hooks and frame %d", hooks, a.w.Frame())
	}
	if x, _ := a.w.Position(a.player); x != float32(hooks) {
		t.Errorf("Expected player at %d, got %v", hooks, x)
	}
	if a.ticks != uint64(hooks) {
		t.Errorf("Expected %d session ticks, got %d", hooks, a.ticks)
	}
}
