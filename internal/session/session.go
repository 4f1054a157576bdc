// Package session drives one peer: it owns the world's sync models, applies
// inbound frames once per tick and sends this peer's diffs, authority
// requests and player state to the relay.
package session

import (
	"context"
	"log"
	"maps"
	"slices"
	"time"

	"github.com/pkg/errors"

	"entity-sync/internal/config"
	"entity-sync/internal/des"
	"entity-sync/internal/entitysync"
	"entity-sync/internal/observability"
	"entity-sync/internal/wire"
	"entity-sync/internal/world"
)

// GoldNuggetFile is spawned for deaths that drop gold.
const GoldNuggetFile = "data/entities/items/pickup/goldnugget.xml"

// InboxSize bounds frames waiting for the next tick.
const InboxSize = 1024

// ErrNotConnected is returned by a Transport with no live connection.
var ErrNotConnected = errors.New("session: not connected")

// Transport carries frames to the relay.
type Transport interface {
	Send(t wire.MsgType, v any) error
}

type inbound struct {
	t         wire.MsgType
	body      []byte
	reconnect bool
}

// Session is the per-peer tick driver. Deliver and Connected may be called
// from any goroutine; everything else runs on the tick goroutine.
type Session struct {
	cfg    config.SessionConfig
	mesh   config.MeshConfig
	self   des.PeerID
	w      *world.World
	player world.EntityID
	net    Transport

	local      *entitysync.LocalDiffModel
	remotes    map[des.PeerID]*entitysync.RemoteDiffModel
	players    map[des.PeerID]world.EntityID
	tickRates  map[des.PeerID]int
	interested map[des.PeerID]struct{}
	shots      []des.ProjectileFired

	inbox  chan inbound
	ticks  uint64
	onTick func(w *world.World, player world.EntityID)
}

// New creates a session for player in w. The transport is attached later
// with SetTransport.
func New(cfg config.SessionConfig, mesh config.MeshConfig, w *world.World, player world.EntityID) *Session {
	s := &Session{
		cfg:        cfg,
		mesh:       mesh,
		self:       des.PeerID(cfg.PeerID),
		w:          w,
		player:     player,
		local:      entitysync.NewLocalDiffModel(w, mesh),
		remotes:    make(map[des.PeerID]*entitysync.RemoteDiffModel),
		players:    make(map[des.PeerID]world.EntityID),
		tickRates:  make(map[des.PeerID]int),
		interested: make(map[des.PeerID]struct{}),
		inbox:      make(chan inbound, InboxSize),
	}
	s.tickRates[s.self] = cfg.TickRate

	w.OnDeath(s.local.DeathNotify)
	w.OnThrow(func(e world.EntityID) {
		if _, err := s.local.ItemThrown(s, e); err != nil {
			log.Printf("⚠️ Failed to track thrown item: %v", err)
		}
	})
	w.OnShot(s.projectileFired)
	return s
}

// SetTransport attaches the relay connection.
func (s *Session) SetTransport(t Transport) { s.net = t }

// Self returns this peer's id.
func (s *Session) Self() des.PeerID { return s.self }

// Hello is the handshake frame for this peer.
func (s *Session) Hello() des.Hello {
	return des.Hello{Peer: s.self, TickRate: s.cfg.TickRate}
}

// Local returns the model of entities this peer owns.
func (s *Session) Local() *entitysync.LocalDiffModel { return s.local }

// Remote returns the model mirroring peer, if any.
func (s *Session) Remote(peer des.PeerID) (*entitysync.RemoteDiffModel, bool) {
	m, ok := s.remotes[peer]
	return m, ok
}

// Track starts replicating e under a fresh gid and registers it with the relay.
func (s *Session) Track(e world.EntityID) (des.Gid, error) {
	gid := des.NewGid()
	if _, err := s.local.TrackAndUploadEntity(s, e, gid); err != nil {
		return 0, err
	}
	return gid, nil
}

// Deliver queues a frame body received from the relay.
func (s *Session) Deliver(t wire.MsgType, body []byte) {
	s.inbox <- inbound{t: t, body: body}
}

// Connected is called after every (re)connect to the relay.
func (s *Session) Connected() {
	s.inbox <- inbound{reconnect: true}
}

// SendDes implements entitysync.Sender.
func (s *Session) SendDes(msg des.DesToProxy) error {
	return s.send(wire.MsgDesToProxy, msg)
}

// send drops frames while disconnected. Connected re-registers everything.
func (s *Session) send(t wire.MsgType, v any) error {
	if s.net == nil {
		return nil
	}
	if err := s.net.Send(t, v); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (s *Session) route(to *des.PeerID, msg des.RemoteDes) {
	if err := s.send(wire.MsgRemoteDes, des.Routed{From: s.self, To: to, Msg: msg}); err != nil {
		log.Printf("⚠️ Failed to send %s: %v", msg.Kind, err)
	}
}

// OnTick registers fn to run on the tick goroutine before each world step.
// It is the only safe place to drive the world while Run is active.
func (s *Session) OnTick(fn func(w *world.World, player world.EntityID)) { s.onTick = fn }

// Run ticks at the configured rate until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	rate := s.cfg.TickRate
	if rate <= 0 {
		rate = entitysync.DefaultTickRate
	}
	dt := time.Second / time.Duration(rate)
	ticker := time.NewTicker(dt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.onTick != nil {
				s.onTick(s.w, s.player)
			}
			s.w.Step(float32(dt.Seconds()))
			s.Tick()
		}
	}
}

// Tick runs one sync step.
func (s *Session) Tick() {
	start := time.Now()
	s.ticks++
	s.drainInbox()

	ctx := s.tickContext()
	px, py := s.w.Position(s.player)
	s.w.SetCamera(px, py)
	here := des.WorldPosFromF32(px, py)

	if s.every(s.cfg.AuthorityRequestEvery) {
		if err := s.SendDes(des.RequestAuthority(here, s.mesh.RequestAuthorityRadius)); err != nil {
			log.Printf("⚠️ Failed to request authority: %v", err)
		}
		s.route(nil, des.Interest(des.InterestRequest{Pos: here, Radius: s.mesh.InterestRequestRadius}))
	}

	if err := s.local.UpdatePendingAuthority(); err != nil {
		log.Printf("⚠️ Failed to take authority: %v", err)
	}

	failed, err := s.local.UpdateTrackedEntities(ctx)
	observability.RecordEntityErrors(entitysync.LogEntityErrors(failed))
	if err != nil {
		log.Printf("⚠️ Local update failed: %v", err)
	}

	if s.every(s.cfg.ResyncEvery) {
		s.local.ResetDiffEncoding()
		s.audit()
	}

	updates, spawns := s.local.MakeDiff(ctx)
	s.resolveSpawns(spawns)
	s.publish(updates)

	if s.every(s.cfg.PositionsEvery) && s.local.Len() > 0 {
		if err := s.SendDes(des.UpdatePositions(s.local.PositionData())); err != nil {
			log.Printf("⚠️ Failed to send positions: %v", err)
		}
	}

	if err := s.send(wire.MsgPeerState, des.PeerState{
		Peer:     s.self,
		X:        px,
		Y:        py,
		TickRate: s.cfg.TickRate,
		Dead:     !s.w.Alive(s.player),
	}); err != nil {
		log.Printf("⚠️ Failed to send state: %v", err)
	}

	proxies := 0
	for _, peer := range slices.Sorted(maps.Keys(s.remotes)) {
		m := s.remotes[peer]
		observability.RecordEntityErrors(entitysync.LogEntityErrors(m.ApplyEntities(ctx)))
		for _, lid := range m.DrainGrabRequests() {
			s.route(des.PeerRef(peer), des.RequestGrab(lid))
		}
		for _, e := range m.DrainBacktrack() {
			if _, err := s.local.AdoptLocalized(s, e); err != nil {
				log.Printf("⚠️ Failed to adopt entity from %s: %v", peer, err)
			}
		}
		proxies += m.Len()
	}

	observability.UpdateTracked(s.local.Len(), proxies)
	observability.RecordTick(time.Since(start))
}

// audit logs any drift between the lid maps and the entity tables.
func (s *Session) audit() {
	if err := s.local.Check(); err != nil {
		log.Printf("❌ Local model inconsistent: %v", err)
	}
	for peer, m := range s.remotes {
		if err := m.Check(); err != nil {
			log.Printf("❌ Model for %s inconsistent: %v", peer, err)
		}
	}
}

func (s *Session) every(n int) bool {
	return n > 0 && s.ticks%uint64(n) == 0
}

// publish sends this tick's diff and projectiles to every interested peer,
// one relay frame each.
func (s *Session) publish(updates []des.EntityUpdate) {
	shots := s.shots
	s.shots = nil
	if len(s.interested) == 0 {
		return
	}
	group := slices.Sorted(maps.Keys(s.interested))
	if len(updates) > 0 {
		s.multicast(group, des.Updates(updates))
		observability.RecordUpdatesSent(len(updates) * len(group))
	}
	if len(shots) > 0 {
		s.multicast(group, des.Projectiles(shots))
	}
}

func (s *Session) multicast(group []des.PeerID, msg des.RemoteDes) {
	if err := s.send(wire.MsgRemoteDes, des.Routed{From: s.self, Group: group, Msg: msg}); err != nil {
		log.Printf("⚠️ Failed to send %s: %v", msg.Kind, err)
	}
}

func (s *Session) resolveSpawns(spawns []des.SpawnOnce) {
	for _, sp := range spawns {
		if !sp.DropsGold {
			continue
		}
		x, y := sp.Pos.F32()
		e, err := s.w.Load(GoldNuggetFile, x, y)
		if err != nil {
			log.Printf("⚠️ Gold drop for %s failed: %v", sp.Filename, err)
			continue
		}
		if _, err := s.Track(e); err != nil {
			log.Printf("⚠️ Failed to track gold drop: %v", err)
		}
	}
}

func (s *Session) projectileFired(ev world.ShotEvent) {
	lid, ok := s.local.LidByEntity(ev.Shooter)
	if !ok {
		return
	}
	data, err := s.w.Serialize(ev.Projectile)
	if err != nil {
		log.Printf("⚠️ Failed to serialize projectile: %v", err)
		return
	}
	s.shots = append(s.shots, des.ProjectileFired{
		ShooterLid: lid,
		Position:   [2]float32{ev.Position.X(), ev.Position.Y()},
		Target:     [2]float32{ev.Target.X(), ev.Target.Y()},
		Serialized: data,
	})
}

func (s *Session) tickContext() *entitysync.TickContext {
	ctx := entitysync.NewTickContext(s.self, s)
	ctx.Players.Insert(s.self, s.player)
	for peer, e := range s.players {
		if s.w.Alive(e) {
			ctx.Players.Insert(peer, e)
		}
	}
	maps.Copy(ctx.TickRates, s.tickRates)
	for _, gid := range s.local.Gids() {
		ctx.DontSpawn[gid] = struct{}{}
	}
	x, y := s.w.Position(s.player)
	ctx.Camera[0], ctx.Camera[1] = x, y
	return ctx
}

func (s *Session) remote(peer des.PeerID) *entitysync.RemoteDiffModel {
	m, ok := s.remotes[peer]
	if !ok {
		m = entitysync.NewRemoteDiffModel(s.w, peer, s.self)
		s.remotes[peer] = m
	}
	return m
}

func (s *Session) dropRemote(peer des.PeerID) {
	if m, ok := s.remotes[peer]; ok {
		m.Close()
		delete(s.remotes, peer)
	}
}

func (s *Session) drainInbox() {
	for {
		select {
		case in := <-s.inbox:
			if err := s.handle(in); err != nil {
				log.Printf("⚠️ Dropped %s frame: %v", in.t, err)
			}
		default:
			return
		}
	}
}

func (s *Session) handle(in inbound) error {
	if in.reconnect {
		s.reconnected()
		return nil
	}
	switch in.t {
	case wire.MsgProxyToDes:
		var msg des.ProxyToDes
		if err := wire.Unmarshal(in.body, &msg); err != nil {
			return err
		}
		if msg.Kind == des.ProxyGotAuthority && msg.Entity != nil {
			s.local.GotAuthority(*msg.Entity)
		}

	case wire.MsgRemoteDes:
		var r des.Routed
		if err := wire.Unmarshal(in.body, &r); err != nil {
			return err
		}
		s.handleRemote(r.From, r.Msg)

	case wire.MsgPeerState:
		var st des.PeerState
		if err := wire.Unmarshal(in.body, &st); err != nil {
			return err
		}
		s.peerState(st)

	case wire.MsgPeerLeft:
		var left des.PeerLeft
		if err := wire.Unmarshal(in.body, &left); err != nil {
			return err
		}
		log.Printf("📡 Peer %s left", left.Peer)
		s.dropRemote(left.Peer)
		delete(s.interested, left.Peer)
		delete(s.tickRates, left.Peer)
		if e, ok := s.players[left.Peer]; ok {
			s.w.Kill(e)
			delete(s.players, left.Peer)
		}

	default:
		return errors.Errorf("unexpected %s", in.t)
	}
	return nil
}

func (s *Session) handleRemote(from des.PeerID, msg des.RemoteDes) {
	switch msg.Kind {
	case des.RemoteReset:
		s.remote(from).Reset()

	case des.RemoteInterestRequest:
		if msg.Interest == nil {
			return
		}
		x, y := s.w.Position(s.player)
		_, was := s.interested[from]
		if msg.Interest.Pos.Within(des.WorldPosFromF32(x, y), msg.Interest.Radius) {
			if !was {
				s.interested[from] = struct{}{}
				s.route(des.PeerRef(from), des.Reset())
				s.local.ResetDiffEncoding()
			}
		} else if was {
			delete(s.interested, from)
			s.route(des.PeerRef(from), des.ExitedInterest())
		}

	case des.RemoteEntityUpdate:
		s.remote(from).ApplyDiff(msg.Updates)

	case des.RemoteExitedInterest:
		s.dropRemote(from)

	case des.RemoteProjectiles:
		if m, ok := s.remotes[from]; ok {
			m.SpawnProjectiles(msg.Projectiles)
		}

	case des.RemoteRequestGrab:
		s.local.EntityGrabbed(s, from, msg.Lid)
	}
}

func (s *Session) peerState(st des.PeerState) {
	if st.Peer == s.self {
		return
	}
	s.tickRates[st.Peer] = st.TickRate
	e, ok := s.players[st.Peer]
	if !ok || !s.w.Alive(e) {
		e = s.w.Create("player", st.X, st.Y, entitysync.PlayerTag, entitysync.ClientTag)
		s.players[st.Peer] = e
	}
	s.w.SetPosition(e, st.X, st.Y)
}

// reconnected re-registers owned entities and restarts every stream. Frames
// missed while offline make the remote shadows stale, so they are dropped
// and rebuilt from the peers' next resets.
func (s *Session) reconnected() {
	log.Printf("📡 Connected as %s, re-registering %d entities", s.self, s.local.Len())
	for _, data := range s.local.AllEntityData() {
		if err := s.SendDes(des.InitOrUpdateEntity(data)); err != nil {
			log.Printf("⚠️ Failed to re-register %s: %v", data.Gid, err)
		}
	}
	for _, peer := range slices.Collect(maps.Keys(s.remotes)) {
		s.dropRemote(peer)
	}
	clear(s.interested)
	s.local.ResetDiffEncoding()
}
