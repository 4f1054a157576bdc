package entitysync

import (
	"slices"
	"testing"

	"entity-sync/internal/des"
	"entity-sync/internal/world"
)

const remotePeer des.PeerID = 1

func initStream(lid des.Lid, gid des.Gid, info des.EntityInfo) []des.EntityUpdate {
	return []des.EntityUpdate{des.CurrentEntity(lid), des.Init(&info, gid)}
}

func ratInfo(x, y float32) des.EntityInfo {
	return des.EntityInfo{SpawnInfo: des.SpawnInfo{Filename: ratFile}, X: x, Y: y, HP: 10}
}

func newRemote(w *world.World) (*RemoteDiffModel, *TickContext) {
	return NewRemoteDiffModel(w, remotePeer, 2), NewTickContext(2, nil)
}

func applyRemote(t *testing.T, m *RemoteDiffModel, ctx *TickContext, updates ...des.EntityUpdate) {
	t.Helper()
	m.ApplyDiff(updates)
	if failed := m.ApplyEntities(ctx); len(failed) > 0 {
		t.Fatalf("ApplyEntities failed: %v", failed)
	}
}

// TestApplyDiffLastWriteWins tests that Init followed by setters keeps the
// last value of each field
func TestApplyDiffLastWriteWins(t *testing.T) {
	m, _ := newRemote(newTestWorld())
	updates := append(initStream(0, 5, ratInfo(0, 0)),
		des.SetPosition(3, 4),
		des.SetHP(7),
		des.SetPosition(9, 9),
	)
	m.ApplyDiff(updates)

	info, ok := m.Info(0)
	if !ok {
		t.Fatal("Expected a shadow for lid 0")
	}
	if info.X != 9 || info.Y != 9 || info.HP != 7 {
		t.Errorf("Expected (9, 9) hp 7, got (%g, %g) hp %g", info.X, info.Y, info.HP)
	}
	if gids := m.Gids(); len(gids) != 1 || gids[0] != 5 {
		t.Errorf("Expected gids [5], got %v", gids)
	}
}

func TestApplyDiffWithoutHeader(t *testing.T) {
	tests := []struct {
		name    string
		updates []des.EntityUpdate
	}{
		{"setter first", []des.EntityUpdate{des.SetPosition(50, 50)}},
		{"unknown lid", []des.EntityUpdate{des.CurrentEntity(8), des.SetPosition(50, 50)}},
		{"init without header", []des.EntityUpdate{des.Init(&des.EntityInfo{X: 50}, 3)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newRemote(newTestWorld())
			m.ApplyDiff(initStream(0, 5, ratInfo(1, 1)))
			m.ApplyDiff(tt.updates)

			info, _ := m.Info(0)
			if info.X != 1 || info.Y != 1 {
				t.Errorf("headerless updates must be ignored, got (%g, %g)", info.X, info.Y)
			}
			if m.Len() != 1 {
				t.Errorf("Expected 1 shadow, got %d", m.Len())
			}
		})
	}
}

func TestApplyEntitiesSpawnsProxy(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	applyRemote(t, m, ctx, initStream(4, 77, ratInfo(10, 20))...)

	e, ok := m.Proxy(4)
	if !ok {
		t.Fatal("Expected a proxy for lid 4")
	}
	if x, y := w.Position(e); x != 10 || y != 20 {
		t.Errorf("Expected proxy at (10, 20), got (%g, %g)", x, y)
	}
	if !w.HasTag(e, DesTag) {
		t.Error("proxy should carry the sync tag")
	}
	mk, ok := ReadMarker(w, e)
	if !ok || mk.Authoritative || mk.Lid != 4 || mk.Gid == nil || *mk.Gid != 77 {
		t.Errorf("unexpected marker %+v", mk)
	}
	if d, _ := world.Get(w, e, world.Damage); !d.WaitForKillFlag {
		t.Error("proxy should only die when killed explicitly")
	}
	if got, _ := m.FindByGid(77); got != e {
		t.Error("FindByGid should return the proxy")
	}
}

func TestDontSpawnSkipsProxy(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	ctx.DontSpawn[77] = struct{}{}
	applyRemote(t, m, ctx, initStream(4, 77, ratInfo(0, 0))...)

	if _, ok := m.Proxy(4); ok {
		t.Error("gids in DontSpawn must not get a proxy")
	}
	if w.Len() != 0 {
		t.Errorf("Expected an empty world, got %d entities", w.Len())
	}
}

func TestSpawnFailureIsReported(t *testing.T) {
	m, ctx := newRemote(newTestWorld())
	info := des.EntityInfo{SpawnInfo: des.SpawnInfo{Filename: "data/entities/missing.xml"}}
	m.ApplyDiff(initStream(0, 5, info))

	failed := m.ApplyEntities(ctx)
	if len(failed) != 1 || failed[0].Gid != 5 {
		t.Fatalf("Expected one failure for gid 5, got %v", failed)
	}
	if m.Len() != 0 {
		t.Error("unspawnable shadow should be dropped")
	}
}

// TestDeathNeverHeals tests that hp only goes down and KillEntity finishes
// the proxy
func TestDeathNeverHeals(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	applyRemote(t, m, ctx, initStream(0, 5, ratInfo(0, 0))...)
	e, _ := m.Proxy(0)

	applyRemote(t, m, ctx, des.CurrentEntity(0), des.SetHP(4))
	if d, _ := world.Get(w, e, world.Damage); d.HP != 4 {
		t.Errorf("Expected hp 4, got %g", d.HP)
	}

	applyRemote(t, m, ctx, des.CurrentEntity(0), des.SetHP(8))
	if d, _ := world.Get(w, e, world.Damage); d.HP != 4 {
		t.Errorf("proxies must never heal, got hp %g", d.HP)
	}

	applyRemote(t, m, ctx, des.KillEntity(0, false, nil), des.RemoveEntity(0))
	if w.Alive(e) {
		t.Error("KillEntity should kill the proxy")
	}
	applyRemote(t, m, ctx)
	if m.Len() != 0 {
		t.Errorf("Expected no shadows, got %d", m.Len())
	}
}

// TestDeadProxyIsRespawned tests that a proxy killed on this side comes back
// while its owner still replicates it
func TestDeadProxyIsRespawned(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	applyRemote(t, m, ctx, initStream(4, 77, ratInfo(10, 20))...)
	old, _ := m.Proxy(4)

	w.Kill(old)
	applyRemote(t, m, ctx, des.CurrentEntity(4), des.SetPosition(30, 40))

	e, ok := m.Proxy(4)
	if !ok || e == old {
		t.Fatalf("Expected a fresh proxy, got %v (old %v)", e, old)
	}
	if !w.Alive(e) {
		t.Error("respawned proxy should be alive")
	}
	if x, y := w.Position(e); x != 30 || y != 40 {
		t.Errorf("Expected proxy at (30, 40), got (%g, %g)", x, y)
	}
	if got, _ := m.FindByGid(77); got != e {
		t.Error("FindByGid should return the new proxy")
	}
	if err := m.Check(); err != nil {
		t.Errorf("Check failed: %v", err)
	}
}

// TestKilledProxyIsNotRespawned tests that a proxy killed by its owner stays
// dead until the RemoveEntity clears it
func TestKilledProxyIsNotRespawned(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	applyRemote(t, m, ctx, initStream(4, 77, ratInfo(0, 0))...)
	e, _ := m.Proxy(4)

	applyRemote(t, m, ctx, des.KillEntity(4, false, nil))
	if w.Alive(e) {
		t.Fatal("KillEntity should kill the proxy")
	}

	applyRemote(t, m, ctx)
	w.Each(func(other world.EntityID) {
		if w.HasTag(other, DesTag) {
			t.Errorf("a killed proxy must not be respawned, found %v", other)
		}
	})
	if _, ok := m.Proxy(4); ok {
		t.Error("Expected lid 4 to be unbound")
	}
	if m.Len() != 0 {
		t.Errorf("Expected no shadows, got %d", m.Len())
	}
}

func TestKillAttributesResponsiblePlayer(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	var deaths []world.DeathEvent
	w.OnDeath(func(ev world.DeathEvent) { deaths = append(deaths, ev) })

	player := w.Create("player", 0, 0, PlayerTag)
	ctx.Players.Insert(2, player)
	applyRemote(t, m, ctx, initStream(0, 5, ratInfo(0, 0))...)
	e, _ := m.Proxy(0)
	w.AddScript(e, world.Script{Death: world.DeathNotifyScript})

	applyRemote(t, m, ctx, des.KillEntity(0, false, des.PeerRef(2)))
	if len(deaths) != 1 || deaths[0].Responsible != player {
		t.Errorf("Expected one death caused by the local player, got %+v", deaths)
	}
}

func TestVelocityScaledByTickRate(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	ctx.TickRates[remotePeer] = 30
	info := ratInfo(0, 0)
	info.VX, info.VY = 5, -2
	applyRemote(t, m, ctx, initStream(0, 5, info)...)

	e, _ := m.Proxy(0)
	mo, _ := world.Get(w, e, world.Motion)
	if mo.Velocity[0] != 10 || mo.Velocity[1] != -4 {
		t.Errorf("Expected velocity (10, -4), got %v", mo.Velocity)
	}
}

func TestLocalizeEntity(t *testing.T) {
	tests := []struct {
		name      string
		dest      des.PeerID
		wantAlive bool
	}{
		{"to this peer", 2, true},
		{"to another peer", 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorld()
			m, ctx := newRemote(w)
			applyRemote(t, m, ctx, initStream(0, 5, ratInfo(0, 0))...)
			e, _ := m.Proxy(0)

			m.ApplyDiff([]des.EntityUpdate{des.LocalizeEntity(0, tt.dest)})
			back := m.DrainBacktrack()

			if w.Alive(e) != tt.wantAlive {
				t.Errorf("Expected alive=%v, got %v", tt.wantAlive, w.Alive(e))
			}
			if tt.wantAlive {
				if len(back) != 1 || back[0] != e {
					t.Errorf("Expected the proxy in backtrack, got %v", back)
				}
				if w.HasTag(e, DesTag) {
					t.Error("localized entity should lose the sync tag")
				}
			} else if len(back) != 0 {
				t.Errorf("Expected empty backtrack, got %v", back)
			}
			if m.Len() != 0 {
				t.Errorf("Expected no shadows, got %d", m.Len())
			}
		})
	}
}

func TestGrabbedItemIsNotRespawned(t *testing.T) {
	src := world.New()
	potion := src.Create("potion", 0, 0)
	world.Set(src, potion, world.Item, world.ItemData{})
	data, err := src.Serialize(potion)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	info := des.EntityInfo{SpawnInfo: des.SpawnInfo{Serialized: data}, Kind: des.KindItem}

	w := newTestWorld()
	m, ctx := newRemote(w)
	applyRemote(t, m, ctx, initStream(6, 50, info)...)
	e, ok := m.Proxy(6)
	if !ok {
		t.Fatal("Expected an item proxy")
	}

	me := w.Create("me", 0, 0, PlayerTag)
	w.AddChild(me, e)
	applyRemote(t, m, ctx)

	if got := m.DrainGrabRequests(); !slices.Equal(got, []des.Lid{6}) {
		t.Errorf("Expected a grab request for lid 6, got %v", got)
	}
	if !w.Alive(e) || w.HasTag(e, DesTag) {
		t.Error("grabbed item should stay in the inventory without the sync tag")
	}
	if back := m.DrainBacktrack(); len(back) != 1 || back[0] != e {
		t.Errorf("Expected the grabbed item in backtrack, got %v", back)
	}

	applyRemote(t, m, ctx, initStream(6, 50, info)...)
	if m.Len() != 0 || w.Len() != 2 {
		t.Errorf("a resent Init must not respawn a grabbed item, %d shadows %d entities", m.Len(), w.Len())
	}
}

// TestWaitForGidRebinds tests that a waiting entity is bound instead of a new
// proxy being spawned
func TestWaitForGidRebinds(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	e := spawnRat(t, w, 0, 0)
	writeMarker(w, e, Marker{Lid: 1, Authoritative: true})
	m.WaitForGid(e, 77)

	applyRemote(t, m, ctx, initStream(3, 77, ratInfo(0, 0))...)

	if got, _ := m.Proxy(3); got != e {
		t.Errorf("Expected lid 3 bound to the waiting entity, got %v", got)
	}
	if w.Len() != 1 {
		t.Errorf("no new entity should be spawned, world has %d", w.Len())
	}
	mk, _ := ReadMarker(w, e)
	if mk.Authoritative || mk.Lid != 3 || mk.Gid == nil || *mk.Gid != 77 {
		t.Errorf("Expected a non-authoritative marker for 3/77, got %+v", mk)
	}
}

func TestResetRebindsProxies(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	applyRemote(t, m, ctx, initStream(0, 5, ratInfo(0, 0))...)
	e, _ := m.Proxy(0)

	m.Reset()
	if m.Len() != 0 || !w.Alive(e) {
		t.Fatal("Reset should drop shadows but keep the proxy")
	}

	applyRemote(t, m, ctx, initStream(9, 5, ratInfo(0, 0))...)
	if got, _ := m.Proxy(9); got != e {
		t.Errorf("Expected the old proxy under lid 9, got %v", got)
	}
	if w.Len() != 1 {
		t.Errorf("Expected a single entity, got %d", w.Len())
	}
}

func TestCloseKillsProxies(t *testing.T) {
	w := newTestWorld()
	m, ctx := newRemote(w)
	applyRemote(t, m, ctx, initStream(0, 5, ratInfo(0, 0))...)
	m.WaitForGid(spawnRat(t, w, 0, 0), 6)

	m.Close()
	if w.Len() != 0 {
		t.Errorf("Close should kill every proxy, %d left", w.Len())
	}
}

func TestLaserSight(t *testing.T) {
	tests := []struct {
		name         string
		obstacle     bool
		wantEmitting bool
	}{
		{"clear line", false, true},
		{"terrain in the way", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorld()
			if tt.obstacle {
				w.AddObstacle(world.Rect{MinX: 40, MinY: -10, MaxX: 60, MaxY: 10})
			}
			m, ctx := newRemote(w)
			ctx.Players.Insert(2, w.Create("me", 100, 0, PlayerTag))
			info := ratInfo(0, 0)
			info.Laser = des.PeerRef(2)
			applyRemote(t, m, ctx, initStream(0, 5, info)...)

			e, _ := m.Proxy(0)
			l, ok := world.Get(w, e, world.Laser)
			if !ok {
				t.Fatal("Expected a laser on the proxy")
			}
			if l.Emitting != tt.wantEmitting {
				t.Errorf("Expected emitting=%v, got %v", tt.wantEmitting, l.Emitting)
			}
			if tt.wantEmitting && l.MaxLength != 100 {
				t.Errorf("Expected length 100, got %g", l.MaxLength)
			}
		})
	}
}

// TestAuthorityHandoff tests that an entity released by one peer ends up
// tracked by exactly one model on the other
func TestAuthorityHandoff(t *testing.T) {
	wa := newTestWorld()
	local, ctxA, net := newLocal(wa)

	wb := newTestWorld()
	remote := NewRemoteDiffModel(wb, 1, 2)
	localB, ctxB, _ := newLocal(wb)
	ctxB.Self = 2

	e := spawnRat(t, wa, 0, 0)
	lid, _ := local.TrackEntity(e, 9)
	data, _ := local.FullEntityDataFor(lid)
	applyRemote(t, remote, ctxB, tick(t, local, ctxA)...)
	if remote.Len() != 1 {
		t.Fatal("Expected the entity mirrored on B")
	}

	wa.SetPosition(e, 1000, 0)
	applyRemote(t, remote, ctxB, tick(t, local, ctxA)...)
	if net.count(des.DesReleaseAuthority) != 1 {
		t.Fatalf("Expected a release, sent %v", net.sent)
	}

	data.Pos = des.WorldPos{X: 1000, Y: 0}
	localB.GotAuthority(data)
	if err := localB.UpdatePendingAuthority(); err != nil {
		t.Fatalf("UpdatePendingAuthority failed: %v", err)
	}

	if len(local.Gids()) != 0 || len(remote.Gids()) != 0 {
		t.Errorf("A should forget gid 9, local %v remote %v", local.Gids(), remote.Gids())
	}
	if gids := localB.Gids(); !slices.Equal(gids, []des.Gid{9}) {
		t.Errorf("Expected B to own gid 9, got %v", gids)
	}
	if wb.Len() != 1 {
		t.Errorf("Expected a single copy on B, got %d entities", wb.Len())
	}
}

func TestPrepareRemoteEntity(t *testing.T) {
	w := newTestWorld()
	e := w.Create("egg", 0, 0, "egg_item")
	world.Set(w, e, world.Drivers, world.DriversData{PhysicsAI: true})
	world.Set(w, e, world.AI, world.AIData{MeleeDamageMin: 3})
	world.Set(w, e, world.Sprites, world.SpritesData{Layers: []world.SpriteLayer{{Tags: []string{"character"}}}})
	world.Set(w, e, world.Motion, world.MotionData{Kind: world.MotionWorm, BiteDamage: 5})
	world.Set(w, e, world.Explosive, world.ExplosiveData{OnDeathPercent: 1, LoadEntity: "data/entities/egg_content.xml"})
	world.Set(w, e, world.ItemCost, world.ItemCostData{Cost: 10, Stealable: true})
	world.Set(w, e, world.Pickup, world.PickupData{DropItemsOnDeath: true})
	world.Set(w, e, world.Damage, world.DamageData{HP: 5})
	w.AddScript(e, world.Script{Death: world.DropMoneyScript})
	w.AddScript(e, world.Script{DamageReceived: "data/scripts/animals/leader_damage.lua"})
	w.AddScript(e, world.Script{Source: "data/scripts/animals/keep.lua"})

	lid, gid := des.Lid(4), des.Gid(8)
	if err := PrepareRemoteEntity(w, e, &lid, &gid, false); err != nil {
		t.Fatalf("PrepareRemoteEntity failed: %v", err)
	}

	if world.Has(w, e, world.Drivers) || world.Has(w, e, world.AI) {
		t.Error("drivers and non-aiming AI should be removed")
	}
	sprites, _ := world.Get(w, e, world.Sprites)
	if l := sprites.Layers[0]; len(l.Tags) != 0 || !l.SpecialScale {
		t.Errorf("character sprite should be detached from the AI, got %+v", l)
	}
	if mo, _ := world.Get(w, e, world.Motion); mo.BiteDamage != 0 {
		t.Error("worm bite should be disarmed")
	}
	if ex, _ := world.Get(w, e, world.Explosive); ex.OnDeathPercent != 0 || ex.LoadEntity != "" {
		t.Errorf("explosion should be disarmed, got %+v", ex)
	}
	if c, _ := world.Get(w, e, world.ItemCost); c.Stealable {
		t.Error("proxy should not be stealable")
	}
	if p, _ := world.Get(w, e, world.Pickup); !p.Restricted || p.OnlyPick != world.NoEntity || p.DropItemsOnDeath {
		t.Errorf("pickup should be locked, got %+v", p)
	}
	if d, _ := world.Get(w, e, world.Damage); !d.WaitForKillFlag {
		t.Error("wait-for-kill flag should be set")
	}
	if w.DropsGold(e) || w.HasScript(e, func(s *world.Script) bool { return s.DamageReceived != "" }) {
		t.Error("gold and damage scripts should be stripped")
	}
	if !w.HasScript(e, func(s *world.Script) bool { return s.Source == "data/scripts/animals/keep.lua" }) {
		t.Error("unrelated scripts should be kept")
	}
	if !w.HasTag(e, DesTag) || !w.HasTag(e, NotPolymorphable) {
		t.Error("proxy tags missing")
	}
}
