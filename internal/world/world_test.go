package world

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func newRat(w *World, x, y float32) EntityID {
	e := w.Create("rat", x, y, "enemy")
	Set(w, e, Damage, DamageData{HP: 4, MaxHP: 4})
	Set(w, e, Motion, MotionData{Kind: MotionCharacter})
	return e
}

// TestSerializeSubtree tests that a serialized entity comes back with its children
func TestSerializeSubtree(t *testing.T) {
	w := New()
	holder := newRat(w, 10, 20)
	Ensure(w, holder, Inventory)
	quick := w.Create(InventoryQuickName, 10, 20)
	w.AddChild(holder, quick)
	wand := w.Create("wand", 12, 20)
	Set(w, wand, Ability, AbilityData{UseGunScript: true})
	w.AddChild(quick, wand)
	w.AddScript(holder, Script{Death: DeathNotifyScript, Tags: []string{RemoveOnSendTag}})
	w.AddScript(holder, Script{Death: DropMoneyScript})

	data, err := w.Serialize(holder)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	copyID, err := w.Deserialize(data, 100, 200)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if x, y := w.Position(copyID); x != 100 || y != 200 {
		t.Errorf("Expected copy at (100,200), got (%v,%v)", x, y)
	}

	item, ok := w.ActiveItem(copyID)
	if !ok {
		t.Fatal("copy lost its active item")
	}
	if x, _ := w.Position(item); x != 102 {
		t.Errorf("child should keep its offset, got x=%v", x)
	}
	if a, ok := Get(w, item, Ability); !ok || !a.UseGunScript {
		t.Error("child components were not restored")
	}
	if w.HasScript(copyID, func(s *Script) bool { return s.Death == DeathNotifyScript }) {
		t.Error("scripts tagged remove-on-send must not be serialized")
	}
	if !w.DropsGold(copyID) {
		t.Error("regular scripts should survive serialization")
	}
}

// TestSerializeHeldIgnoresHolderPosition tests that a held item encodes the
// same wherever its holder stands
func TestSerializeHeldIgnoresHolderPosition(t *testing.T) {
	w := New()
	holder := newRat(w, 10, 20)
	quick := w.Create(InventoryQuickName, 10, 20)
	w.AddChild(holder, quick)
	wand := w.Create("wand", 12, 20)
	w.AddChild(quick, wand)
	w.SetGroupEnabled(wand, "enabled_in_hand", true)
	w.SetGroupEnabled(wand, "enabled_in_world", false)
	w.SetGroupEnabled(wand, "enabled_in_inventory", false)

	before, err := w.SerializeHeld(wand)
	if err != nil {
		t.Fatalf("SerializeHeld failed: %v", err)
	}
	w.SetPosition(holder, 500, -40)
	w.SetRotation(wand, 1.5)
	after, err := w.SerializeHeld(wand)
	if err != nil {
		t.Fatalf("SerializeHeld failed: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("Expected the same payload after the holder moved")
	}

	copyID, err := w.Deserialize(after, 7, 8)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if x, y := w.Position(copyID); x != 7 || y != 8 {
		t.Errorf("Expected copy at (7,8), got (%v,%v)", x, y)
	}
}

func TestLoadPrefab(t *testing.T) {
	w := New()
	w.RegisterPrefab("data/entities/animals/rat.xml", Record{
		Meta:   MetaData{Name: "rat", Tags: []string{"enemy"}},
		Damage: &DamageData{HP: 4, MaxHP: 4},
		Vars:   &VarsData{Entries: []Var{{Name: "active", Int: 0}}},
	})

	a, err := w.Load("data/entities/animals/rat.xml", 1, 2)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	b, _ := w.Load("data/entities/animals/rat.xml", 3, 4)

	if w.Filename(a) != "data/entities/animals/rat.xml" {
		t.Errorf("unexpected filename %q", w.Filename(a))
	}
	w.EnsureVar(a, "active").Int = 1
	if v, _ := w.Var(b, "active"); v.Int != 0 {
		t.Error("prefab instances must not share variable storage")
	}

	if _, err := w.Load("missing.xml", 0, 0); errors.Cause(err) != ErrUnknownPrefab {
		t.Errorf("Expected ErrUnknownPrefab, got %v", err)
	}
}

// TestInflictDamageDeath tests death hooks and the wait-for-kill flag
func TestInflictDamageDeath(t *testing.T) {
	tests := []struct {
		name      string
		wait      bool
		wantAlive bool
	}{
		{"killed immediately", false, false},
		{"lingers waiting for kill", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New()
			killer := w.Create("player", 0, 0, "player_unit")
			rat := newRat(w, 5, 6)
			d, _ := Get(w, rat, Damage)
			d.WaitForKillFlag = tt.wait
			w.AddScript(rat, Script{Death: DeathNotifyScript})

			var events []DeathEvent
			w.OnDeath(func(ev DeathEvent) { events = append(events, ev) })

			w.InflictDamage(rat, 1, DamageCurse, killer)
			if len(events) != 0 {
				t.Fatal("non-lethal damage should not notify")
			}
			w.InflictDamage(rat, 10, DamageCurse, killer)

			if len(events) != 1 {
				t.Fatalf("Expected 1 death event, got %d", len(events))
			}
			ev := events[0]
			if ev.Responsible != killer || ev.WaitOnKill != tt.wait || ev.X != 5 {
				t.Errorf("unexpected event %+v", ev)
			}
			if w.Alive(rat) != tt.wantAlive {
				t.Errorf("Expected alive=%v", tt.wantAlive)
			}

			w.InflictDamage(rat, 10, DamageCurse, killer)
			if len(events) != 1 {
				t.Error("an entity must only die once")
			}
		})
	}
}

func TestKillRemovesSubtree(t *testing.T) {
	w := New()
	parent := w.Create("parent", 0, 0)
	child := w.Create("child", 0, 0)
	grandchild := w.Create("grandchild", 0, 0)
	w.AddChild(parent, child)
	w.AddChild(child, grandchild)

	w.Kill(child)
	if w.Alive(child) || w.Alive(grandchild) {
		t.Error("Kill should remove the whole subtree")
	}
	if len(w.Children(parent)) != 0 {
		t.Error("killed child should be unlinked from its parent")
	}
}

func TestKillDeferred(t *testing.T) {
	w := New()
	e := w.Create("wand", 0, 0)
	w.KillDeferred(e)
	if !w.Alive(e) {
		t.Fatal("deferred kill ran early")
	}
	w.Step(1.0 / 60)
	if w.Alive(e) {
		t.Error("deferred kill should run on the next step")
	}
}

func TestDetachNotifiesThrow(t *testing.T) {
	w := New()
	holder := w.Create("holder", 0, 0)
	item := w.Create("potion", 0, 0)
	w.AddChild(holder, item)
	w.AddScript(item, Script{ThrowItem: ItemNotifyScript})

	var thrown []EntityID
	w.OnThrow(func(e EntityID) { thrown = append(thrown, e) })

	w.Detach(item)
	if len(thrown) != 1 || thrown[0] != item {
		t.Errorf("Expected throw notification for item, got %v", thrown)
	}
	if w.Root(item) != item {
		t.Error("detached item should be a root")
	}
}

func TestRaytrace(t *testing.T) {
	w := New()
	w.AddObstacle(Rect{MinX: 10, MinY: -5, MaxX: 12, MaxY: 5})

	if !w.Raytrace(0, 0, 20, 0) {
		t.Error("segment through the wall should hit")
	}
	if w.Raytrace(0, 10, 20, 10) {
		t.Error("segment above the wall should not hit")
	}
	if w.Raytrace(0, 0, 9, 0) {
		t.Error("segment ending before the wall should not hit")
	}
}

func TestStepInitializesPhysics(t *testing.T) {
	w := New()
	e := w.Create("crate", 0, 0)
	Set(w, e, Physics, PhysicsData{Bodies: []PhysBody{{VX: 60}}})

	w.Step(1)
	ph, _ := Get(w, e, Physics)
	if !ph.Bodies[0].Initialized {
		t.Error("bodies should be initialized after a step")
	}
	if x, _ := w.Position(e); x != 60 {
		t.Errorf("Expected entity to follow its body to x=60, got %v", x)
	}
}

func TestShootProjectile(t *testing.T) {
	w := New()
	shooter := w.Create("shooter", 0, 0)
	proj := w.Create("bolt", 0, 0)
	Set(w, proj, Projectile, ProjectileData{Speed: 10})

	var shots []ShotEvent
	w.OnShot(func(ev ShotEvent) { shots = append(shots, ev) })
	w.ShootProjectile(shooter, 1, 1, 1, 11, proj)

	if len(shots) != 1 || shots[0].Shooter != shooter {
		t.Fatalf("unexpected shots %+v", shots)
	}
	m, _ := Get(w, proj, Motion)
	if m.Velocity[0] != 0 || m.Velocity[1] != 10 {
		t.Errorf("Expected velocity (0,10), got %v", m.Velocity)
	}
}

func TestGroupToggles(t *testing.T) {
	w := New()
	e := w.Create("boss", 0, 0)
	if !w.GroupEnabled(e, "disabled_at_start") {
		t.Error("unknown groups should read as enabled")
	}
	w.SetGroupEnabled(e, "disabled_at_start", false)
	if w.GroupEnabled(e, "disabled_at_start") {
		t.Error("toggle did not stick")
	}
}
