package entitysync

import (
	"encoding/hex"
	"math"
	"slices"
	"strconv"

	"github.com/pkg/errors"

	"entity-sync/internal/des"
	"entity-sync/internal/world"
)

// Tags and variable names shared with the world's scripts.
const (
	DesTag            = "ew_des"
	DesScriptsTag     = "ew_des_lua"
	ClientTag         = "ew_client"
	PlayerTag         = "player_unit"
	PolymorphedTag    = "polymorphed_player"
	NotPolymorphable  = "polymorphable_NOT"
	MarkerVar         = "ew_gid_lid"
	SpawnedWandVar    = "ew_spawned_wand"
	HasStartedVar     = "ew_has_started"
	BossDragonDeath   = "data/scripts/animals/boss_dragon_death.lua"
	wandGhostPrefix   = "data/entities/animals/wand_ghost"
	suspendedPhysics  = "data/scripts/props/suspended_container_physics_objects.lua"
	throwTimeVar      = "throw_time"
	characterSpriteTg = "character"
)

var (
	damageScriptsToStrip = []string{
		"data/scripts/animals/leader_damage.lua",
		"data/scripts/animals/giantshooter_death.lua",
		"data/scripts/animals/blob_damage.lua",
		"data/scripts/items/die_roll.lua",
		"data/scripts/animals/iceskull_damage.lua",
	}
	sourceScriptsToStrip = []string{
		"data/scripts/buildings/firebugnest.lua",
		"data/scripts/buildings/flynest.lua",
		"data/scripts/buildings/spidernest.lua",
		"data/scripts/buildings/bunker2_check.lua",
		"data/scripts/buildings/bunker_check.lua",
		"data/scripts/buildings/statue_hand_state.lua",
	}
	enabledChangedScriptsToStrip = []string{"data/scripts/items/die_roll.lua"}
	kickScriptsToStrip           = []string{
		"data/scripts/items/die_roll.lua",
		"data/scripts/buildings/statue_hand_modified.lua",
	}
)

// ErrNotTracked is returned for a lid the model does not know.
var ErrNotTracked = errors.New("entitysync: entity not tracked")

// ErrAlreadyTracked is returned when an entity already has a lid.
var ErrAlreadyTracked = errors.New("entitysync: entity already tracked")

// handoffError is a release or transfer that could not be sent. The entity
// stays tracked and the handoff runs again next tick.
type handoffError struct{ err error }

func (e handoffError) Error() string { return "handoff not sent: " + e.err.Error() }
func (e handoffError) Unwrap() error { return e.err }

// minPositiveHP is the smallest normal float32.
const minPositiveHP = 0x1p-126

// Marker is the correlation triple stored on every synced entity.
type Marker struct {
	Gid           *des.Gid
	Lid           des.Lid
	Authoritative bool
}

// ReadMarker returns e's marker, if it has one.
func ReadMarker(w *world.World, e world.EntityID) (Marker, bool) {
	v, ok := w.Var(e, MarkerVar)
	if !ok {
		return Marker{}, false
	}
	m := Marker{Lid: des.Lid(uint32(v.Int)), Authoritative: v.Bool}
	if g, err := strconv.ParseUint(v.Str, 10, 64); err == nil {
		gid := des.Gid(g)
		m.Gid = &gid
	}
	return m, true
}

// writeMarker replaces any stale marker on e.
func writeMarker(w *world.World, e world.EntityID, m Marker) {
	w.RemoveVars(e, MarkerVar)
	v := w.EnsureVar(e, MarkerVar)
	if m.Gid != nil {
		v.Str = strconv.FormatUint(uint64(*m.Gid), 10)
	}
	v.Int = int32(uint32(m.Lid))
	v.Bool = m.Authoritative
}

func markerGid(w *world.World, e world.EntityID) *des.Gid {
	m, ok := ReadMarker(w, e)
	if !ok {
		return nil
	}
	return m.Gid
}

// PrepareRemoteEntity sanitizes a freshly spawned proxy so that only sync
// drives it. A non-nil lid arms the wait-for-kill flag and attaches a
// non-authoritative marker.
func PrepareRemoteEntity(w *world.World, e world.EntityID, lid *des.Lid, gid *des.Gid, dropsGold bool) error {
	if !w.Alive(e) {
		return errors.Wrap(world.ErrDeadEntity, "prepare remote entity")
	}
	world.Remove(w, e, world.Drivers)

	if ai, ok := world.Get(w, e, world.AI); ok {
		aims := ai.RangedAim
		ai.RangedCountMin, ai.RangedCountMax = 0, 0
		ai.MeleeDamageMin, ai.MeleeDamageMax = 0, 0
		ai.DashDamage = 0
		ai.StateTimer = math.MaxInt32
		ai.RangedStateFrames = math.MaxInt32
		ai.KeepStateAlive = true
		if !aims {
			world.Remove(w, e, world.AI)
			if sprites, ok := world.Get(w, e, world.Sprites); ok {
				for i := range sprites.Layers {
					l := &sprites.Layers[i]
					if slices.Contains(l.Tags, characterSpriteTg) {
						l.Tags = slices.DeleteFunc(l.Tags, func(t string) bool { return t == characterSpriteTg })
						l.SpecialScale = true
					}
				}
			}
		}
	}
	if m, ok := world.Get(w, e, world.Motion); ok && (m.Kind == world.MotionWorm || m.Kind == world.MotionBossDragon) {
		m.BiteDamage = 0
	}

	w.AddTag(e, DesTag)
	w.AddTag(e, NotPolymorphable)
	if d, ok := world.Get(w, e, world.Damage); ok && lid != nil {
		d.WaitForKillFlag = true
	}
	if ph, ok := world.Get(w, e, world.Physics); ok {
		ph.DestroyWithEntity = true
	}
	if ex, ok := world.Get(w, e, world.Explosive); ok {
		ex.OnDamagePercent = 0
		ex.OnDeathPercent = 0
		ex.PhysicsDeathProbability = 0
		if w.HasTag(e, "egg_item") {
			ex.LoadEntity = ""
		}
	}
	if c, ok := world.Get(w, e, world.ItemCost); ok {
		c.Stealable = false
	}
	w.RemoveScripts(e, func(s *world.Script) bool {
		return (!dropsGold && s.Death == world.DropMoneyScript) ||
			slices.Contains(damageScriptsToStrip, s.DamageReceived) ||
			slices.Contains(sourceScriptsToStrip, s.Source) ||
			slices.Contains(enabledChangedScriptsToStrip, s.EnabledChanged) ||
			slices.Contains(kickScriptsToStrip, s.Kick)
	})
	if p, ok := world.Get(w, e, world.Pickup); ok {
		p.DropItemsOnDeath = false
		p.Restricted = true
		p.OnlyPick = world.NoEntity
	}
	if g, ok := world.Get(w, e, world.Ghost); ok {
		g.DieIfNoHome = false
	}

	w.RemoveVars(e, MarkerVar)
	if v, ok := w.Var(e, throwTimeVar); ok {
		v.Int = w.Frame() - 4
	}
	if lid != nil {
		writeMarker(w, e, Marker{Gid: gid, Lid: *lid})
	}
	return nil
}

// SpawnByData instantiates a spawn descriptor at (x, y).
func SpawnByData(w *world.World, info des.SpawnInfo, x, y float32) (world.EntityID, error) {
	if info.IsFilename() {
		e, err := w.Load(info.Filename, x, y)
		if err != nil {
			return world.NoEntity, err
		}
		w.RemoveScripts(e, func(s *world.Script) bool { return s.Source == suspendedPhysics })
		return e, nil
	}
	e, err := w.Deserialize(info.Serialized, x, y)
	if err != nil {
		return world.NoEntity, errors.Wrap(err, "spawn serialized entity")
	}
	return e, nil
}

// safeKill removes an entity that left sync. Wands may still be on a pickup
// screen, so they die a frame later.
func safeKill(w *world.World, e world.EntityID) {
	if a, ok := world.Get(w, e, world.Ability); ok && a.UseGunScript {
		w.KillDeferred(e)
		return
	}
	killQuickInventory(w, e)
	w.Kill(e)
}

func killQuickInventory(w *world.World, e world.EntityID) {
	if quick, ok := w.ChildNamed(e, world.InventoryQuickName); ok {
		for _, c := range w.Children(quick) {
			w.Kill(c)
		}
	}
}

func isItem(w *world.World, e world.EntityID) bool {
	return world.Has(w, e, world.Item) && w.Root(e) == e
}

func classify(w *world.World, e world.EntityID) des.EntityKind {
	if isItem(w, e) {
		return des.KindItem
	}
	return des.KindNormal
}

func itemInInventory(w *world.World, e world.EntityID) bool {
	return w.Root(e) != e
}

func itemInMyInventory(w *world.World, e world.EntityID) bool {
	root := w.Root(e)
	if root == e || !w.Alive(root) {
		return false
	}
	return !w.HasTag(root, ClientTag) && (w.HasTag(root, PlayerTag) || w.HasTag(root, PolymorphedTag))
}

func notInPlayerInventory(w *world.World, e world.EntityID) bool {
	root := w.Root(e)
	return !w.Alive(root) || !w.HasTag(root, ClientTag)
}

func allPhysInit(w *world.World, e world.EntityID) bool {
	ph, ok := world.Get(w, e, world.Physics)
	if !ok {
		return true
	}
	for _, b := range ph.Bodies {
		if !b.Initialized {
			return false
		}
	}
	return true
}

func collectPhys(w *world.World, e world.EntityID) []des.PhysSlot {
	ph, ok := world.Get(w, e, world.Physics)
	if !ok {
		return nil
	}
	out := make([]des.PhysSlot, len(ph.Bodies))
	for i, b := range ph.Bodies {
		if b.NoTransform {
			continue
		}
		out[i] = des.PhysSlot{Valid: true, Body: des.PhysBodyInfo{
			X: b.X, Y: b.Y, Angle: b.Angle, VX: b.VX, VY: b.VY, AV: b.AV,
		}}
	}
	return out
}

// giveWand makes item e's active item. With inHand the item goes into e's quick
// inventory and dies once dropped; otherwise it is dropped into the world next
// to e.
func giveWand(w *world.World, e world.EntityID, item *des.CarriedItem, inHand bool) error {
	world.Ensure(w, e, world.Inventory)
	digest := hex.EncodeToString(item.Digest[:])

	if held, ok := w.ActiveItem(e); ok {
		if tgid := markerGid(w, held); tgid != nil {
			if item.Gid != nil && *item.Gid == *tgid {
				return nil
			}
			w.Kill(held)
		} else if v, ok := w.Var(held, SpawnedWandVar); ok && v.Str == digest {
			return nil
		} else {
			w.Kill(held)
		}
	}

	x, y := w.Position(e)
	wand, err := w.Deserialize(item.Payload, x, y)
	if err != nil {
		return errors.Wrap(err, "give wand")
	}
	if !inHand {
		w.SetGroupEnabled(wand, "enabled_in_hand", false)
		w.SetGroupEnabled(wand, "enabled_in_inventory", false)
		w.SetGroupEnabled(wand, "enabled_in_world", true)
		return nil
	}

	if p, ok := world.Get(w, e, world.Pickup); ok {
		p.Restricted = true
		p.OnlyPick = wand
	}
	quick, ok := w.ChildNamed(e, world.InventoryQuickName)
	if ok {
		for _, c := range w.Children(quick) {
			w.Kill(c)
		}
	} else {
		quick = w.Create(world.InventoryQuickName, x, y)
		w.AddChild(e, quick)
	}
	w.AddChild(quick, wand)
	if a, ok := world.Get(w, wand, world.Ability); ok {
		a.DropAsItemOnDeath = false
	}
	if it, ok := world.Get(w, wand, world.Item); ok {
		it.RemoveOnDeath = true
	}
	w.AddScript(wand, world.Script{Source: world.KillOnDropScript})
	if item.Gid == nil {
		w.EnsureVar(wand, SpawnedWandVar).Str = digest
	}
	return nil
}
