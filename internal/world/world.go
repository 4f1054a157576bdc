// Package world is a small entity simulation used as the engine behind the
// sync core. It stores entities in a donburi ECS, keeps them in a parent/child
// tree, runs damage and death hooks, and can serialize whole subtrees.
package world

import (
	"slices"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/yohamta/donburi"
)

// EntityID is an arena handle into the ECS. Handles are versioned, so a stale
// handle to a killed entity is never valid again.
type EntityID = donburi.Entity

// NoEntity is the null handle.
var NoEntity = donburi.Null

// Well known script hooks.
const (
	// DeathNotifyScript reports a tracked entity's death to the sync core.
	DeathNotifyScript = "entity_sync/death_notify.lua"
	// ItemNotifyScript reports an untracked item being thrown back into the world.
	ItemNotifyScript = "entity_sync/item_notify.lua"
	// DropMoneyScript drops gold on death.
	DropMoneyScript = "data/scripts/items/drop_money.lua"
	// KillOnDropScript kills a replicated held item once it leaves its holder.
	KillOnDropScript = "entity_sync/kill_on_drop.lua"
)

// InventoryQuickName names the child that holds an entity's quick items.
const InventoryQuickName = "inventory_quick"

// DeathEvent describes the death of an entity carrying DeathNotifyScript.
type DeathEvent struct {
	Entity      EntityID
	X, Y        float32
	Filename    string
	WaitOnKill  bool
	DropsGold   bool
	Responsible EntityID
}

// ShotEvent describes a projectile fired through ShootProjectile.
type ShotEvent struct {
	Shooter    EntityID
	Projectile EntityID
	Position   mgl32.Vec2
	Target     mgl32.Vec2
}

type deferredKill struct {
	at int32
	e  EntityID
}

// World is not safe for concurrent use; it is driven by a single tick loop.
type World struct {
	ecs       donburi.World
	frame     int32
	camera    mgl32.Vec2
	prefabs   map[string]Record
	obstacles []Rect
	deferred  []deferredKill

	onDeath []func(DeathEvent)
	onThrow []func(EntityID)
	onShot  []func(ShotEvent)
}

// New creates an empty world.
func New() *World {
	return &World{
		ecs:     donburi.NewWorld(),
		prefabs: make(map[string]Record),
	}
}

// Create adds a bare entity with a name, tags and a transform at (x, y).
func (w *World) Create(name string, x, y float32, tags ...string) EntityID {
	e := w.ecs.Create(Meta, Node, Transform)
	entry := w.ecs.Entry(e)
	Meta.SetValue(entry, MetaData{Name: name, Tags: slices.Clone(tags)})
	Transform.SetValue(entry, TransformData{X: x, Y: y, ScaleX: 1})
	return e
}

// Alive reports whether e refers to an existing entity.
func (w *World) Alive(e EntityID) bool {
	return e != NoEntity && w.ecs.Valid(e)
}

// Len returns the number of live entities.
func (w *World) Len() int {
	return w.ecs.Len()
}

// Each calls fn for every live entity. fn may kill entities.
func (w *World) Each(fn func(EntityID)) {
	var all []EntityID
	Meta.Each(w.ecs, func(entry *donburi.Entry) {
		all = append(all, entry.Entity())
	})
	for _, e := range all {
		if w.Alive(e) {
			fn(e)
		}
	}
}

// Frame returns the number of completed steps.
func (w *World) Frame() int32 {
	return w.frame
}

// Camera returns the local camera position.
func (w *World) Camera() mgl32.Vec2 {
	return w.camera
}

// SetCamera moves the local camera.
func (w *World) SetCamera(x, y float32) {
	w.camera = mgl32.Vec2{x, y}
}

// OnDeath registers a listener for DeathNotifyScript deaths.
func (w *World) OnDeath(fn func(DeathEvent)) {
	w.onDeath = append(w.onDeath, fn)
}

// OnThrow registers a listener for ItemNotifyScript items leaving their holder.
func (w *World) OnThrow(fn func(EntityID)) {
	w.onThrow = append(w.onThrow, fn)
}

// OnShot registers a listener for fired projectiles.
func (w *World) OnShot(fn func(ShotEvent)) {
	w.onShot = append(w.onShot, fn)
}

// =============================================================================
// Naming and tags
// =============================================================================

func (w *World) meta(e EntityID) *MetaData {
	m, _ := Get(w, e, Meta)
	return m
}

// Name returns e's name, or "" for dead entities.
func (w *World) Name(e EntityID) string {
	if m := w.meta(e); m != nil {
		return m.Name
	}
	return ""
}

// Filename returns the prefab e was loaded from.
func (w *World) Filename(e EntityID) string {
	if m := w.meta(e); m != nil {
		return m.Filename
	}
	return ""
}

func (w *World) HasTag(e EntityID, tag string) bool {
	m := w.meta(e)
	return m != nil && slices.Contains(m.Tags, tag)
}

func (w *World) AddTag(e EntityID, tag string) {
	if m := w.meta(e); m != nil && !slices.Contains(m.Tags, tag) {
		m.Tags = append(m.Tags, tag)
	}
}

func (w *World) RemoveTag(e EntityID, tag string) {
	if m := w.meta(e); m != nil {
		m.Tags = slices.DeleteFunc(m.Tags, func(t string) bool { return t == tag })
	}
}

// =============================================================================
// Transform
// =============================================================================

// Position returns e's world position.
func (w *World) Position(e EntityID) (float32, float32) {
	if t, ok := Get(w, e, Transform); ok {
		return t.X, t.Y
	}
	return 0, 0
}

// SetPosition moves e and its whole subtree.
func (w *World) SetPosition(e EntityID, x, y float32) {
	t, ok := Get(w, e, Transform)
	if !ok {
		return
	}
	w.translate(e, x-t.X, y-t.Y)
}

func (w *World) translate(e EntityID, dx, dy float32) {
	if t, ok := Get(w, e, Transform); ok {
		t.X += dx
		t.Y += dy
	}
	for _, c := range w.Children(e) {
		w.translate(c, dx, dy)
	}
}

// Rotation returns e's rotation in radians.
func (w *World) Rotation(e EntityID) float32 {
	if t, ok := Get(w, e, Transform); ok {
		return t.Rotation
	}
	return 0
}

func (w *World) SetRotation(e EntityID, r float32) {
	if t, ok := Get(w, e, Transform); ok {
		t.Rotation = r
	}
}

// =============================================================================
// Entity tree
// =============================================================================

// Parent returns e's parent or NoEntity.
func (w *World) Parent(e EntityID) EntityID {
	if n, ok := Get(w, e, Node); ok {
		return n.Parent
	}
	return NoEntity
}

// Children returns a copy of e's children.
func (w *World) Children(e EntityID) []EntityID {
	if n, ok := Get(w, e, Node); ok {
		return slices.Clone(n.Children)
	}
	return nil
}

// ChildrenTagged returns e's children that carry tag.
func (w *World) ChildrenTagged(e EntityID, tag string) []EntityID {
	var out []EntityID
	for _, c := range w.Children(e) {
		if w.HasTag(c, tag) {
			out = append(out, c)
		}
	}
	return out
}

// ChildNamed returns the first child of e called name.
func (w *World) ChildNamed(e EntityID, name string) (EntityID, bool) {
	for _, c := range w.Children(e) {
		if w.Name(c) == name {
			return c, true
		}
	}
	return NoEntity, false
}

// Root follows parents up to the top of e's tree.
func (w *World) Root(e EntityID) EntityID {
	for w.Alive(e) {
		p := w.Parent(e)
		if !w.Alive(p) {
			return e
		}
		e = p
	}
	return NoEntity
}

// AddChild reparents child under parent.
func (w *World) AddChild(parent, child EntityID) {
	if !w.Alive(parent) || !w.Alive(child) || parent == child {
		return
	}
	w.unlink(child)
	pn, _ := Get(w, parent, Node)
	pn.Children = append(pn.Children, child)
	cn, _ := Get(w, child, Node)
	cn.Parent = parent
}

// Detach moves e back into the world as a root entity. Items carrying
// ItemNotifyScript report the throw; items carrying KillOnDropScript die.
func (w *World) Detach(e EntityID) {
	if !w.Alive(w.Parent(e)) {
		return
	}
	w.unlink(e)
	if w.HasScript(e, func(s *Script) bool { return s.Source == KillOnDropScript }) {
		w.Kill(e)
		return
	}
	if w.HasScript(e, func(s *Script) bool { return s.ThrowItem == ItemNotifyScript }) {
		for _, fn := range w.onThrow {
			fn(e)
		}
	}
}

func (w *World) unlink(e EntityID) {
	n, ok := Get(w, e, Node)
	if !ok || !w.Alive(n.Parent) {
		if ok {
			n.Parent = NoEntity
		}
		return
	}
	if pn, ok := Get(w, n.Parent, Node); ok {
		pn.Children = slices.DeleteFunc(pn.Children, func(c EntityID) bool { return c == e })
	}
	n.Parent = NoEntity
}

// ActiveItem returns the first item in e's quick inventory.
func (w *World) ActiveItem(e EntityID) (EntityID, bool) {
	if !Has(w, e, Inventory) {
		return NoEntity, false
	}
	quick, ok := w.ChildNamed(e, InventoryQuickName)
	if !ok {
		return NoEntity, false
	}
	for _, c := range w.Children(quick) {
		if w.Alive(c) {
			return c, true
		}
	}
	return NoEntity, false
}

// =============================================================================
// Variables, scripts and toggles
// =============================================================================

// Var returns the first variable named name.
func (w *World) Var(e EntityID, name string) (*Var, bool) {
	vars, ok := Get(w, e, Vars)
	if !ok {
		return nil, false
	}
	for i := range vars.Entries {
		if vars.Entries[i].Name == name {
			return &vars.Entries[i], true
		}
	}
	return nil, false
}

// EnsureVar returns the variable named name, creating it when missing.
func (w *World) EnsureVar(e EntityID, name string) *Var {
	if v, ok := w.Var(e, name); ok {
		return v
	}
	vars := Ensure(w, e, Vars)
	if vars == nil {
		return &Var{}
	}
	vars.Entries = append(vars.Entries, Var{Name: name})
	return &vars.Entries[len(vars.Entries)-1]
}

// RemoveVars drops every variable named name.
func (w *World) RemoveVars(e EntityID, name string) {
	if vars, ok := Get(w, e, Vars); ok {
		vars.Entries = slices.DeleteFunc(vars.Entries, func(v Var) bool { return v.Name == name })
	}
}

// AnyVar reports whether some variable matches pred.
func (w *World) AnyVar(e EntityID, pred func(*Var) bool) bool {
	vars, ok := Get(w, e, Vars)
	if !ok {
		return false
	}
	for i := range vars.Entries {
		if pred(&vars.Entries[i]) {
			return true
		}
	}
	return false
}

// AddScript attaches a script hook.
func (w *World) AddScript(e EntityID, s Script) {
	if scripts := Ensure(w, e, Scripts); scripts != nil {
		scripts.Entries = append(scripts.Entries, s)
	}
}

// HasScript reports whether some script hook matches pred.
func (w *World) HasScript(e EntityID, pred func(*Script) bool) bool {
	scripts, ok := Get(w, e, Scripts)
	if !ok {
		return false
	}
	for i := range scripts.Entries {
		if pred(&scripts.Entries[i]) {
			return true
		}
	}
	return false
}

// RemoveScripts drops every script hook matching pred.
func (w *World) RemoveScripts(e EntityID, pred func(*Script) bool) {
	if scripts, ok := Get(w, e, Scripts); ok {
		scripts.Entries = slices.DeleteFunc(scripts.Entries, func(s Script) bool { return pred(&s) })
	}
}

// ScriptTagged returns the script hook carrying tag, creating it when missing.
func (w *World) ScriptTagged(e EntityID, tag string) *Script {
	scripts := Ensure(w, e, Scripts)
	if scripts == nil {
		return &Script{}
	}
	for i := range scripts.Entries {
		if slices.Contains(scripts.Entries[i].Tags, tag) {
			return &scripts.Entries[i]
		}
	}
	scripts.Entries = append(scripts.Entries, Script{Tags: []string{tag}})
	return &scripts.Entries[len(scripts.Entries)-1]
}

// SetGroupEnabled toggles every component tagged group.
func (w *World) SetGroupEnabled(e EntityID, group string, enabled bool) {
	t := Ensure(w, e, Toggles)
	if t == nil {
		return
	}
	if t.Groups == nil {
		t.Groups = make(map[string]bool)
	}
	t.Groups[group] = enabled
}

// GroupEnabled reports the state of a toggle group. Unknown groups are enabled.
func (w *World) GroupEnabled(e EntityID, group string) bool {
	t, ok := Get(w, e, Toggles)
	if !ok {
		return true
	}
	enabled, known := t.Groups[group]
	return !known || enabled
}

// =============================================================================
// Effects
// =============================================================================

// GameEffects returns e's active game effects.
func (w *World) GameEffects(e EntityID) []GameEffect {
	if fx, ok := Get(w, e, Effects); ok {
		return slices.Clone(fx.Active)
	}
	return nil
}

// SetGameEffects replaces e's active game effects.
func (w *World) SetGameEffects(e EntityID, effects []GameEffect) {
	if len(effects) == 0 && !Has(w, e, Effects) {
		return
	}
	if fx := Ensure(w, e, Effects); fx != nil {
		fx.Active = slices.Clone(effects)
	}
}

// Stains returns e's stain bitfield.
func (w *World) Stains(e EntityID) uint64 {
	if fx, ok := Get(w, e, Effects); ok {
		return fx.Stains
	}
	return 0
}

func (w *World) SetStains(e EntityID, stains uint64) {
	if stains == 0 && !Has(w, e, Effects) {
		return
	}
	if fx := Ensure(w, e, Effects); fx != nil {
		fx.Stains = stains
	}
}
