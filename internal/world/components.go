package world

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/yohamta/donburi"

	"entity-sync/internal/des"
)

// MetaData names an entity. Every entity has it.
type MetaData struct {
	Name     string
	Filename string
	Tags     []string
}

// NodeData links an entity into the entity tree. Every entity has it.
type NodeData struct {
	Parent   EntityID
	Children []EntityID
}

// TransformData is the world transform of an entity. Every entity has it.
type TransformData struct {
	X, Y     float32
	Rotation float32
	ScaleX   float32 // negative when facing left
}

// ItemData marks something that can be picked up.
type ItemData struct {
	Hover         bool // hover animation plays, position is driven locally
	Spinning      bool // spin animation plays, rotation is driven locally
	RemoveOnDeath bool
}

type ItemCostData struct {
	Cost      int64
	Stealable bool
}

type DamageData struct {
	HP, MaxHP float64
	// WaitForKillFlag keeps the entity alive at zero hp until it is killed
	// explicitly.
	WaitForKillFlag bool
	UIReportDamage  bool
	// Dying is set once hp reached zero on an entity waiting for its kill.
	Dying bool
}

// MotionKind selects which velocity field the engine drives an entity with.
type MotionKind uint8

const (
	MotionVelocity MotionKind = iota
	MotionCharacter
	MotionWorm
	MotionBossDragon
)

type MotionData struct {
	Kind       MotionKind
	Velocity   mgl32.Vec2
	BiteDamage float32 // worms and dragons only
}

// PhysBody is one rigid body owned by an entity.
type PhysBody struct {
	X, Y, Angle float32
	VX, VY, AV  float32
	// Initialized turns true after the body took part in one simulation step.
	Initialized bool
	// NoTransform marks a body whose transform cannot be read.
	NoTransform bool
}

type PhysicsData struct {
	Bodies            []PhysBody
	DestroyWithEntity bool
}

// InventoryData marks an entity that can hold items. The active item is the
// first child of the entity's "inventory_quick" child.
type InventoryData struct {
	QuickSlots int
}

type AIData struct {
	RangedAim         bool // aims ranged attacks by rotating
	State             int32
	AimAngle          float32
	MeleeDamageMin    float32
	MeleeDamageMax    float32
	DashDamage        float32
	RangedCountMin    int32
	RangedCountMax    int32
	StateTimer        int32
	RangedStateFrames int32
	KeepStateAlive    bool
	GreatestPrey      EntityID
}

// SpriteLayer is one sprite. Layers with an animation sheet list its
// animation names.
type SpriteLayer struct {
	Image         string
	Animations    []string
	Rect          string
	NextRect      string
	Tags          []string
	SpecialScale  bool
	SpecialScaleX float32
}

// IsSheet reports whether the layer is driven by an animation sheet.
func (s *SpriteLayer) IsSheet() bool {
	return len(s.Animations) > 0
}

type SpritesData struct {
	Layers []SpriteLayer
}

type LaserData struct {
	Emitting  bool
	AngleAdd  float32
	MaxLength float32
}

// Var is a named variable slot on an entity.
type Var struct {
	Name string
	Int  int32
	Str  string
	Bool bool
	Tags []string
}

type VarsData struct {
	Entries []Var
}

// Script is one attached behaviour hook. Empty fields are unused hooks.
type Script struct {
	Source         string
	Death          string
	DamageReceived string
	Kick           string
	EnabledChanged string
	ThrowItem      string
	Tags           []string
}

type ScriptsData struct {
	Entries []Script
}

type LimbData struct {
	End    mgl32.Vec2
	Walker bool // walks on its own, independent of the synced end position
}

type ExplosiveData struct {
	OnDamagePercent         float32
	OnDeathPercent          float32
	PhysicsDeathProbability float32
	LoadEntity              string // prefab spawned by the explosion
}

// BossBarData marks a boss. Group names the toggle group the bar belongs to;
// empty means always enabled.
type BossBarData struct {
	Group string
}

type KeepAliveData struct{}

// PickupData lets an entity pick up items. When Restricted is set it only
// picks OnlyPick, which may be NoEntity.
type PickupData struct {
	DropItemsOnDeath bool
	Restricted       bool
	OnlyPick         EntityID
}

type GhostData struct {
	DieIfNoHome bool
}

// DriversData holds the local controllers that move an entity on their own.
type DriversData struct {
	CameraBound bool
	Platforming bool
	PhysicsAI   bool
	FishAI      bool
}

// Any reports whether any driver is still attached.
func (d *DriversData) Any() bool {
	return d.CameraBound || d.Platforming || d.PhysicsAI || d.FishAI
}

// GameEffect is an active status effect.
type GameEffect = des.GameEffect

type EffectsData struct {
	Active []GameEffect
	Stains uint64
}

// TogglesData holds the enabled state of tagged component groups.
type TogglesData struct {
	Groups map[string]bool
}

type AbilityData struct {
	UseGunScript      bool
	DropAsItemOnDeath bool
}

type ProjectileData struct {
	Speed   float32
	Damage  float64
	Shooter EntityID
}

var (
	Meta       = donburi.NewComponentType[MetaData]()
	Node       = donburi.NewComponentType[NodeData]()
	Transform  = donburi.NewComponentType[TransformData](TransformData{ScaleX: 1})
	Item       = donburi.NewComponentType[ItemData]()
	ItemCost   = donburi.NewComponentType[ItemCostData]()
	Damage     = donburi.NewComponentType[DamageData]()
	Motion     = donburi.NewComponentType[MotionData]()
	Physics    = donburi.NewComponentType[PhysicsData]()
	Inventory  = donburi.NewComponentType[InventoryData]()
	AI         = donburi.NewComponentType[AIData]()
	Sprites    = donburi.NewComponentType[SpritesData]()
	Laser      = donburi.NewComponentType[LaserData]()
	Vars       = donburi.NewComponentType[VarsData]()
	Scripts    = donburi.NewComponentType[ScriptsData]()
	Limb       = donburi.NewComponentType[LimbData]()
	Explosive  = donburi.NewComponentType[ExplosiveData]()
	BossBar    = donburi.NewComponentType[BossBarData]()
	KeepAlive  = donburi.NewComponentType[KeepAliveData]()
	Pickup     = donburi.NewComponentType[PickupData]()
	Ghost      = donburi.NewComponentType[GhostData]()
	Drivers    = donburi.NewComponentType[DriversData]()
	Effects    = donburi.NewComponentType[EffectsData]()
	Toggles    = donburi.NewComponentType[TogglesData]()
	Ability    = donburi.NewComponentType[AbilityData]()
	Projectile = donburi.NewComponentType[ProjectileData]()
)

// Get returns e's component of type ct. The pointer is only valid until the
// next component is added to or removed from e.
func Get[T any](w *World, e EntityID, ct *donburi.ComponentType[T]) (*T, bool) {
	if !w.Alive(e) {
		return nil, false
	}
	entry := w.ecs.Entry(e)
	if !entry.HasComponent(ct) {
		return nil, false
	}
	return ct.Get(entry), true
}

// Has reports whether e carries ct.
func Has[T any](w *World, e EntityID, ct *donburi.ComponentType[T]) bool {
	_, ok := Get(w, e, ct)
	return ok
}

// Ensure returns e's component of type ct, adding a zero one when missing.
// It returns nil for dead entities.
func Ensure[T any](w *World, e EntityID, ct *donburi.ComponentType[T]) *T {
	if !w.Alive(e) {
		return nil
	}
	entry := w.ecs.Entry(e)
	if !entry.HasComponent(ct) {
		entry.AddComponent(ct)
	}
	return ct.Get(entry)
}

// Set replaces e's component of type ct, adding it when missing.
func Set[T any](w *World, e EntityID, ct *donburi.ComponentType[T], v T) {
	if !w.Alive(e) {
		return
	}
	entry := w.ecs.Entry(e)
	if !entry.HasComponent(ct) {
		entry.AddComponent(ct)
	}
	ct.SetValue(entry, v)
}

// Remove drops e's component of type ct and reports whether it was present.
func Remove[T any](w *World, e EntityID, ct *donburi.ComponentType[T]) bool {
	if !w.Alive(e) {
		return false
	}
	entry := w.ecs.Entry(e)
	if !entry.HasComponent(ct) {
		return false
	}
	entry.RemoveComponent(ct)
	return true
}
