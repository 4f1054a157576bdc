package world

import (
	"bytes"
	"io"
	"slices"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/yohamta/donburi"
)

var (
	ErrUnknownPrefab = errors.New("world: unknown prefab")
	ErrDeadEntity    = errors.New("world: dead entity")
)

// RemoveOnSendTag marks script hooks that are dropped from serialized copies.
const RemoveOnSendTag = "ew_remove_on_send"

// Record is a detached copy of an entity subtree. It doubles as the prefab
// format. Entity handles are never part of a record.
type Record struct {
	Meta      MetaData
	Transform TransformData

	Item       *ItemData       `msgpack:",omitempty"`
	ItemCost   *ItemCostData   `msgpack:",omitempty"`
	Damage     *DamageData     `msgpack:",omitempty"`
	Motion     *MotionData     `msgpack:",omitempty"`
	Physics    *PhysicsData    `msgpack:",omitempty"`
	Inventory  *InventoryData  `msgpack:",omitempty"`
	AI         *AIData         `msgpack:",omitempty"`
	Sprites    *SpritesData    `msgpack:",omitempty"`
	Laser      *LaserData      `msgpack:",omitempty"`
	Vars       *VarsData       `msgpack:",omitempty"`
	Scripts    *ScriptsData    `msgpack:",omitempty"`
	Limb       *LimbData       `msgpack:",omitempty"`
	Explosive  *ExplosiveData  `msgpack:",omitempty"`
	BossBar    *BossBarData    `msgpack:",omitempty"`
	KeepAlive  *KeepAliveData  `msgpack:",omitempty"`
	Pickup     *PickupData     `msgpack:",omitempty"`
	Ghost      *GhostData      `msgpack:",omitempty"`
	Drivers    *DriversData    `msgpack:",omitempty"`
	Effects    *EffectsData    `msgpack:",omitempty"`
	Toggles    *TogglesData    `msgpack:",omitempty"`
	Ability    *AbilityData    `msgpack:",omitempty"`
	Projectile *ProjectileData `msgpack:",omitempty"`

	Children []Record `msgpack:",omitempty"`
}

// part copies one optional component between an entity and a record.
type part interface {
	capture(entry *donburi.Entry, r *Record)
	restore(entry *donburi.Entry, r *Record)
}

type partOf[T any] struct {
	ct    *donburi.ComponentType[T]
	field func(*Record) **T
	scrub func(*T)
}

func (p partOf[T]) capture(entry *donburi.Entry, r *Record) {
	if !entry.HasComponent(p.ct) {
		return
	}
	v := *p.ct.Get(entry)
	if p.scrub != nil {
		p.scrub(&v)
	}
	*p.field(r) = &v
}

func (p partOf[T]) restore(entry *donburi.Entry, r *Record) {
	v := *p.field(r)
	if v == nil {
		return
	}
	if !entry.HasComponent(p.ct) {
		entry.AddComponent(p.ct)
	}
	p.ct.SetValue(entry, *v)
}

var parts = []part{
	partOf[ItemData]{ct: Item, field: func(r *Record) **ItemData { return &r.Item }},
	partOf[ItemCostData]{ct: ItemCost, field: func(r *Record) **ItemCostData { return &r.ItemCost }},
	partOf[DamageData]{ct: Damage, field: func(r *Record) **DamageData { return &r.Damage }},
	partOf[MotionData]{ct: Motion, field: func(r *Record) **MotionData { return &r.Motion }},
	partOf[PhysicsData]{ct: Physics, field: func(r *Record) **PhysicsData { return &r.Physics }},
	partOf[InventoryData]{ct: Inventory, field: func(r *Record) **InventoryData { return &r.Inventory }},
	partOf[AIData]{ct: AI, field: func(r *Record) **AIData { return &r.AI },
		scrub: func(a *AIData) { a.GreatestPrey = NoEntity }},
	partOf[SpritesData]{ct: Sprites, field: func(r *Record) **SpritesData { return &r.Sprites }},
	partOf[LaserData]{ct: Laser, field: func(r *Record) **LaserData { return &r.Laser }},
	partOf[VarsData]{ct: Vars, field: func(r *Record) **VarsData { return &r.Vars }},
	partOf[ScriptsData]{ct: Scripts, field: func(r *Record) **ScriptsData { return &r.Scripts },
		scrub: func(s *ScriptsData) {
			s.Entries = slices.DeleteFunc(slices.Clone(s.Entries), func(sc Script) bool {
				return slices.Contains(sc.Tags, RemoveOnSendTag)
			})
		}},
	partOf[LimbData]{ct: Limb, field: func(r *Record) **LimbData { return &r.Limb }},
	partOf[ExplosiveData]{ct: Explosive, field: func(r *Record) **ExplosiveData { return &r.Explosive }},
	partOf[BossBarData]{ct: BossBar, field: func(r *Record) **BossBarData { return &r.BossBar }},
	partOf[KeepAliveData]{ct: KeepAlive, field: func(r *Record) **KeepAliveData { return &r.KeepAlive }},
	partOf[PickupData]{ct: Pickup, field: func(r *Record) **PickupData { return &r.Pickup },
		scrub: func(p *PickupData) { p.OnlyPick = NoEntity }},
	partOf[GhostData]{ct: Ghost, field: func(r *Record) **GhostData { return &r.Ghost }},
	partOf[DriversData]{ct: Drivers, field: func(r *Record) **DriversData { return &r.Drivers }},
	partOf[EffectsData]{ct: Effects, field: func(r *Record) **EffectsData { return &r.Effects }},
	partOf[TogglesData]{ct: Toggles, field: func(r *Record) **TogglesData { return &r.Toggles }},
	partOf[AbilityData]{ct: Ability, field: func(r *Record) **AbilityData { return &r.Ability }},
	partOf[ProjectileData]{ct: Projectile, field: func(r *Record) **ProjectileData { return &r.Projectile },
		scrub: func(p *ProjectileData) { p.Shooter = NoEntity }},
}

// Snapshot captures e and its subtree.
func (w *World) Snapshot(e EntityID) (Record, error) {
	if !w.Alive(e) {
		return Record{}, ErrDeadEntity
	}
	entry := w.ecs.Entry(e)
	r := Record{
		Meta:      *Meta.Get(entry),
		Transform: *Transform.Get(entry),
	}
	for _, p := range parts {
		p.capture(entry, &r)
	}
	for _, c := range w.Children(e) {
		cr, err := w.Snapshot(c)
		if err != nil {
			continue
		}
		r.Children = append(r.Children, cr)
	}
	return r, nil
}

// Spawn instantiates a record with its root at (x, y). Children keep their
// offsets from the root.
func (w *World) Spawn(r Record, x, y float32) EntityID {
	return w.spawn(r, x-r.Transform.X, y-r.Transform.Y)
}

func (w *World) spawn(r Record, dx, dy float32) EntityID {
	e := w.ecs.Create(Meta, Node, Transform)
	entry := w.ecs.Entry(e)
	meta := r.Meta
	meta.Tags = slices.Clone(r.Meta.Tags)
	Meta.SetValue(entry, meta)
	t := r.Transform
	t.X += dx
	t.Y += dy
	Transform.SetValue(entry, t)
	for _, p := range parts {
		p.restore(entry, &r)
	}
	for _, cr := range r.Children {
		c := w.spawn(cr, dx, dy)
		w.AddChild(e, c)
	}
	return e
}

// Serialize encodes e's subtree as lz4 compressed msgpack.
func (w *World) Serialize(e EntityID) ([]byte, error) {
	r, err := w.Snapshot(e)
	if err != nil {
		return nil, err
	}
	return EncodeRecord(r)
}

// SerializeHeld encodes a held item's subtree with its root moved to the
// origin and unrotated. The payload stays the same while the holder moves.
func (w *World) SerializeHeld(e EntityID) ([]byte, error) {
	r, err := w.Snapshot(e)
	if err != nil {
		return nil, err
	}
	shift(&r, -r.Transform.X, -r.Transform.Y)
	r.Transform.Rotation = 0
	return EncodeRecord(r)
}

func shift(r *Record, dx, dy float32) {
	r.Transform.X += dx
	r.Transform.Y += dy
	for i := range r.Children {
		shift(&r.Children[i], dx, dy)
	}
}

// Deserialize spawns a serialized subtree with its root at (x, y).
func (w *World) Deserialize(data []byte, x, y float32) (EntityID, error) {
	r, err := DecodeRecord(data)
	if err != nil {
		return NoEntity, err
	}
	return w.Spawn(r, x, y), nil
}

// EncodeRecord serializes a record. Map keys are sorted so equal records
// encode to equal bytes.
func EncodeRecord(r Record) ([]byte, error) {
	var raw bytes.Buffer
	enc := msgpack.NewEncoder(&raw)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&r); err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	var out bytes.Buffer
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, errors.Wrap(err, "compress record")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compress record")
	}
	return out.Bytes(), nil
}

// DecodeRecord parses data produced by EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return Record{}, errors.Wrap(err, "decompress record")
	}
	var r Record
	if err := msgpack.Unmarshal(raw, &r); err != nil {
		return Record{}, errors.Wrap(err, "decode record")
	}
	return r, nil
}

// RegisterPrefab makes r loadable by filename.
func (w *World) RegisterPrefab(filename string, r Record) {
	r.Meta.Filename = filename
	w.prefabs[filename] = r
}

// Load spawns the prefab registered under filename at (x, y).
func (w *World) Load(filename string, x, y float32) (EntityID, error) {
	r, ok := w.prefabs[filename]
	if !ok {
		return NoEntity, errors.Wrap(ErrUnknownPrefab, filename)
	}
	// Copy, so spawned entities never share slices with the registry.
	data, err := msgpack.Marshal(&r)
	if err != nil {
		return NoEntity, errors.Wrapf(err, "copy prefab %s", filename)
	}
	var fresh Record
	if err := msgpack.Unmarshal(data, &fresh); err != nil {
		return NoEntity, errors.Wrapf(err, "copy prefab %s", filename)
	}
	return w.Spawn(fresh, x, y), nil
}
