package des

import (
	"slices"

	"github.com/go-gl/mathgl/mgl32"
	"lukechampine.com/blake3"
)

// NoAnimation marks a sprite whose current animation could not be resolved.
const NoAnimation uint16 = 0xFFFF

// EntityKind classifies how an entity is replicated.
type EntityKind uint8

const (
	// KindNormal entities are replicated from a filename when possible.
	KindNormal EntityKind = iota
	// KindItem entities can be picked up and are always fully serialized.
	KindItem
)

func (k EntityKind) String() string {
	if k == KindItem {
		return "item"
	}
	return "normal"
}

// SpawnInfo describes how an observer instantiates a proxy. Exactly one of
// Filename or Serialized is set.
type SpawnInfo struct {
	Filename     string `msgpack:"f,omitempty" json:"filename,omitempty"`
	Serialized   []byte `msgpack:"s,omitempty" json:"serialized,omitempty"`
	SerializedAt int32  `msgpack:"t,omitempty" json:"serializedAt,omitempty"`
}

// IsFilename reports whether the descriptor is a cheap filename reference.
func (s SpawnInfo) IsFilename() bool {
	return s.Filename != ""
}

func (s SpawnInfo) equal(o SpawnInfo) bool {
	return s.Filename == o.Filename && s.SerializedAt == o.SerializedAt && slices.Equal(s.Serialized, o.Serialized)
}

// PhysBodyInfo is the transform of one physics sub-body.
type PhysBodyInfo struct {
	X     float32 `msgpack:"x" json:"x"`
	Y     float32 `msgpack:"y" json:"y"`
	Angle float32 `msgpack:"a" json:"angle"`
	VX    float32 `msgpack:"vx" json:"vx"`
	VY    float32 `msgpack:"vy" json:"vy"`
	AV    float32 `msgpack:"av" json:"av"`
}

// PhysSlot is an optional PhysBodyInfo; bodies without a readable transform are
// sent as empty slots so indices keep lining up with the observer's bodies.
type PhysSlot struct {
	Valid bool         `msgpack:"v" json:"valid"`
	Body  PhysBodyInfo `msgpack:"b" json:"body"`
}

// GameEffect is an active status effect on an entity.
type GameEffect struct {
	Effect string `msgpack:"e" json:"effect"`
	Frames int32  `msgpack:"n" json:"frames"`
}

// CarriedItem is the serialized item an entity holds (a wand, typically). Gid is
// set when the item is itself a tracked entity.
type CarriedItem struct {
	Gid     *Gid     `msgpack:"g,omitempty" json:"gid,omitempty"`
	Payload []byte   `msgpack:"p" json:"payload"`
	Digest  [32]byte `msgpack:"d" json:"-"`
}

// NewCarriedItem wraps a serialized item payload.
func NewCarriedItem(gid *Gid, payload []byte) *CarriedItem {
	return &CarriedItem{Gid: gid, Payload: payload, Digest: blake3.Sum256(payload)}
}

// SameItem reports whether a and b name the same held item. Items are the same
// when their gids match and, for untracked items, their payload digests match.
func SameItem(a, b *CarriedItem) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !gidEqual(a.Gid, b.Gid) {
		return false
	}
	return a.Gid != nil || a.Digest == b.Digest
}

// EntityInfo holds every synchronized attribute of one entity at one instant.
type EntityInfo struct {
	SpawnInfo       SpawnInfo    `msgpack:"si" json:"spawnInfo"`
	Kind            EntityKind   `msgpack:"k" json:"kind"`
	X               float32      `msgpack:"x" json:"x"`
	Y               float32      `msgpack:"y" json:"y"`
	R               float32      `msgpack:"r" json:"r"`
	VX              float32      `msgpack:"vx" json:"vx"`
	VY              float32      `msgpack:"vy" json:"vy"`
	HP              float32      `msgpack:"hp" json:"hp"`
	Phys            []PhysSlot   `msgpack:"ph,omitempty" json:"phys,omitempty"`
	Cost            int64        `msgpack:"c,omitempty" json:"cost,omitempty"`
	GameEffects     []GameEffect `msgpack:"ge,omitempty" json:"gameEffects,omitempty"`
	Stains          uint64       `msgpack:"st,omitempty" json:"stains,omitempty"`
	FacingDirection bool         `msgpack:"fd" json:"facingDirection"`
	Animations      []uint16     `msgpack:"an,omitempty" json:"animations,omitempty"`
	Wand            *CarriedItem `msgpack:"w,omitempty" json:"wand,omitempty"`
	IsGlobal        bool         `msgpack:"gl" json:"isGlobal"`
	DropsGold       bool         `msgpack:"dg" json:"dropsGold"`
	Laser           *PeerID      `msgpack:"ls,omitempty" json:"laser,omitempty"`
	AIRotation      float32      `msgpack:"ar" json:"aiRotation"`
	AIState         int32        `msgpack:"as" json:"aiState"`
	Limbs           []mgl32.Vec2 `msgpack:"lb,omitempty" json:"limbs,omitempty"`
	IsEnabled       bool         `msgpack:"en" json:"isEnabled"`
	Counter         uint8        `msgpack:"ct" json:"counter"`
}

// Clone returns a deep copy.
func (e *EntityInfo) Clone() *EntityInfo {
	c := *e
	c.SpawnInfo.Serialized = slices.Clone(e.SpawnInfo.Serialized)
	c.Phys = slices.Clone(e.Phys)
	c.GameEffects = slices.Clone(e.GameEffects)
	c.Animations = slices.Clone(e.Animations)
	c.Limbs = slices.Clone(e.Limbs)
	if e.Wand != nil {
		w := *e.Wand
		w.Payload = slices.Clone(e.Wand.Payload)
		c.Wand = &w
	}
	if e.Laser != nil {
		c.Laser = PeerRef(*e.Laser)
	}
	return &c
}

// Equal compares every field structurally. Floats compare with ==.
func (e *EntityInfo) Equal(o *EntityInfo) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.SpawnInfo.equal(o.SpawnInfo) &&
		e.Kind == o.Kind &&
		e.X == o.X && e.Y == o.Y && e.R == o.R &&
		e.VX == o.VX && e.VY == o.VY &&
		e.HP == o.HP &&
		slices.Equal(e.Phys, o.Phys) &&
		e.Cost == o.Cost &&
		slices.Equal(e.GameEffects, o.GameEffects) &&
		e.Stains == o.Stains &&
		e.FacingDirection == o.FacingDirection &&
		slices.Equal(e.Animations, o.Animations) &&
		SameItem(e.Wand, o.Wand) &&
		e.IsGlobal == o.IsGlobal &&
		e.DropsGold == o.DropsGold &&
		peerEqual(e.Laser, o.Laser) &&
		e.AIRotation == o.AIRotation &&
		e.AIState == o.AIState &&
		slices.Equal(e.Limbs, o.Limbs) &&
		e.IsEnabled == o.IsEnabled &&
		e.Counter == o.Counter
}

func gidEqual(a, b *Gid) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func peerEqual(a, b *PeerID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
