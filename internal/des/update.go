package des

import (
	"fmt"
	"slices"

	"github.com/go-gl/mathgl/mgl32"
)

// UpdateKind tags one event in a diff stream.
type UpdateKind uint8

const (
	// UpdateCurrentEntity selects the Lid the following setters act on.
	UpdateCurrentEntity UpdateKind = iota
	// UpdateInit carries a full snapshot plus the entity's Gid.
	UpdateInit
	UpdateSetPosition
	UpdateSetRotation
	UpdateSetVelocity
	UpdateSetHP
	UpdateSetFacingDirection
	UpdateSetPhysInfo
	UpdateSetCost
	UpdateSetAnimations
	UpdateSetStains
	UpdateSetGameEffects
	UpdateSetAIState
	UpdateSetAIRotation
	UpdateSetLimbs
	UpdateSetIsEnabled
	UpdateSetCounter
	UpdateSetWand
	UpdateSetLaser
	// UpdateRemoveEntity, UpdateLocalizeEntity and UpdateKillEntity address
	// their own Lid and do not depend on the cursor.
	UpdateRemoveEntity
	UpdateLocalizeEntity
	UpdateKillEntity
)

var updateKindNames = [...]string{
	UpdateCurrentEntity:      "CurrentEntity",
	UpdateInit:               "Init",
	UpdateSetPosition:        "SetPosition",
	UpdateSetRotation:        "SetRotation",
	UpdateSetVelocity:        "SetVelocity",
	UpdateSetHP:              "SetHp",
	UpdateSetFacingDirection: "SetFacingDirection",
	UpdateSetPhysInfo:        "SetPhysInfo",
	UpdateSetCost:            "SetCost",
	UpdateSetAnimations:      "SetAnimations",
	UpdateSetStains:          "SetStains",
	UpdateSetGameEffects:     "SetGameEffects",
	UpdateSetAIState:         "SetAiState",
	UpdateSetAIRotation:      "SetAiRotation",
	UpdateSetLimbs:           "SetLimbs",
	UpdateSetIsEnabled:       "SetIsEnabled",
	UpdateSetCounter:         "SetCounter",
	UpdateSetWand:            "SetWand",
	UpdateSetLaser:           "SetLaser",
	UpdateRemoveEntity:       "RemoveEntity",
	UpdateLocalizeEntity:     "LocalizeEntity",
	UpdateKillEntity:         "KillEntity",
}

func (k UpdateKind) String() string {
	if int(k) < len(updateKindNames) {
		return updateKindNames[k]
	}
	return fmt.Sprintf("UpdateKind(%d)", uint8(k))
}

// IsSetter reports whether k mutates the entity selected by the cursor.
func (k UpdateKind) IsSetter() bool {
	return k >= UpdateSetPosition && k <= UpdateSetLaser
}

// EntityUpdate is one event of a diff stream. Only the fields relevant to Kind
// are populated; use the constructors below rather than filling it by hand.
type EntityUpdate struct {
	Kind UpdateKind `msgpack:"k" json:"kind"`
	// Lid for CurrentEntity, RemoveEntity, LocalizeEntity and KillEntity.
	Lid Lid `msgpack:"l,omitempty" json:"lid,omitempty"`
	// Gid for Init.
	Gid Gid `msgpack:"g,omitempty" json:"gid,omitempty"`
	// Peer is the laser target, the localize destination or the peer
	// responsible for a kill.
	Peer *PeerID `msgpack:"p,omitempty" json:"peer,omitempty"`
	// Flag is the facing direction, the enabled flag or wait-on-kill.
	Flag bool `msgpack:"b,omitempty" json:"flag,omitempty"`
	// X and Y carry position, velocity, rotation, hp and aim rotation.
	X float32 `msgpack:"x,omitempty" json:"x,omitempty"`
	Y float32 `msgpack:"y,omitempty" json:"y,omitempty"`
	// Int carries cost, AI state and the boss counter.
	Int        int64        `msgpack:"i,omitempty" json:"int,omitempty"`
	Stains     uint64       `msgpack:"s,omitempty" json:"stains,omitempty"`
	Info       *EntityInfo  `msgpack:"e,omitempty" json:"info,omitempty"`
	Phys       []PhysSlot   `msgpack:"ph,omitempty" json:"phys,omitempty"`
	Animations []uint16     `msgpack:"an,omitempty" json:"animations,omitempty"`
	Effects    []GameEffect `msgpack:"ge,omitempty" json:"effects,omitempty"`
	Limbs      []mgl32.Vec2 `msgpack:"lb,omitempty" json:"limbs,omitempty"`
	Wand       *CarriedItem `msgpack:"w,omitempty" json:"wand,omitempty"`
}

func (u EntityUpdate) String() string {
	switch u.Kind {
	case UpdateCurrentEntity, UpdateRemoveEntity:
		return fmt.Sprintf("%s(%s)", u.Kind, u.Lid)
	case UpdateInit:
		return fmt.Sprintf("Init(%s)", u.Gid)
	case UpdateLocalizeEntity:
		if u.Peer == nil {
			return fmt.Sprintf("LocalizeEntity(%s)", u.Lid)
		}
		return fmt.Sprintf("LocalizeEntity(%s, %s)", u.Lid, *u.Peer)
	case UpdateKillEntity:
		return fmt.Sprintf("KillEntity(%s)", u.Lid)
	case UpdateSetPosition, UpdateSetVelocity:
		return fmt.Sprintf("%s(%g, %g)", u.Kind, u.X, u.Y)
	}
	return u.Kind.String()
}

func CurrentEntity(lid Lid) EntityUpdate {
	return EntityUpdate{Kind: UpdateCurrentEntity, Lid: lid}
}

// Init carries a copy of info, so later changes to info do not leak into the
// stream.
func Init(info *EntityInfo, gid Gid) EntityUpdate {
	return EntityUpdate{Kind: UpdateInit, Info: info.Clone(), Gid: gid}
}

func SetPosition(x, y float32) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetPosition, X: x, Y: y}
}

func SetRotation(r float32) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetRotation, X: r}
}

func SetVelocity(vx, vy float32) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetVelocity, X: vx, Y: vy}
}

func SetHP(hp float32) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetHP, X: hp}
}

func SetFacingDirection(right bool) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetFacingDirection, Flag: right}
}

func SetPhysInfo(phys []PhysSlot) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetPhysInfo, Phys: slices.Clone(phys)}
}

func SetCost(cost int64) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetCost, Int: cost}
}

func SetAnimations(animations []uint16) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetAnimations, Animations: slices.Clone(animations)}
}

func SetStains(stains uint64) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetStains, Stains: stains}
}

func SetGameEffects(effects []GameEffect) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetGameEffects, Effects: slices.Clone(effects)}
}

func SetAIState(state int32) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetAIState, Int: int64(state)}
}

func SetAIRotation(r float32) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetAIRotation, X: r}
}

func SetLimbs(limbs []mgl32.Vec2) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetLimbs, Limbs: slices.Clone(limbs)}
}

func SetIsEnabled(enabled bool) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetIsEnabled, Flag: enabled}
}

func SetCounter(counter uint8) EntityUpdate {
	return EntityUpdate{Kind: UpdateSetCounter, Int: int64(counter)}
}

// SetWand replaces the carried item; nil clears it.
func SetWand(wand *CarriedItem) EntityUpdate {
	u := EntityUpdate{Kind: UpdateSetWand}
	if wand != nil {
		w := *wand
		w.Payload = slices.Clone(wand.Payload)
		u.Wand = &w
	}
	return u
}

// SetLaser points the laser sight at a peer's player; nil turns it off.
func SetLaser(target *PeerID) EntityUpdate {
	u := EntityUpdate{Kind: UpdateSetLaser}
	if target != nil {
		u.Peer = PeerRef(*target)
	}
	return u
}

func RemoveEntity(lid Lid) EntityUpdate {
	return EntityUpdate{Kind: UpdateRemoveEntity, Lid: lid}
}

// LocalizeEntity hands lid over to peer, outside of diff-synced tracking.
func LocalizeEntity(lid Lid, peer PeerID) EntityUpdate {
	return EntityUpdate{Kind: UpdateLocalizeEntity, Lid: lid, Peer: PeerRef(peer)}
}

// KillEntity reports the death of lid. responsible may be nil.
func KillEntity(lid Lid, waitOnKill bool, responsible *PeerID) EntityUpdate {
	u := EntityUpdate{Kind: UpdateKillEntity, Lid: lid, Flag: waitOnKill}
	if responsible != nil {
		u.Peer = PeerRef(*responsible)
	}
	return u
}

// ApplyTo writes a setter's payload into info. Non-setters are ignored.
func (u EntityUpdate) ApplyTo(info *EntityInfo) {
	switch u.Kind {
	case UpdateSetPosition:
		info.X, info.Y = u.X, u.Y
	case UpdateSetRotation:
		info.R = u.X
	case UpdateSetVelocity:
		info.VX, info.VY = u.X, u.Y
	case UpdateSetHP:
		info.HP = u.X
	case UpdateSetFacingDirection:
		info.FacingDirection = u.Flag
	case UpdateSetPhysInfo:
		info.Phys = slices.Clone(u.Phys)
	case UpdateSetCost:
		info.Cost = u.Int
	case UpdateSetAnimations:
		info.Animations = slices.Clone(u.Animations)
	case UpdateSetStains:
		info.Stains = u.Stains
	case UpdateSetGameEffects:
		info.GameEffects = slices.Clone(u.Effects)
	case UpdateSetAIState:
		info.AIState = int32(u.Int)
	case UpdateSetAIRotation:
		info.AIRotation = u.X
	case UpdateSetLimbs:
		info.Limbs = slices.Clone(u.Limbs)
	case UpdateSetIsEnabled:
		info.IsEnabled = u.Flag
	case UpdateSetCounter:
		info.Counter = uint8(u.Int)
	case UpdateSetWand:
		info.Wand = u.Wand
	case UpdateSetLaser:
		info.Laser = u.Peer
	}
}
