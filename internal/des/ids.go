// Package des is the shared vocabulary of the distributed entity sync mesh:
// identifiers, entity snapshots, the ordered update stream and the envelopes
// exchanged between peers and the relay.
package des

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Mesh-wide distance thresholds (world units).
const (
	RequestAuthorityRadius int32   = 400
	AuthorityRadius        float32 = 600
	TransferRadius         float32 = 500
	InterestRequestRadius  int32   = 900
)

// Gid is a 64 bit globally unique entity id. Assigned randomly, so collisions are
// only unlikely, not impossible.
type Gid uint64

// NewGid draws a fresh random global id. Zero is reserved for "no gid".
func NewGid() Gid {
	for {
		if g := Gid(rand.Uint64()); g != 0 {
			return g
		}
	}
}

func (g Gid) String() string {
	return fmt.Sprintf("gid:%016x", uint64(g))
}

// Lid is a 32 bit id, unique only within the stream of one local diff model.
type Lid uint32

func (l Lid) String() string {
	return fmt.Sprintf("lid:%d", uint32(l))
}

// PeerID identifies a peer in the mesh.
type PeerID uint64

func (p PeerID) String() string {
	return fmt.Sprintf("peer:%d", uint64(p))
}

// PeerRef returns a pointer to a copy of p, for optional peer fields.
func PeerRef(p PeerID) *PeerID {
	return &p
}

// WorldPos is a coarse integer world position, used where sub-unit precision
// does not matter (authority bookkeeping, interest requests).
type WorldPos struct {
	X int32 `msgpack:"x" json:"x"`
	Y int32 `msgpack:"y" json:"y"`
}

// WorldPosFromF32 truncates a float position.
func WorldPosFromF32(x, y float32) WorldPos {
	return WorldPos{X: int32(x), Y: int32(y)}
}

// F32 returns the position as floats.
func (p WorldPos) F32() (float32, float32) {
	return float32(p.X), float32(p.Y)
}

// DistanceSq returns the squared distance to o.
func (p WorldPos) DistanceSq(o WorldPos) float64 {
	dx := float64(p.X) - float64(o.X)
	dy := float64(p.Y) - float64(o.Y)
	return dx*dx + dy*dy
}

// Within reports whether o lies inside radius of p.
func (p WorldPos) Within(o WorldPos, radius int32) bool {
	return p.DistanceSq(o) <= math.Pow(float64(radius), 2)
}
