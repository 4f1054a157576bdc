// Package entitysync replicates entities between peers. A LocalDiffModel turns
// the entities this peer is authoritative for into an ordered update stream; a
// RemoteDiffModel per remote peer applies that peer's stream to proxies in the
// local world.
//
// Models are not safe for concurrent use. They are driven once per tick from
// the simulation goroutine.
package entitysync

import (
	"fmt"
	"log"

	"github.com/go-gl/mathgl/mgl32"

	"entity-sync/internal/des"
	"entity-sync/internal/world"
)

// DefaultTickRate is assumed for peers that never reported one.
const DefaultTickRate = 60

// Sender delivers messages to the relay. Sends are fire-and-forget.
type Sender interface {
	SendDes(msg des.DesToProxy) error
}

// TickContext is rebuilt by the tick driver before the models run.
type TickContext struct {
	Self des.PeerID
	// Players maps every peer, this one included, to its player entity.
	Players *BiMap[des.PeerID, world.EntityID]
	// TickRates holds each peer's simulation rate.
	TickRates map[des.PeerID]int
	// DontSpawn suppresses proxies for gids that are mid transfer.
	DontSpawn map[des.Gid]struct{}
	Net       Sender
	Camera    mgl32.Vec2
}

// NewTickContext returns a context with empty tables.
func NewTickContext(self des.PeerID, net Sender) *TickContext {
	return &TickContext{
		Self:      self,
		Players:   NewBiMap[des.PeerID, world.EntityID](),
		TickRates: make(map[des.PeerID]int),
		DontSpawn: make(map[des.Gid]struct{}),
		Net:       net,
	}
}

// TickRate returns peer's tick rate, or DefaultTickRate when unknown.
func (c *TickContext) TickRate(peer des.PeerID) int {
	if r, ok := c.TickRates[peer]; ok && r > 0 {
		return r
	}
	return DefaultTickRate
}

// PeerOf returns the peer whose player is e.
func (c *TickContext) PeerOf(e world.EntityID) (des.PeerID, bool) {
	return c.Players.GetByRight(e)
}

// PlayerOf returns peer's player entity.
func (c *TickContext) PlayerOf(peer des.PeerID) (world.EntityID, bool) {
	return c.Players.GetByLeft(peer)
}

// LocatePlayerWithinExceptMe returns the closest other peer whose player is
// within radius of (x, y). Ties go to the lowest peer id.
func (c *TickContext) LocatePlayerWithinExceptMe(w *world.World, x, y, radius float32) (des.PeerID, bool) {
	var (
		best   des.PeerID
		bestSq = radius * radius
		found  bool
	)
	c.Players.Each(func(peer des.PeerID, e world.EntityID) {
		if peer == c.Self || !w.Alive(e) {
			return
		}
		px, py := w.Position(e)
		d := mgl32.Vec2{px - x, py - y}
		sq := d.Dot(d)
		if sq < bestSq || (sq == bestSq && (!found || peer < best)) {
			best, bestSq, found = peer, sq, true
		}
	})
	return best, found
}

func (c *TickContext) send(msg des.DesToProxy) error {
	if c.Net == nil {
		return nil
	}
	return c.Net.SendDes(msg)
}

// EntityError is a failure confined to one entity. The entity is dropped from
// sync; the rest of the tick carries on.
type EntityError struct {
	Lid des.Lid
	Gid des.Gid
	Err error
}

func (e EntityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Lid, e.Gid, e.Err)
}

func (e EntityError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause.
func (e EntityError) Cause() error { return e.Err }

// LogEntityErrors logs every failure and returns how many there were.
func LogEntityErrors(errs []EntityError) int {
	for _, err := range errs {
		log.Printf("⚠️ Entity sync dropped %v", err)
	}
	return len(errs)
}
