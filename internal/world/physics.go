package world

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Rect is an axis aligned obstacle.
type Rect struct {
	MinX, MinY, MaxX, MaxY float32
}

// AddObstacle adds a solid platform that blocks raytraces.
func (w *World) AddObstacle(r Rect) {
	w.obstacles = append(w.obstacles, r)
}

// Raytrace reports whether the segment from (x1, y1) to (x2, y2) hits an
// obstacle.
func (w *World) Raytrace(x1, y1, x2, y2 float32) bool {
	for _, r := range w.obstacles {
		if segmentHitsRect(x1, y1, x2, y2, r) {
			return true
		}
	}
	return false
}

// segmentHitsRect is a slab test.
func segmentHitsRect(x1, y1, x2, y2 float32, r Rect) bool {
	tmin, tmax := float32(0), float32(1)
	clip := func(p, d, lo, hi float32) bool {
		if d == 0 {
			return p >= lo && p <= hi
		}
		t1, t2 := (lo-p)/d, (hi-p)/d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tmin {
			tmin = t1
		}
		if t2 < tmax {
			tmax = t2
		}
		return tmin <= tmax
	}
	return clip(x1, x2-x1, r.MinX, r.MaxX) && clip(y1, y2-y1, r.MinY, r.MaxY)
}

// ShootProjectile launches projectile from (x, y) toward (tx, ty) on behalf of
// shooter.
func (w *World) ShootProjectile(shooter EntityID, x, y, tx, ty float32, projectile EntityID) {
	if !w.Alive(projectile) {
		return
	}
	w.Detach(projectile)
	w.SetPosition(projectile, x, y)

	p := Ensure(w, projectile, Projectile)
	p.Shooter = shooter
	speed := p.Speed
	if speed == 0 {
		speed = 300
	}

	dir := mgl32.Vec2{tx - x, ty - y}
	if dir.Len() > 0 {
		dir = dir.Normalize()
	}
	m := Ensure(w, projectile, Motion)
	m.Kind = MotionVelocity
	m.Velocity = dir.Mul(speed)

	ev := ShotEvent{
		Shooter:    shooter,
		Projectile: projectile,
		Position:   mgl32.Vec2{x, y},
		Target:     mgl32.Vec2{tx, ty},
	}
	for _, fn := range w.onShot {
		fn(ev)
	}
}

// Step advances the world by dt seconds: bodies and velocities integrate,
// physics bodies become initialized and deferred kills run.
func (w *World) Step(dt float32) {
	w.frame++
	w.Each(func(e EntityID) {
		if w.Alive(w.Parent(e)) {
			return
		}
		if ph, ok := Get(w, e, Physics); ok && len(ph.Bodies) > 0 {
			for i := range ph.Bodies {
				b := &ph.Bodies[i]
				b.X += b.VX * dt
				b.Y += b.VY * dt
				b.Angle += b.AV * dt
				b.Initialized = true
			}
			first := ph.Bodies[0]
			w.SetPosition(e, first.X, first.Y)
			w.SetRotation(e, first.Angle)
			return
		}
		if m, ok := Get(w, e, Motion); ok && m.Velocity.Len() > 0 {
			x, y := w.Position(e)
			w.SetPosition(e, x+m.Velocity[0]*dt, y+m.Velocity[1]*dt)
		}
	})
	w.runDeferred()
}
