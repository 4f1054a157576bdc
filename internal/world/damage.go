package world

import "slices"

// DamageCurse is the damage type used for synthesized hp changes.
const DamageCurse = "DAMAGE_CURSE"

// InflictDamage removes amount hp from e. When hp reaches zero the entity dies:
// death hooks run, then it is killed unless its wait-for-kill flag is set.
func (w *World) InflictDamage(e EntityID, amount float64, kind string, responsible EntityID) {
	d, ok := Get(w, e, Damage)
	if !ok || d.Dying {
		return
	}
	if ex, ok := Get(w, e, Explosive); ok && ex.OnDamagePercent > 0 && d.MaxHP > 0 && amount/d.MaxHP >= float64(ex.OnDamagePercent) {
		w.explode(e)
	}
	d, _ = Get(w, e, Damage)
	d.HP -= amount
	if d.HP > 0 {
		return
	}
	d.HP = 0
	wait := d.WaitForKillFlag
	if wait {
		d.Dying = true
	}
	w.die(e, wait, responsible)
	if !wait {
		w.Kill(e)
	}
}

func (w *World) die(e EntityID, wait bool, responsible EntityID) {
	if ex, ok := Get(w, e, Explosive); ok && ex.OnDeathPercent >= 1 {
		w.explode(e)
	}
	if !w.HasScript(e, func(s *Script) bool { return s.Death == DeathNotifyScript }) {
		return
	}
	x, y := w.Position(e)
	ev := DeathEvent{
		Entity:      e,
		X:           x,
		Y:           y,
		Filename:    w.Filename(e),
		WaitOnKill:  wait,
		DropsGold:   w.DropsGold(e),
		Responsible: responsible,
	}
	for _, fn := range w.onDeath {
		fn(ev)
	}
}

// explode spawns the explosion's payload prefab, if any.
func (w *World) explode(e EntityID) {
	ex, ok := Get(w, e, Explosive)
	if !ok || ex.LoadEntity == "" {
		return
	}
	x, y := w.Position(e)
	_, _ = w.Load(ex.LoadEntity, x, y)
}

// DropsGold reports whether e drops gold on death.
func (w *World) DropsGold(e EntityID) bool {
	return w.HasScript(e, func(s *Script) bool { return s.Death == DropMoneyScript }) &&
		!w.AnyVar(e, func(v *Var) bool { return slices.Contains(v.Tags, "no_gold_drop") })
}

// Kill removes e and its whole subtree immediately.
func (w *World) Kill(e EntityID) {
	if !w.Alive(e) {
		return
	}
	w.unlink(e)
	w.killTree(e)
}

func (w *World) killTree(e EntityID) {
	for _, c := range w.Children(e) {
		w.killTree(c)
	}
	w.ecs.Remove(e)
}

// KillDeferred kills e at the end of the next step.
func (w *World) KillDeferred(e EntityID) {
	w.deferred = append(w.deferred, deferredKill{at: w.frame + 1, e: e})
}

func (w *World) runDeferred() {
	keep := w.deferred[:0]
	for _, d := range w.deferred {
		if d.at <= w.frame {
			w.Kill(d.e)
		} else {
			keep = append(keep, d)
		}
	}
	w.deferred = keep
}
