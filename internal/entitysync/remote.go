package entitysync

import (
	"log"
	"maps"
	"math"
	"slices"

	"github.com/pkg/errors"

	"entity-sync/internal/des"
	"entity-sync/internal/world"
)

type pendingKill struct {
	lid         des.Lid
	waitOnKill  bool
	responsible *des.PeerID
}

// RemoteDiffModel mirrors the entities of one remote peer. It keeps a shadow
// EntityInfo per lid and the proxy entities spawned for them.
type RemoteDiffModel struct {
	w    *world.World
	peer des.PeerID
	self des.PeerID

	tracked       *BiMap[des.Lid, world.EntityID]
	infos         map[des.Lid]*des.EntityInfo
	lidToGid      map[des.Lid]des.Gid
	waitingForLid map[des.Gid]world.EntityID
	grabbed       map[des.Lid]struct{}

	backtrack     []world.EntityID
	grabRequests  []des.Lid
	pendingRemove []des.Lid
	pendingDeaths []pendingKill
}

// NewRemoteDiffModel creates the model for peer's stream. self is this
// process's peer id.
func NewRemoteDiffModel(w *world.World, peer, self des.PeerID) *RemoteDiffModel {
	return &RemoteDiffModel{
		w:             w,
		peer:          peer,
		self:          self,
		tracked:       NewBiMap[des.Lid, world.EntityID](),
		infos:         make(map[des.Lid]*des.EntityInfo),
		lidToGid:      make(map[des.Lid]des.Gid),
		waitingForLid: make(map[des.Gid]world.EntityID),
		grabbed:       make(map[des.Lid]struct{}),
	}
}

// Peer returns the peer whose stream this model applies.
func (m *RemoteDiffModel) Peer() des.PeerID {
	return m.peer
}

// Len returns the number of shadow entries.
func (m *RemoteDiffModel) Len() int {
	return len(m.infos)
}

// Check verifies that every bound proxy has a shadow entry.
func (m *RemoteDiffModel) Check() error {
	if err := m.tracked.Check(); err != nil {
		return err
	}
	var err error
	m.tracked.Each(func(lid des.Lid, _ world.EntityID) {
		if _, ok := m.infos[lid]; !ok && err == nil {
			err = errors.Errorf("proxy %s has no shadow entry", lid)
		}
	})
	return err
}

// Info returns a copy of the shadow snapshot for lid.
func (m *RemoteDiffModel) Info(lid des.Lid) (*des.EntityInfo, bool) {
	info, ok := m.infos[lid]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// Proxy returns the live proxy bound to lid.
func (m *RemoteDiffModel) Proxy(lid des.Lid) (world.EntityID, bool) {
	e, ok := m.tracked.GetByLeft(lid)
	if !ok || !m.w.Alive(e) {
		return world.NoEntity, false
	}
	return e, true
}

// WaitForGid binds e to gid's lid as soon as the peer sends its Init, instead
// of spawning a new proxy.
func (m *RemoteDiffModel) WaitForGid(e world.EntityID, gid des.Gid) {
	m.waitingForLid[gid] = e
}

// FindByGid returns the proxy bound to gid.
func (m *RemoteDiffModel) FindByGid(gid des.Gid) (world.EntityID, bool) {
	for lid, g := range m.lidToGid {
		if g == gid {
			return m.tracked.GetByLeft(lid)
		}
	}
	return world.NoEntity, false
}

// Gids returns the gid of every shadow entry.
func (m *RemoteDiffModel) Gids() []des.Gid {
	out := make([]des.Gid, 0, len(m.lidToGid))
	for _, lid := range slices.Sorted(maps.Keys(m.lidToGid)) {
		out = append(out, m.lidToGid[lid])
	}
	return out
}

// ApplyDiff applies one batch of the peer's stream to the shadow map. Updates
// without a valid CurrentEntity header are dropped.
func (m *RemoteDiffModel) ApplyDiff(updates []des.EntityUpdate) {
	var (
		cur       *des.EntityInfo
		curLid    des.Lid
		hasHeader bool
	)
	for _, u := range updates {
		switch u.Kind {
		case des.UpdateCurrentEntity:
			curLid, hasHeader = u.Lid, true
			cur = m.infos[u.Lid]
		case des.UpdateInit:
			cur = nil
			if !hasHeader || u.Info == nil {
				continue
			}
			if _, ok := m.grabbed[curLid]; ok {
				continue
			}
			if e, ok := m.waitingForLid[u.Gid]; ok {
				delete(m.waitingForLid, u.Gid)
				if m.w.Alive(e) {
					lid, gid := curLid, u.Gid
					if old, ok := m.tracked.GetByLeft(lid); ok && old != e {
						m.tracked.RemoveByLeft(lid)
						safeKill(m.w, old)
					}
					if !m.tracked.InsertNoOverwrite(lid, e) {
						log.Printf("⚠️ %s already bound elsewhere, keeping the old proxy", u.Gid)
					}
					if err := PrepareRemoteEntity(m.w, e, &lid, &gid, u.Info.DropsGold); err != nil {
						log.Printf("⚠️ Failed to rebind %s: %v", gid, err)
					}
				}
			}
			m.lidToGid[curLid] = u.Gid
			cur = u.Info.Clone()
			m.infos[curLid] = cur
		case des.UpdateLocalizeEntity:
			if e, ok := m.tracked.RemoveByLeft(u.Lid); ok {
				if u.Peer == nil || *u.Peer != m.self {
					safeKill(m.w, e)
				} else if m.w.Alive(e) {
					m.w.RemoveTag(e, DesTag)
					m.backtrack = append(m.backtrack, e)
				}
			}
			delete(m.infos, u.Lid)
			delete(m.lidToGid, u.Lid)
			delete(m.grabbed, u.Lid)
			cur = nil
		case des.UpdateRemoveEntity:
			m.pendingRemove = append(m.pendingRemove, u.Lid)
		case des.UpdateKillEntity:
			m.pendingDeaths = append(m.pendingDeaths, pendingKill{lid: u.Lid, waitOnKill: u.Flag, responsible: u.Peer})
		default:
			if cur != nil && u.Kind.IsSetter() {
				u.ApplyTo(cur)
			}
		}
	}
}

// ApplyEntities reconciles every shadow entry into the world, then drains the
// death, removal and grab queues. Proxies that cannot be spawned are dropped
// and reported.
func (m *RemoteDiffModel) ApplyEntities(ctx *TickContext) []EntityError {
	var (
		failed   []EntityError
		toRemove []des.Lid
	)
	for _, lid := range slices.Sorted(maps.Keys(m.infos)) {
		info := m.infos[lid]
		gid, hasGid := m.lidToGid[lid]
		if e, ok := m.tracked.GetByLeft(lid); ok && !m.w.Alive(e) {
			// Killed by the owner: wait for its RemoveEntity. Killed locally:
			// the owner still has it, so spawn a fresh proxy.
			if slices.Contains(m.pendingRemove, lid) || m.deathPending(lid) {
				continue
			}
			m.tracked.RemoveByLeft(lid)
		}
		if e, ok := m.tracked.GetByLeft(lid); ok {
			if info.Kind == des.KindItem && itemInMyInventory(m.w, e) && !slices.Contains(m.grabRequests, lid) {
				m.grabRequests = append(m.grabRequests, lid)
				m.backtrack = append(m.backtrack, e)
				toRemove = append(toRemove, lid)
				m.w.RemoveTag(e, DesTag)
				continue
			}
			if err := m.reconcile(ctx, e, info); err != nil {
				failed = append(failed, EntityError{Lid: lid, Gid: gid, Err: err})
			}
			continue
		}
		if _, skip := ctx.DontSpawn[gid]; (hasGid && skip) || slices.Contains(m.pendingRemove, lid) {
			continue
		}
		e, err := SpawnByData(m.w, info.SpawnInfo, info.X, info.Y)
		if err != nil {
			failed = append(failed, EntityError{Lid: lid, Gid: gid, Err: errors.Wrap(err, "spawn proxy")})
			toRemove = append(toRemove, lid)
			continue
		}
		var gp *des.Gid
		if hasGid {
			gp = &gid
		}
		l := lid
		if err := PrepareRemoteEntity(m.w, e, &l, gp, info.DropsGold); err != nil {
			failed = append(failed, EntityError{Lid: lid, Gid: gid, Err: err})
		}
		if !m.tracked.InsertNoOverwrite(lid, e) {
			safeKill(m.w, e)
			failed = append(failed, EntityError{Lid: lid, Gid: gid, Err: errors.New("proxy already bound")})
		}
	}

	var postponed []des.Lid
	for _, pd := range m.pendingDeaths {
		e, ok := m.tracked.GetByLeft(pd.lid)
		if !ok || !m.w.Alive(e) {
			continue
		}
		responsible := world.NoEntity
		if pd.responsible != nil {
			if p, ok := ctx.PlayerOf(*pd.responsible); ok {
				responsible = p
			}
		}
		m.killProxy(e, pd.waitOnKill, responsible)
		postponed = append(postponed, pd.lid)
	}
	m.pendingDeaths = m.pendingDeaths[:0]

	for _, lid := range m.pendingRemove {
		if slices.Contains(postponed, lid) {
			continue
		}
		if e, ok := m.tracked.RemoveByLeft(lid); ok {
			safeKill(m.w, e)
		}
		delete(m.infos, lid)
		delete(m.lidToGid, lid)
		delete(m.grabbed, lid)
	}

	for _, lid := range toRemove {
		delete(m.infos, lid)
		delete(m.lidToGid, lid)
		if _, ok := m.tracked.RemoveByLeft(lid); ok {
			m.grabbed[lid] = struct{}{}
		}
	}
	m.pendingRemove = append(m.pendingRemove[:0], postponed...)
	return failed
}

func (m *RemoteDiffModel) deathPending(lid des.Lid) bool {
	return slices.ContainsFunc(m.pendingDeaths, func(pd pendingKill) bool { return pd.lid == lid })
}

// killProxy finishes a proxy whose authoritative copy died. Health only goes
// down on this path.
func (m *RemoteDiffModel) killProxy(e world.EntityID, waitOnKill bool, responsible world.EntityID) {
	w := m.w
	if ex, ok := world.Get(w, e, world.Explosive); ok {
		ex.OnDeathPercent = 1
	}
	killQuickInventory(w, e)
	d, ok := world.Get(w, e, world.Damage)
	if !ok {
		return
	}
	if !waitOnKill {
		d.WaitForKillFlag = false
	}
	d.UIReportDamage = false
	d.Dying = false
	d.HP = minPositiveHP
	w.InflictDamage(e, d.HP+0.1, world.DamageCurse, responsible)
}

func (m *RemoteDiffModel) reconcile(ctx *TickContext, e world.EntityID, info *des.EntityInfo) error {
	w := m.w
	m.applyBossState(e, info)

	if info.Wand != nil {
		if err := giveWand(w, e, info.Wand, true); err != nil {
			return err
		}
	} else {
		killQuickInventory(w, e)
	}
	m.applyEnabled(e, info.IsEnabled)

	limbs := info.Limbs
	for _, c := range w.Children(e) {
		if len(limbs) == 0 {
			break
		}
		limb, ok := world.Get(w, c, world.Limb)
		if !ok {
			continue
		}
		limb.End = limbs[0]
		limb.Walker = false
		limbs = limbs[1:]
	}

	scale := float32(ctx.TickRate(ctx.Self)) / float32(ctx.TickRate(m.peer))
	vx, vy := info.VX*scale, info.VY*scale
	if len(info.Phys) == 0 || (info.IsEnabled && w.HasTag(e, "boss_centipede")) {
		item, isItem := world.Get(w, e, world.Item)
		sendPos := !isItem || !item.Hover
		sendRot := !isItem || !item.Spinning || item.Hover
		if sendPos {
			w.SetPosition(e, info.X, info.Y)
		}
		if sendRot {
			w.SetRotation(e, info.R)
		}
		if mo, ok := world.Get(w, e, world.Motion); ok {
			mo.Velocity[0], mo.Velocity[1] = vx, vy
		}
	}

	if d, ok := world.Get(w, e, world.Damage); ok {
		if hp := float32(d.HP); hp > info.HP {
			w.InflictDamage(e, float64(hp-info.HP), world.DamageCurse, world.NoEntity)
		}
	}
	if !w.Alive(e) {
		return nil
	}

	if len(info.Phys) > 0 && allPhysInit(w, e) {
		if ph, ok := world.Get(w, e, world.Physics); ok {
			for i := range min(len(ph.Bodies), len(info.Phys)) {
				slot := info.Phys[i]
				if !slot.Valid {
					continue
				}
				b := &ph.Bodies[i]
				b.X, b.Y, b.Angle = slot.Body.X, slot.Body.Y, slot.Body.Angle
				b.VX, b.VY, b.AV = slot.Body.VX*scale, slot.Body.VY*scale, slot.Body.AV*scale
			}
		}
	}

	if c, ok := world.Get(w, e, world.ItemCost); ok {
		c.Cost = info.Cost
		if info.Cost == 0 {
			world.Remove(w, e, world.ItemCost)
		}
	}
	w.SetGameEffects(e, info.GameEffects)
	w.SetStains(e, info.Stains)

	if ai, ok := world.Get(w, e, world.AI); ok {
		ai.State = info.AIState
		ai.AimAngle = info.AIRotation
		return nil
	}
	m.applyAnimations(e, info)
	m.applyLaser(ctx, e, info.Laser)
	return nil
}

func (m *RemoteDiffModel) applyBossState(e world.EntityID, info *des.EntityInfo) {
	w := m.w
	switch {
	case w.HasTag(e, "boss_wizard"):
		for _, c := range w.ChildrenTagged(e, "touchmagic_immunity") {
			vars, ok := world.Get(w, c, world.Vars)
			if !ok || len(vars.Entries) == 0 {
				continue
			}
			n := uint8(vars.Entries[0].Int)
			if info.Counter&(1<<n) == 0 {
				w.Kill(c)
			} else if d, ok := world.Get(w, c, world.Damage); ok {
				d.WaitForKillFlag = true
				d.HP = d.MaxHP
			}
		}
	case w.HasTag(e, "boss_dragon") && info.Counter == 1 &&
		!w.HasScript(e, func(s *world.Script) bool { return s.Death == BossDragonDeath }):
		w.AddScript(e, world.Script{Death: BossDragonDeath})
	}
}

func (m *RemoteDiffModel) applyEnabled(e world.EntityID, enabled bool) {
	w := m.w
	active, hasActive := w.Var(e, "active")
	switch {
	case enabled:
		if _, started := w.Var(e, HasStartedVar); !started {
			w.SetGroupEnabled(e, "enabled_at_start", false)
			w.SetGroupEnabled(e, "disabled_at_start", true)
			world.Remove(w, e, world.Scripts)
			w.EnsureVar(e, HasStartedVar)
			for _, c := range w.ChildrenTagged(e, "protection") {
				w.Kill(c)
			}
		} else if hasActive {
			active.Int = 1
			w.SetGroupEnabled(e, "activate", true)
		}
	case hasActive:
		active.Int = 0
		w.SetGroupEnabled(e, "activate", false)
	}
}

func (m *RemoteDiffModel) applyAnimations(e world.EntityID, info *des.EntityInfo) {
	sprites, ok := world.Get(m.w, e, world.Sprites)
	if !ok {
		return
	}
	anims := info.Animations
	scale := float32(-1)
	if info.FacingDirection {
		scale = 1
	}
	for i := range sprites.Layers {
		l := &sprites.Layers[i]
		if !l.IsSheet() {
			continue
		}
		if len(anims) == 0 {
			break
		}
		idx := anims[0]
		anims = anims[1:]
		l.SpecialScaleX = scale
		if idx == des.NoAnimation || int(idx) >= len(l.Animations) {
			continue
		}
		l.Rect = l.Animations[idx]
		l.NextRect = l.Animations[idx]
	}
}

// applyLaser aims the laser sight at target's player unless terrain is in the
// way.
func (m *RemoteDiffModel) applyLaser(ctx *TickContext, e world.EntityID, target *des.PeerID) {
	w := m.w
	if target == nil {
		if l, ok := world.Get(w, e, world.Laser); ok {
			l.Emitting = false
		}
		return
	}
	if !world.Has(w, e, world.Laser) {
		world.Set(w, e, world.Laser, world.LaserData{MaxLength: 1024})
	}
	player, ok := ctx.PlayerOf(*target)
	if !ok || !w.Alive(player) {
		return
	}
	l, _ := world.Get(w, e, world.Laser)
	x, y := w.Position(e)
	tx, ty := w.Position(player)
	if w.Raytrace(x, y, tx, ty) {
		l.Emitting = false
		return
	}
	dx, dy := float64(tx-x), float64(ty-y)
	l.Emitting = true
	l.AngleAdd = float32(math.Atan2(dy, dx)) - w.Rotation(e)
	l.MaxLength = float32(math.Hypot(dx, dy))
}

// SpawnProjectiles replays projectiles the peer fired from its entities.
func (m *RemoteDiffModel) SpawnProjectiles(list []des.ProjectileFired) {
	for _, p := range list {
		shooter, ok := m.Proxy(p.ShooterLid)
		if !ok {
			continue
		}
		proj, err := m.w.Deserialize(p.Serialized, p.Position[0], p.Position[1])
		if err != nil {
			log.Printf("⚠️ Failed to spawn projectile from %s: %v", m.peer, err)
			continue
		}
		m.w.ShootProjectile(shooter, p.Position[0], p.Position[1], p.Target[0], p.Target[1], proj)
	}
}

// DrainGrabRequests returns the lids of items a local player picked up. The
// caller asks their owner to hand them over.
func (m *RemoteDiffModel) DrainGrabRequests() []des.Lid {
	out := m.grabRequests
	m.grabRequests = nil
	return out
}

// DrainBacktrack returns proxies that now belong to this peer, either
// localized by their owner or grabbed by a local player. The caller adopts
// them into its LocalDiffModel.
func (m *RemoteDiffModel) DrainBacktrack() []world.EntityID {
	out := m.backtrack
	m.backtrack = nil
	return out
}

// Reset drops the shadow state after the peer restarted its stream. Bound
// proxies are kept and rebound when their gid is initialized again.
func (m *RemoteDiffModel) Reset() {
	m.tracked.Each(func(lid des.Lid, e world.EntityID) {
		if gid, ok := m.lidToGid[lid]; ok && m.w.Alive(e) {
			m.waitingForLid[gid] = e
		} else {
			safeKill(m.w, e)
		}
	})
	m.tracked = NewBiMap[des.Lid, world.EntityID]()
	clear(m.infos)
	clear(m.lidToGid)
	clear(m.grabbed)
	m.pendingRemove = m.pendingRemove[:0]
	m.pendingDeaths = m.pendingDeaths[:0]
}

// Close destroys every proxy this model owns, including those still waiting
// for their gid.
func (m *RemoteDiffModel) Close() {
	for _, e := range m.tracked.Rights() {
		safeKill(m.w, e)
	}
	for _, e := range m.waitingForLid {
		safeKill(m.w, e)
	}
	m.tracked = NewBiMap[des.Lid, world.EntityID]()
	clear(m.waitingForLid)
	clear(m.infos)
	clear(m.lidToGid)
}
