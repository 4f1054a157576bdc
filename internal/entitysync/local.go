package entitysync

import (
	"log"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"entity-sync/internal/config"
	"entity-sync/internal/des"
	"entity-sync/internal/world"
)

type entityEntryPair struct {
	// last is nil until the first Init went out.
	last    *des.EntityInfo
	current des.EntityInfo
	gid     des.Gid
}

type pendingLocalize struct {
	lid  des.Lid
	peer des.PeerID
}

// LocalDiffModel owns the entities this peer is authoritative for.
type LocalDiffModel struct {
	w    *world.World
	mesh config.MeshConfig

	nextLid des.Lid
	entries map[des.Lid]*entityEntryPair
	tracked *BiMap[des.Lid, world.EntityID]

	pendingRemoval   []des.Lid
	pendingAuthority []des.FullEntityData
	pendingLocalize  []pendingLocalize
	pendingDeaths    []world.DeathEvent
}

// NewLocalDiffModel creates an empty model over w.
func NewLocalDiffModel(w *world.World, mesh config.MeshConfig) *LocalDiffModel {
	return &LocalDiffModel{
		w:       w,
		mesh:    mesh,
		entries: make(map[des.Lid]*entityEntryPair),
		tracked: NewBiMap[des.Lid, world.EntityID](),
	}
}

func (m *LocalDiffModel) allocLid() des.Lid {
	lid := m.nextLid
	m.nextLid++
	return lid
}

func (m *LocalDiffModel) lids() []des.Lid {
	return slices.Sorted(maps.Keys(m.entries))
}

// Len returns the number of tracked entities.
func (m *LocalDiffModel) Len() int {
	return len(m.entries)
}

// Check verifies that the lid map and the entry table describe the same
// entities.
func (m *LocalDiffModel) Check() error {
	if err := m.tracked.Check(); err != nil {
		return err
	}
	if len(m.entries) != m.tracked.Len() {
		return errors.Errorf("%d entries but %d tracked lids", len(m.entries), m.tracked.Len())
	}
	for lid := range m.entries {
		if _, ok := m.tracked.GetByLeft(lid); !ok {
			return errors.Errorf("entry %s has no entity", lid)
		}
	}
	return nil
}

// TrackEntity starts replicating e under gid.
func (m *LocalDiffModel) TrackEntity(e world.EntityID, gid des.Gid) (des.Lid, error) {
	w := m.w
	if !w.Alive(e) {
		return 0, errors.Wrapf(world.ErrDeadEntity, "track %s", gid)
	}
	if d, ok := world.Get(w, e, world.Drivers); ok {
		d.CameraBound = false
	}
	kind := classify(w, e)
	_, holdsItem := w.ActiveItem(e)
	ph, _ := world.Get(w, e, world.Physics)
	byFilename := kind == des.KindNormal && w.Filename(e) != "" && !holdsItem && (ph == nil || len(ph.Bodies) == 0)

	var spawn des.SpawnInfo
	if byFilename {
		spawn.Filename = w.Filename(e)
	} else {
		data, err := w.Serialize(e)
		if err != nil {
			return 0, errors.Wrapf(err, "track %s", gid)
		}
		spawn.Serialized = data
		spawn.SerializedAt = w.Frame()
	}

	lid := m.allocLid()
	if !m.tracked.InsertNoOverwrite(lid, e) {
		return 0, errors.Wrapf(ErrAlreadyTracked, "track %s", gid)
	}
	w.AddTag(e, DesTag)

	hook := w.ScriptTagged(e, DesScriptsTag)
	hook.Death = world.DeathNotifyScript
	if !slices.Contains(hook.Tags, world.RemoveOnSendTag) {
		hook.Tags = append(hook.Tags, world.RemoveOnSendTag)
	}
	writeMarker(w, e, Marker{Gid: &gid, Lid: lid, Authoritative: true})

	if mo, ok := world.Get(w, e, world.Motion); ok && mo.Kind == world.MotionBossDragon && !world.Has(w, e, world.KeepAlive) {
		world.Set(w, e, world.KeepAlive, world.KeepAliveData{})
	}
	isGlobal := world.Has(w, e, world.BossBar) || world.Has(w, e, world.KeepAlive)

	x, y := w.Position(e)
	m.entries[lid] = &entityEntryPair{
		gid: gid,
		current: des.EntityInfo{
			SpawnInfo: spawn,
			Kind:      kind,
			X:         x,
			Y:         y,
			HP:        1,
			IsGlobal:  isGlobal,
			DropsGold: w.DropsGold(e),
		},
	}
	return lid, nil
}

// TrackAndUploadEntity tracks e and registers it with the relay.
func (m *LocalDiffModel) TrackAndUploadEntity(net Sender, e world.EntityID, gid des.Gid) (des.Lid, error) {
	lid, err := m.TrackEntity(e, gid)
	if err != nil {
		return 0, err
	}
	data, _ := m.FullEntityDataFor(lid)
	if net != nil {
		if err := net.SendDes(des.InitOrUpdateEntity(data)); err != nil {
			return lid, errors.Wrap(err, "upload entity")
		}
	}
	return lid, nil
}

// ResetDiffEncoding makes the next diff a full Init for every entity.
func (m *LocalDiffModel) ResetDiffEncoding() {
	for _, p := range m.entries {
		p.last = nil
	}
}

// GotAuthority queues an entity the relay handed to this peer. It is spawned
// on the next UpdatePendingAuthority.
func (m *LocalDiffModel) GotAuthority(data des.FullEntityData) {
	m.pendingAuthority = append(m.pendingAuthority, data)
}

// UpdatePendingAuthority spawns and tracks every entity received through
// GotAuthority.
func (m *LocalDiffModel) UpdatePendingAuthority() error {
	pending := m.pendingAuthority
	m.pendingAuthority = nil
	var first error
	for _, data := range pending {
		x, y := data.Pos.F32()
		e, err := SpawnByData(m.w, data.Data, x, y)
		if err == nil && len(data.Wand) > 0 {
			err = giveWand(m.w, e, des.NewCarriedItem(nil, data.Wand), false)
		}
		if err == nil {
			_, err = m.TrackEntity(e, data.Gid)
		}
		if err != nil && first == nil {
			first = errors.Wrapf(err, "spawn %s", data.Gid)
		}
	}
	return first
}

// UpdateTrackedEntities samples every tracked entity. Entities that fail are
// untracked and reported, except for an unsent handoff, which keeps the entity
// tracked so the next tick retries it. The returned error is a failed send.
func (m *LocalDiffModel) UpdateTrackedEntities(ctx *TickContext) ([]EntityError, error) {
	var failed []EntityError
	for _, lid := range m.lids() {
		p, ok := m.entries[lid]
		if !ok {
			continue
		}
		err := m.updateEntity(ctx, p.gid, &p.current, lid)
		if err == nil {
			continue
		}
		failed = append(failed, EntityError{Lid: lid, Gid: p.gid, Err: errors.Wrap(err, "update local entity")})
		var pending handoffError
		if errors.As(err, &pending) {
			continue
		}
		if err := m.untrackEntity(ctx, p.gid, lid, nil); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

func (m *LocalDiffModel) updateEntity(ctx *TickContext, gid des.Gid, info *des.EntityInfo, lid des.Lid) error {
	w := m.w
	e, ok := m.tracked.GetByLeft(lid)
	if !ok {
		return ErrNotTracked
	}
	if !w.Alive(e) {
		return m.untrackEntity(ctx, gid, lid, nil)
	}
	if info.Kind == des.KindItem && itemInInventory(w, e) && notInPlayerInventory(w, e) {
		return m.temporaryUntrackItem(ctx, gid, lid, e)
	}

	t, _ := world.Get(w, e, world.Transform)
	x, y, r, sx := t.X, t.Y, t.Rotation, t.ScaleX
	item, isItem := world.Get(w, e, world.Item)
	if !isItem || !item.Hover {
		info.X, info.Y = x, y
	}
	if !isItem || !item.Spinning || item.Hover {
		info.R = r
	}

	if world.Has(w, e, world.Inventory) {
		info.Wand = nil
		if held, ok := w.ActiveItem(e); ok {
			payload, err := w.SerializeHeld(held)
			if err != nil {
				return errors.Wrap(err, "serialize held item")
			}
			info.Wand = des.NewCarriedItem(markerGid(w, held), payload)
		}
	}

	info.IsEnabled = m.isEnabled(e)
	if c, ok := m.counter(e); ok {
		info.Counter = c
	}

	info.Limbs = info.Limbs[:0]
	for _, c := range w.Children(e) {
		if limb, ok := world.Get(w, c, world.Limb); ok {
			info.Limbs = append(info.Limbs, limb.End)
		}
	}

	cam := ctx.Camera
	dx, dy := x-cam[0], y-cam[1]
	if dx*dx+dy*dy > m.mesh.AuthorityRadius*m.mesh.AuthorityRadius {
		if info.IsGlobal {
			if peer, ok := ctx.LocatePlayerWithinExceptMe(w, x, y, m.mesh.TransferRadius); ok {
				return errors.Wrap(m.transferAuthorityTo(ctx, gid, lid, peer, info.Wand), "transfer authority")
			}
		} else {
			return errors.Wrap(m.releaseAuthority(ctx, gid, lid, info.Wand), "release authority")
		}
	}

	if mo, ok := world.Get(w, e, world.Motion); ok {
		info.VX, info.VY = mo.Velocity[0], mo.Velocity[1]
	}
	if d, ok := world.Get(w, e, world.Damage); ok {
		info.HP = float32(d.HP)
	}
	if allPhysInit(w, e) {
		info.Phys = collectPhys(w, e)
	}
	info.Cost = 0
	if c, ok := world.Get(w, e, world.ItemCost); ok {
		info.Cost = c.Cost
	}
	info.GameEffects = w.GameEffects(e)
	info.Stains = w.Stains(e)

	if ai, ok := world.Get(w, e, world.AI); ok && ai.RangedAim {
		info.AIState = ai.State
		info.AIRotation = ai.AimAngle
		return nil
	}
	info.FacingDirection = !math.Signbit(float64(sx))
	info.Animations = info.Animations[:0]
	info.Laser = nil
	sprites, _ := world.Get(w, e, world.Sprites)
	if sprites == nil {
		return nil
	}
	laserSight := false
	for _, l := range sprites.Layers {
		if slices.Contains(l.Tags, "laser_sight") {
			laserSight = true
		}
		if !l.IsSheet() {
			continue
		}
		idx := animationIndex(l.Animations, l.Rect)
		info.Animations = append(info.Animations, idx)
	}
	if laserSight && w.Name(e) != "$animal_turret" {
		if ai, ok := world.Get(w, e, world.AI); ok && w.Alive(ai.GreatestPrey) {
			if peer, ok := ctx.PeerOf(ai.GreatestPrey); ok {
				info.Laser = des.PeerRef(peer)
			}
		}
	}
	return nil
}

// animationIndex returns the index of current in names, or des.NoAnimation.
func animationIndex(names []string, current string) uint16 {
	if i := slices.Index(names, current); i >= 0 && i < int(des.NoAnimation) {
		return uint16(i)
	}
	return des.NoAnimation
}

func (m *LocalDiffModel) isEnabled(e world.EntityID) bool {
	w := m.w
	if w.HasTag(e, "boss_centipede") {
		if bar, ok := world.Get(w, e, world.BossBar); ok && bar.Group == "disabled_at_start" && w.GroupEnabled(e, bar.Group) {
			return true
		}
	}
	return w.AnyVar(e, func(v *world.Var) bool { return v.Name == "active" && v.Int == 1 })
}

// counter derives the boss bitflags.
func (m *LocalDiffModel) counter(e world.EntityID) (uint8, bool) {
	w := m.w
	switch {
	case w.HasTag(e, "boss_wizard"):
		var bits uint8
		for _, c := range w.ChildrenTagged(e, "touchmagic_immunity") {
			vars, ok := world.Get(w, c, world.Vars)
			if !ok || len(vars.Entries) == 0 {
				continue
			}
			bits += 1 << uint8(vars.Entries[0].Int)
		}
		return bits, true
	case w.HasTag(e, "boss_dragon") && w.HasScript(e, func(s *world.Script) bool { return s.Death == BossDragonDeath }):
		return 1, true
	}
	return 0, false
}

func (m *LocalDiffModel) untrackEntity(ctx *TickContext, gid des.Gid, lid des.Lid, hint *uint64) error {
	m.pendingRemoval = append(m.pendingRemoval, lid)
	return ctx.send(des.DeleteEntity(gid, hint))
}

// temporaryUntrackItem stops syncing an item that something other than a
// player picked up. It is tracked again when thrown.
func (m *LocalDiffModel) temporaryUntrackItem(ctx *TickContext, gid des.Gid, lid des.Lid, e world.EntityID) error {
	hint := uint64(e)
	if err := m.untrackEntity(ctx, gid, lid, &hint); err != nil {
		return err
	}
	m.w.RemoveTag(e, DesTag)
	m.w.ScriptTagged(e, DesScriptsTag).ThrowItem = world.ItemNotifyScript
	return nil
}

// ItemThrown tracks an item that was temporarily untracked and has just been
// thrown back into the world. It keeps the gid from the item's marker.
func (m *LocalDiffModel) ItemThrown(net Sender, e world.EntityID) (des.Lid, error) {
	if lid, ok := m.tracked.GetByRight(e); ok {
		return lid, nil
	}
	gid := des.NewGid()
	if g := markerGid(m.w, e); g != nil {
		gid = *g
	}
	m.w.ScriptTagged(e, DesScriptsTag).ThrowItem = ""
	return m.TrackAndUploadEntity(net, e, gid)
}

func (m *LocalDiffModel) releaseUpdateData(ctx *TickContext, gid des.Gid, lid des.Lid, wand *des.CarriedItem) (world.EntityID, error) {
	e, ok := m.tracked.GetByLeft(lid)
	if !ok {
		return world.NoEntity, ErrNotTracked
	}
	x, y := m.w.Position(e)
	if !strings.HasPrefix(m.w.Filename(e), wandGhostPrefix) {
		var payload []byte
		if wand != nil {
			payload = wand.Payload
		}
		if err := ctx.send(des.UpdateWand(gid, payload)); err != nil {
			return e, err
		}
	}
	err := ctx.send(des.UpdatePositions([]des.UpdatePosition{{Gid: gid, Pos: des.WorldPosFromF32(x, y)}}))
	return e, err
}

func (m *LocalDiffModel) releaseAuthority(ctx *TickContext, gid des.Gid, lid des.Lid, wand *des.CarriedItem) error {
	e, err := m.releaseUpdateData(ctx, gid, lid, wand)
	if err != nil {
		return handoffError{err}
	}
	if err := ctx.send(des.ReleaseAuthority(gid)); err != nil {
		return handoffError{err}
	}
	m.pendingRemoval = append(m.pendingRemoval, lid)
	safeKill(m.w, e)
	return nil
}

func (m *LocalDiffModel) transferAuthorityTo(ctx *TickContext, gid des.Gid, lid des.Lid, peer des.PeerID, wand *des.CarriedItem) error {
	e, err := m.releaseUpdateData(ctx, gid, lid, wand)
	if err != nil {
		return handoffError{err}
	}
	if err := ctx.send(des.TransferAuthorityTo(gid, peer)); err != nil {
		return handoffError{err}
	}
	m.pendingRemoval = append(m.pendingRemoval, lid)
	safeKill(m.w, e)
	return nil
}

// MakeDiff encodes every change since the last call. It also returns the
// one-shot spawns caused by deaths, which the caller resolves locally.
func (m *LocalDiffModel) MakeDiff(ctx *TickContext) ([]des.EntityUpdate, []des.SpawnOnce) {
	var res []des.EntityUpdate
	for _, lid := range m.lids() {
		p := m.entries[lid]
		res = append(res, des.CurrentEntity(lid))
		if p.last == nil {
			p.last = p.current.Clone()
			res = append(res, des.Init(&p.current, p.gid))
			continue
		}
		n := len(res)
		res = appendDiff(res, &p.current, p.last)
		if len(res) == n {
			res = res[:n-1]
		}
	}

	for _, l := range m.pendingLocalize {
		res = append(res, des.LocalizeEntity(l.lid, l.peer))
	}
	m.pendingLocalize = m.pendingLocalize[:0]

	var spawns []des.SpawnOnce
	for _, ev := range m.pendingDeaths {
		var responsible *des.PeerID
		if peer, ok := ctx.PeerOf(ev.Responsible); ok && ev.Responsible != world.NoEntity {
			responsible = des.PeerRef(peer)
		}
		lid, ok := m.tracked.GetByRight(ev.Entity)
		if !ok {
			continue
		}
		res = append(res, des.KillEntity(lid, ev.WaitOnKill, responsible))
		spawns = append(spawns, des.SpawnOnce{
			Pos:         des.WorldPosFromF32(ev.X, ev.Y),
			Filename:    ev.Filename,
			DropsGold:   ev.DropsGold,
			Responsible: responsible,
		})
	}
	m.pendingDeaths = m.pendingDeaths[:0]

	for _, lid := range m.pendingRemoval {
		res = append(res, des.RemoveEntity(lid))
		m.tracked.RemoveByLeft(lid)
		delete(m.entries, lid)
	}
	m.pendingRemoval = m.pendingRemoval[:0]
	return res, spawns
}

// appendDiff appends a setter for every field of cur that differs from last
// and copies it into last.
func appendDiff(res []des.EntityUpdate, cur, last *des.EntityInfo) []des.EntityUpdate {
	if !des.SameItem(cur.Wand, last.Wand) {
		res = append(res, des.SetWand(cur.Wand))
		last.Wand = cur.Clone().Wand
	}
	if !peerEq(cur.Laser, last.Laser) {
		res = append(res, des.SetLaser(cur.Laser))
		last.Laser = cur.Clone().Laser
	}
	if cur.X != last.X || cur.Y != last.Y {
		res = append(res, des.SetPosition(cur.X, cur.Y))
		last.X, last.Y = cur.X, cur.Y
	}
	if cur.VX != last.VX || cur.VY != last.VY {
		res = append(res, des.SetVelocity(cur.VX, cur.VY))
		last.VX, last.VY = cur.VX, cur.VY
	}
	if cur.HP != last.HP {
		res = append(res, des.SetHP(cur.HP))
		last.HP = cur.HP
	}
	if !slices.Equal(cur.Animations, last.Animations) {
		res = append(res, des.SetAnimations(cur.Animations))
		last.Animations = slices.Clone(cur.Animations)
	}
	if cur.FacingDirection != last.FacingDirection {
		res = append(res, des.SetFacingDirection(cur.FacingDirection))
		last.FacingDirection = cur.FacingDirection
	}
	if cur.R != last.R {
		res = append(res, des.SetRotation(cur.R))
		last.R = cur.R
	}
	if !slices.Equal(cur.Phys, last.Phys) {
		res = append(res, des.SetPhysInfo(cur.Phys))
		last.Phys = slices.Clone(cur.Phys)
	}
	if cur.Cost != last.Cost {
		res = append(res, des.SetCost(cur.Cost))
		last.Cost = cur.Cost
	}
	if cur.Stains != last.Stains {
		res = append(res, des.SetStains(cur.Stains))
		last.Stains = cur.Stains
	}
	if !slices.Equal(cur.GameEffects, last.GameEffects) {
		res = append(res, des.SetGameEffects(cur.GameEffects))
		last.GameEffects = slices.Clone(cur.GameEffects)
	}
	if cur.AIRotation != last.AIRotation {
		res = append(res, des.SetAIRotation(cur.AIRotation))
		last.AIRotation = cur.AIRotation
	}
	if cur.AIState != last.AIState {
		res = append(res, des.SetAIState(cur.AIState))
		last.AIState = cur.AIState
	}
	if !slices.Equal(cur.Limbs, last.Limbs) {
		res = append(res, des.SetLimbs(cur.Limbs))
		last.Limbs = slices.Clone(cur.Limbs)
	}
	if cur.IsEnabled != last.IsEnabled {
		res = append(res, des.SetIsEnabled(cur.IsEnabled))
		last.IsEnabled = cur.IsEnabled
	}
	if cur.Counter != last.Counter {
		res = append(res, des.SetCounter(cur.Counter))
		last.Counter = cur.Counter
	}
	return res
}

func peerEq(a, b *des.PeerID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// LidByEntity returns the lid e is tracked under.
func (m *LocalDiffModel) LidByEntity(e world.EntityID) (des.Lid, bool) {
	return m.tracked.GetByRight(e)
}

// FindByGid returns the live entity tracked under gid.
func (m *LocalDiffModel) FindByGid(gid des.Gid) (world.EntityID, bool) {
	for lid, p := range m.entries {
		if p.gid == gid {
			return m.tracked.GetByLeft(lid)
		}
	}
	return world.NoEntity, false
}

// Gids returns the gid of every tracked entity.
func (m *LocalDiffModel) Gids() []des.Gid {
	out := make([]des.Gid, 0, len(m.entries))
	for _, lid := range m.lids() {
		out = append(out, m.entries[lid].gid)
	}
	return out
}

// PositionData returns the last sampled position of every tracked entity.
func (m *LocalDiffModel) PositionData() []des.UpdatePosition {
	out := make([]des.UpdatePosition, 0, len(m.entries))
	for _, lid := range m.lids() {
		p := m.entries[lid]
		out = append(out, des.UpdatePosition{Gid: p.gid, Pos: des.WorldPosFromF32(p.current.X, p.current.Y)})
	}
	return out
}

// FullEntityDataFor returns what the relay needs to respawn lid elsewhere.
func (m *LocalDiffModel) FullEntityDataFor(lid des.Lid) (des.FullEntityData, bool) {
	p, ok := m.entries[lid]
	if !ok {
		return des.FullEntityData{}, false
	}
	return des.FullEntityData{
		Gid:  p.gid,
		Pos:  des.WorldPosFromF32(p.current.X, p.current.Y),
		Data: p.current.SpawnInfo,
	}, true
}

// EntityGrabbed hands the item lid over to source, which picked it up. The
// local copy dies and the relay forgets the gid.
func (m *LocalDiffModel) EntityGrabbed(net Sender, source des.PeerID, lid des.Lid) {
	p, ok := m.entries[lid]
	if !ok {
		return
	}
	e, ok := m.tracked.GetByLeft(lid)
	if !ok {
		return
	}
	if p.current.Kind != des.KindItem {
		log.Printf("⚠️ %s asked to localize %s, which is not an item", source, lid)
		return
	}
	m.pendingLocalize = append(m.pendingLocalize, pendingLocalize{lid: lid, peer: source})
	safeKill(m.w, e)
	m.tracked.RemoveByLeft(lid)
	delete(m.entries, lid)
	if net != nil {
		if err := net.SendDes(des.DeleteEntity(p.gid, nil)); err != nil {
			log.Printf("⚠️ Failed to delete grabbed %s: %v", p.gid, err)
		}
	}
}

// AdoptLocalized takes over an entity that became this peer's. An item still
// held in an inventory is tracked once it is thrown; anything else is tracked
// and uploaded now, keeping the gid from its marker.
func (m *LocalDiffModel) AdoptLocalized(net Sender, e world.EntityID) (des.Lid, error) {
	if !m.w.Alive(e) {
		return 0, errors.Wrap(world.ErrDeadEntity, "adopt")
	}
	if itemInInventory(m.w, e) {
		m.w.ScriptTagged(e, DesScriptsTag).ThrowItem = world.ItemNotifyScript
		return 0, nil
	}
	return m.ItemThrown(net, e)
}

// AllEntityData returns the relay record of every tracked entity, for
// re-registering after a reconnect.
func (m *LocalDiffModel) AllEntityData() []des.FullEntityData {
	out := make([]des.FullEntityData, 0, len(m.entries))
	for _, lid := range m.lids() {
		if data, ok := m.FullEntityDataFor(lid); ok {
			out = append(out, data)
		}
	}
	return out
}

// DeathNotify queues the death of a tracked entity for the next diff.
func (m *LocalDiffModel) DeathNotify(ev world.DeathEvent) {
	m.pendingDeaths = append(m.pendingDeaths, ev)
}
