// Package relay is the hub every peer connects to. It routes peer-to-peer
// sync messages and keeps the authority ledger: which peer, if any, owns each
// replicated entity.
package relay

import (
	"log"
	"maps"
	"slices"
	"sync"

	"entity-sync/internal/config"
	"entity-sync/internal/des"
	"entity-sync/internal/observability"
	"entity-sync/internal/spatial"
)

// Delivery is a ledger reply addressed to one peer.
type Delivery struct {
	To  des.PeerID
	Msg des.ProxyToDes
}

type ledgerEntry struct {
	data      des.FullEntityData
	authority *des.PeerID
}

// EntityView is the ledger state of one entity, for the API.
type EntityView struct {
	Gid       des.Gid      `json:"gid"`
	Pos       des.WorldPos `json:"pos"`
	Filename  string       `json:"filename,omitempty"`
	Authority *des.PeerID  `json:"authority,omitempty"`
	HasWand   bool         `json:"hasWand,omitempty"`
}

// Registry is the authority ledger. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	entities map[des.Gid]*ledgerEntry
	grid     *spatial.Grid
	scratch  []des.Gid // grid index -> gid, rebuilt per query
	audit    *AuthorityLog
}

// NewRegistry creates an empty ledger. audit may be nil.
func NewRegistry(cfg config.SpatialConfig, audit *AuthorityLog) *Registry {
	return &Registry{
		entities: make(map[des.Gid]*ledgerEntry),
		grid:     spatial.NewGrid(cfg),
		audit:    audit,
	}
}

// Handle applies one message from peer and returns the replies to deliver.
func (r *Registry) Handle(from des.PeerID, msg des.DesToProxy) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { observability.UpdateLedgerSize(len(r.entities)) }()

	switch msg.Kind {
	case des.DesInitOrUpdateEntity:
		if msg.Entity == nil {
			return nil
		}
		data := *msg.Entity
		r.entities[data.Gid] = &ledgerEntry{data: data, authority: des.PeerRef(from)}
		r.record(AuditUpload, data.Gid, from, nil)

	case des.DesDeleteEntity:
		if _, ok := r.entities[msg.Gid]; ok {
			delete(r.entities, msg.Gid)
			r.record(AuditDelete, msg.Gid, from, nil)
		}

	case des.DesReleaseAuthority:
		if e, ok := r.owned(msg.Gid, from); ok {
			e.authority = nil
			r.record(AuditRelease, msg.Gid, from, nil)
		}

	case des.DesTransferAuthorityTo:
		e, ok := r.owned(msg.Gid, from)
		if !ok {
			log.Printf("⚠️ %s tried to transfer %s without authority", from, msg.Gid)
			return nil
		}
		e.authority = des.PeerRef(msg.Peer)
		r.record(AuditTransfer, msg.Gid, from, des.PeerRef(msg.Peer))
		return []Delivery{{To: msg.Peer, Msg: des.GotAuthority(e.data)}}

	case des.DesRequestAuthority:
		return r.grant(from, msg.Pos, msg.Radius)

	case des.DesUpdatePositions:
		for _, p := range msg.Positions {
			if e, ok := r.entities[p.Gid]; ok {
				e.data.Pos = p.Pos
			}
		}

	case des.DesUpdateWand:
		if e, ok := r.entities[msg.Gid]; ok {
			e.data.Wand = msg.Wand
		}
	}
	return nil
}

// owned returns gid's entry if from holds its authority.
func (r *Registry) owned(gid des.Gid, from des.PeerID) (*ledgerEntry, bool) {
	e, ok := r.entities[gid]
	if !ok || e.authority == nil || *e.authority != from {
		return nil, false
	}
	return e, true
}

// grant hands every ownerless entity within radius of pos to peer.
func (r *Registry) grant(peer des.PeerID, pos des.WorldPos, radius int32) []Delivery {
	r.grid.Clear()
	r.scratch = r.scratch[:0]
	for gid, e := range r.entities {
		if e.authority != nil {
			continue
		}
		r.grid.Insert(uint32(len(r.scratch)), float64(e.data.Pos.X), float64(e.data.Pos.Y))
		r.scratch = append(r.scratch, gid)
	}
	if len(r.scratch) == 0 {
		return nil
	}

	var granted []des.Gid
	for _, idx := range r.grid.QueryRadius(float64(pos.X), float64(pos.Y), float64(radius)) {
		gid := r.scratch[idx]
		if pos.Within(r.entities[gid].data.Pos, radius) {
			granted = append(granted, gid)
		}
	}
	slices.Sort(granted)

	out := make([]Delivery, 0, len(granted))
	for _, gid := range granted {
		e := r.entities[gid]
		e.authority = des.PeerRef(peer)
		r.record(AuditGrant, gid, peer, nil)
		out = append(out, Delivery{To: peer, Msg: des.GotAuthority(e.data)})
	}
	return out
}

// PeerLeft releases everything peer owned. Its entities stay in the ledger so
// the next peer nearby can claim them.
func (r *Registry) PeerLeft(peer des.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entities {
		if e.authority != nil && *e.authority == peer {
			e.authority = nil
			n++
		}
	}
	if n > 0 {
		r.record(AuditPeerLeft, 0, peer, nil)
	}
	return n
}

// Entities returns the ledger sorted by gid.
func (r *Registry) Entities() []EntityView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EntityView, 0, len(r.entities))
	for _, gid := range slices.Sorted(maps.Keys(r.entities)) {
		e := r.entities[gid]
		v := EntityView{
			Gid:      gid,
			Pos:      e.data.Pos,
			Filename: e.data.Data.Filename,
			HasWand:  len(e.data.Wand) > 0,
		}
		if e.authority != nil {
			v.Authority = des.PeerRef(*e.authority)
		}
		out = append(out, v)
	}
	return out
}

// Len returns the number of entities in the ledger.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

func (r *Registry) record(kind AuditKind, gid des.Gid, peer des.PeerID, to *des.PeerID) {
	observability.RecordAuthorityEvent(kind.String())
	r.audit.Emit(AuditRecord{Kind: kind, Gid: gid, Peer: peer, To: to})
}
