package des

import "fmt"

// FullEntityData is what the relay keeps per Gid: enough to respawn the entity
// on whichever peer gets authority next.
type FullEntityData struct {
	Gid  Gid       `msgpack:"g" json:"gid"`
	Pos  WorldPos  `msgpack:"p" json:"pos"`
	Data SpawnInfo `msgpack:"d" json:"data"`
	// Wand is the serialized carried item, if the entity held one when it was
	// last released.
	Wand []byte `msgpack:"w,omitempty" json:"wand,omitempty"`
}

// UpdatePosition reports the last known position of an entity.
type UpdatePosition struct {
	Gid Gid      `msgpack:"g" json:"gid"`
	Pos WorldPos `msgpack:"p" json:"pos"`
}

// DesKind tags a DesToProxy message.
type DesKind uint8

const (
	DesInitOrUpdateEntity DesKind = iota + 1
	DesDeleteEntity
	DesReleaseAuthority
	DesRequestAuthority
	DesUpdatePositions
	DesTransferAuthorityTo
	DesUpdateWand
)

func (k DesKind) String() string {
	switch k {
	case DesInitOrUpdateEntity:
		return "InitOrUpdateEntity"
	case DesDeleteEntity:
		return "DeleteEntity"
	case DesReleaseAuthority:
		return "ReleaseAuthority"
	case DesRequestAuthority:
		return "RequestAuthority"
	case DesUpdatePositions:
		return "UpdatePositions"
	case DesTransferAuthorityTo:
		return "TransferAuthorityTo"
	case DesUpdateWand:
		return "UpdateWand"
	}
	return fmt.Sprintf("DesKind(%d)", uint8(k))
}

// DesToProxy is sent by a peer to the relay's authority ledger.
type DesToProxy struct {
	Kind   DesKind         `msgpack:"k" json:"kind"`
	Gid    Gid             `msgpack:"g,omitempty" json:"gid,omitempty"`
	Entity *FullEntityData `msgpack:"e,omitempty" json:"entity,omitempty"`
	// Hint is the sender's local entity handle, for diagnostics only.
	Hint      *uint64          `msgpack:"h,omitempty" json:"hint,omitempty"`
	Pos       WorldPos         `msgpack:"pos,omitempty" json:"pos"`
	Radius    int32            `msgpack:"r,omitempty" json:"radius,omitempty"`
	Positions []UpdatePosition `msgpack:"ps,omitempty" json:"positions,omitempty"`
	Peer      PeerID           `msgpack:"peer,omitempty" json:"peer,omitempty"`
	Wand      []byte           `msgpack:"w,omitempty" json:"wand,omitempty"`
}

func InitOrUpdateEntity(data FullEntityData) DesToProxy {
	return DesToProxy{Kind: DesInitOrUpdateEntity, Gid: data.Gid, Entity: &data}
}

func DeleteEntity(gid Gid, hint *uint64) DesToProxy {
	return DesToProxy{Kind: DesDeleteEntity, Gid: gid, Hint: hint}
}

func ReleaseAuthority(gid Gid) DesToProxy {
	return DesToProxy{Kind: DesReleaseAuthority, Gid: gid}
}

// RequestAuthority asks for every ownerless entity within radius of pos.
func RequestAuthority(pos WorldPos, radius int32) DesToProxy {
	return DesToProxy{Kind: DesRequestAuthority, Pos: pos, Radius: radius}
}

func UpdatePositions(positions []UpdatePosition) DesToProxy {
	return DesToProxy{Kind: DesUpdatePositions, Positions: positions}
}

func TransferAuthorityTo(gid Gid, peer PeerID) DesToProxy {
	return DesToProxy{Kind: DesTransferAuthorityTo, Gid: gid, Peer: peer}
}

// UpdateWand stores the carried item payload; nil means none.
func UpdateWand(gid Gid, wand []byte) DesToProxy {
	return DesToProxy{Kind: DesUpdateWand, Gid: gid, Wand: wand}
}

// ProxyKind tags a ProxyToDes message.
type ProxyKind uint8

const (
	ProxyGotAuthority ProxyKind = iota + 1
)

// ProxyToDes is sent by the relay to a single peer.
type ProxyToDes struct {
	Kind   ProxyKind       `msgpack:"k" json:"kind"`
	Entity *FullEntityData `msgpack:"e,omitempty" json:"entity,omitempty"`
}

func GotAuthority(data FullEntityData) ProxyToDes {
	return ProxyToDes{Kind: ProxyGotAuthority, Entity: &data}
}

// InterestRequest asks a peer for diffs of entities around pos.
type InterestRequest struct {
	Pos    WorldPos `msgpack:"p" json:"pos"`
	Radius int32    `msgpack:"r" json:"radius"`
}

// ProjectileFired is a projectile shot by a tracked entity.
type ProjectileFired struct {
	ShooterLid Lid        `msgpack:"l" json:"shooterLid"`
	Position   [2]float32 `msgpack:"p" json:"position"`
	Target     [2]float32 `msgpack:"t" json:"target"`
	Serialized []byte     `msgpack:"s" json:"serialized"`
}

// RemoteKind tags a RemoteDes message.
type RemoteKind uint8

const (
	// RemoteReset is sent when a peer (re)starts so observers drop stale state.
	RemoteReset RemoteKind = iota + 1
	RemoteInterestRequest
	RemoteEntityUpdate
	RemoteExitedInterest
	RemoteProjectiles
	RemoteRequestGrab
)

func (k RemoteKind) String() string {
	switch k {
	case RemoteReset:
		return "Reset"
	case RemoteInterestRequest:
		return "InterestRequest"
	case RemoteEntityUpdate:
		return "EntityUpdate"
	case RemoteExitedInterest:
		return "ExitedInterest"
	case RemoteProjectiles:
		return "Projectiles"
	case RemoteRequestGrab:
		return "RequestGrab"
	}
	return fmt.Sprintf("RemoteKind(%d)", uint8(k))
}

// RemoteDes is exchanged peer to peer through the relay.
type RemoteDes struct {
	Kind        RemoteKind        `msgpack:"k" json:"kind"`
	Interest    *InterestRequest  `msgpack:"i,omitempty" json:"interest,omitempty"`
	Updates     []EntityUpdate    `msgpack:"u,omitempty" json:"updates,omitempty"`
	Projectiles []ProjectileFired `msgpack:"pr,omitempty" json:"projectiles,omitempty"`
	Lid         Lid               `msgpack:"l,omitempty" json:"lid,omitempty"`
}

func Reset() RemoteDes { return RemoteDes{Kind: RemoteReset} }

func Interest(req InterestRequest) RemoteDes {
	return RemoteDes{Kind: RemoteInterestRequest, Interest: &req}
}

func Updates(updates []EntityUpdate) RemoteDes {
	return RemoteDes{Kind: RemoteEntityUpdate, Updates: updates}
}

func ExitedInterest() RemoteDes { return RemoteDes{Kind: RemoteExitedInterest} }

func Projectiles(list []ProjectileFired) RemoteDes {
	return RemoteDes{Kind: RemoteProjectiles, Projectiles: list}
}

func RequestGrab(lid Lid) RemoteDes {
	return RemoteDes{Kind: RemoteRequestGrab, Lid: lid}
}

// Routed is a RemoteDes travelling through the relay. To picks one peer,
// Group picks several, and with neither set the message goes to every other
// peer. The relay overwrites From with the sender's id.
type Routed struct {
	From  PeerID    `msgpack:"f" json:"from"`
	To    *PeerID   `msgpack:"t,omitempty" json:"to,omitempty"`
	Group []PeerID  `msgpack:"g,omitempty" json:"group,omitempty"`
	Msg   RemoteDes `msgpack:"m" json:"msg"`
}

// Hello is the first frame a peer sends after connecting.
type Hello struct {
	Peer     PeerID `msgpack:"p" json:"peer"`
	TickRate int    `msgpack:"tr" json:"tickRate"`
}

// PeerState is a peer's player position, broadcast so others can keep a
// player proxy and tick rate table.
type PeerState struct {
	Peer     PeerID  `msgpack:"p" json:"peer"`
	X        float32 `msgpack:"x" json:"x"`
	Y        float32 `msgpack:"y" json:"y"`
	TickRate int     `msgpack:"tr" json:"tickRate"`
	Dead     bool    `msgpack:"d,omitempty" json:"dead,omitempty"`
}

// PeerLeft announces that a peer disconnected.
type PeerLeft struct {
	Peer PeerID `msgpack:"p" json:"peer"`
}

// SpawnOnce is a one-shot effect of a death (loot, gold) that the owner of the
// dying entity resolves locally.
type SpawnOnce struct {
	Pos         WorldPos `json:"pos"`
	Filename    string   `json:"filename"`
	DropsGold   bool     `json:"dropsGold"`
	Responsible *PeerID  `json:"responsible,omitempty"`
}
