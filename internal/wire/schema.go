package wire

import (
	"github.com/invopop/jsonschema"

	"entity-sync/internal/des"
)

// Bodies lists the body type of every frame type. It exists only to be
// reflected into a schema document.
type Bodies struct {
	Hello      des.Hello      `json:"hello"`
	PeerState  des.PeerState  `json:"peerState"`
	DesToProxy des.DesToProxy `json:"desToProxy"`
	ProxyToDes des.ProxyToDes `json:"proxyToDes"`
	RemoteDes  des.Routed     `json:"remoteDes"`
	PeerLeft   des.PeerLeft   `json:"peerLeft"`
}

// Schema documents the frame bodies for tooling and client authors. Field
// names follow the json tags; on the wire the shorter msgpack tags are used.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(Bodies))
	schema.Title = "entity-sync wire bodies"
	schema.Description = "msgpack bodies framed by the 8 byte entity-sync header"
	return schema
}
