// Package wire frames the messages exchanged between peers and the relay.
//
// Every frame is an 8 byte little-endian header followed by a msgpack body:
//
//	version u16 | type u8 | flags u8 | length u32 | body
//
// Bodies larger than the compress threshold are lz4 compressed and flagged.
package wire

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	crunch "github.com/superwhiskers/crunch/v3"
	"github.com/vmihailenco/msgpack/v5"

	"entity-sync/internal/config"
)

// MsgType identifies the body carried by a frame.
type MsgType byte

const (
	MsgHello        MsgType = 0x01 // des.Hello
	MsgPeerState    MsgType = 0x02 // des.PeerState
	MsgDesToProxy   MsgType = 0x03 // des.DesToProxy
	MsgProxyToDes   MsgType = 0x04 // des.ProxyToDes
	MsgRemoteDes    MsgType = 0x05 // des.Routed
	MsgPeerLeft     MsgType = 0x06 // des.PeerLeft
	msgTypeSentinel MsgType = 0x07
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgPeerState:
		return "peer_state"
	case MsgDesToProxy:
		return "des_to_proxy"
	case MsgProxyToDes:
		return "proxy_to_des"
	case MsgRemoteDes:
		return "remote_des"
	case MsgPeerLeft:
		return "peer_left"
	}
	return "unknown"
}

const (
	// ProtocolVersion for compatibility checking
	ProtocolVersion uint16 = 1

	// HeaderSize is 2 + 1 + 1 + 4
	HeaderSize = 8

	// FlagCompressed marks an lz4 compressed body.
	FlagCompressed byte = 1 << 0
)

var (
	ErrVersionMismatch = errors.New("wire: protocol version mismatch")
	ErrTooLarge        = errors.New("wire: message too large")
	ErrShortFrame      = errors.New("wire: short frame")
	ErrUnknownType     = errors.New("wire: unknown message type")
)

// Header is the message header for framing
type Header struct {
	Version uint16
	Type    MsgType
	Flags   byte
	Length  uint32
}

// Codec encodes and decodes frames.
type Codec struct {
	compressThreshold int
	maxMessageSize    int
}

// NewCodec returns a codec using the configured limits.
func NewCodec(cfg config.WireConfig) *Codec {
	return &Codec{
		compressThreshold: cfg.CompressThreshold,
		maxMessageSize:    cfg.MaxMessageSize,
	}
}

// MaxMessageSize is the largest body the codec accepts.
func (c *Codec) MaxMessageSize() int { return c.maxMessageSize }

// Encode builds a complete frame for v.
func (c *Codec) Encode(t MsgType, v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "msgpack encode %s", t)
	}

	var flags byte
	if c.compressThreshold > 0 && len(body) > c.compressThreshold {
		compressed, err := compress(body)
		if err != nil {
			return nil, errors.Wrapf(err, "compress %s", t)
		}
		if len(compressed) < len(body) {
			body = compressed
			flags |= FlagCompressed
		}
	}

	if len(body) > c.maxMessageSize {
		return nil, errors.Wrapf(ErrTooLarge, "%s: %d > %d", t, len(body), c.maxMessageSize)
	}

	buf := crunch.NewBuffer()
	buf.Grow(int64(HeaderSize + len(body)))
	buf.WriteU16LENext([]uint16{ProtocolVersion})
	buf.WriteByteNext(byte(t))
	buf.WriteByteNext(flags)
	buf.WriteU32LENext([]uint32{uint32(len(body))})
	buf.WriteBytesNext(body)

	return buf.Bytes(), nil
}

// DecodeHeader parses the fixed header at the start of frame.
func (c *Codec) DecodeHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, errors.Wrapf(ErrShortFrame, "%d bytes", len(frame))
	}

	buf := crunch.NewBuffer(frame[:HeaderSize])
	h := Header{
		Version: buf.ReadU16LENext(1)[0],
		Type:    MsgType(buf.ReadByteNext()),
		Flags:   buf.ReadByteNext(),
		Length:  buf.ReadU32LENext(1)[0],
	}

	if h.Version != ProtocolVersion {
		return h, errors.Wrapf(ErrVersionMismatch, "got %d, want %d", h.Version, ProtocolVersion)
	}
	if h.Type == 0 || h.Type >= msgTypeSentinel {
		return h, errors.Wrapf(ErrUnknownType, "0x%02x", byte(h.Type))
	}
	if int(h.Length) > c.maxMessageSize {
		return h, errors.Wrapf(ErrTooLarge, "%d > %d", h.Length, c.maxMessageSize)
	}
	return h, nil
}

// Decode splits a frame into its type and plain (decompressed) body.
func (c *Codec) Decode(frame []byte) (MsgType, []byte, error) {
	h, err := c.DecodeHeader(frame)
	if err != nil {
		return 0, nil, err
	}
	body := frame[HeaderSize:]
	if len(body) != int(h.Length) {
		return 0, nil, errors.Wrapf(ErrShortFrame, "body %d bytes, header says %d", len(body), h.Length)
	}
	if h.Flags&FlagCompressed != 0 {
		if body, err = c.decompress(body); err != nil {
			return 0, nil, errors.Wrapf(err, "decompress %s", h.Type)
		}
	}
	return h.Type, body, nil
}

// WriteMessage writes a framed message to w.
func (c *Codec) WriteMessage(w io.Writer, t MsgType, v any) error {
	frame, err := c.Encode(t, v)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadMessage reads one framed message from a stream.
func (c *Codec) ReadMessage(r io.Reader) (MsgType, []byte, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return 0, nil, errors.Wrap(err, "read header")
	}
	h, err := c.DecodeHeader(head)
	if err != nil {
		return 0, nil, err
	}
	frame := make([]byte, HeaderSize+int(h.Length))
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return 0, nil, errors.Wrap(err, "read body")
	}
	return c.Decode(frame)
}

// Unmarshal decodes a plain body into v.
func Unmarshal(body []byte, v any) error {
	return errors.Wrap(msgpack.Unmarshal(body, v), "msgpack decode")
}

func compress(src []byte) ([]byte, error) {
	var out bytes.Buffer
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (c *Codec) decompress(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	// Read one byte past the cap so oversized bodies are detected.
	out, err := io.ReadAll(io.LimitReader(zr, int64(c.maxMessageSize)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > c.maxMessageSize {
		return nil, errors.Wrapf(ErrTooLarge, "inflated past %d", c.maxMessageSize)
	}
	return out, nil
}
