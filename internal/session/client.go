package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"entity-sync/internal/des"
	"entity-sync/internal/wire"
)

const writeWait = 10 * time.Second

// Handler receives what the client reads from the relay.
type Handler interface {
	Deliver(t wire.MsgType, body []byte)
	Connected()
}

// Client is a websocket Transport that reconnects until its context ends.
type Client struct {
	url     string
	codec   *wire.Codec
	hello   des.Hello
	handler Handler
	delay   time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client for the relay at url.
func NewClient(url string, codec *wire.Codec, hello des.Hello, handler Handler, reconnectDelay time.Duration) *Client {
	return &Client{
		url:     url,
		codec:   codec,
		hello:   hello,
		handler: handler,
		delay:   reconnectDelay,
	}
}

// Send writes one frame. It returns ErrNotConnected between connections.
func (c *Client) Send(t wire.MsgType, v any) error {
	frame, err := c.codec.Encode(t, v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrapf(err, "write %s", t)
	}
	return nil
}

// Run connects, reads until the connection drops, and reconnects after the
// configured delay. It returns when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			log.Printf("⚠️ Relay connect failed: %v", err)
		} else {
			log.Printf("✅ Connected to relay %s", c.url)
			c.handler.Connected()
			c.readLoop(ctx, conn)
			log.Println("📡 Relay connection closed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	frame, err := c.codec.Encode(wire.MsgHello, c.hello)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "send hello")
	}
	conn.SetReadLimit(int64(wire.HeaderSize + c.codec.MaxMessageSize()))

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		t, body, err := c.codec.Decode(frame)
		if err != nil {
			log.Printf("⚠️ Bad frame from relay: %v", err)
			continue
		}
		c.handler.Deliver(t, body)
	}
}
