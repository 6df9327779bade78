package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dudexyz/peerstream/pkg/protocol"
)

var errRegistrationExpected = errors.New("first message must be a register message with a peer id")

// ClientOptions configures a relay client.
type ClientOptions struct {
	// Compact sends session descriptions through Encode.
	Compact bool

	Logger *slog.Logger
}

// Client is a Transport backed by a websocket connection to a Hub.
type Client struct {
	id      string
	conn    *websocket.Conn
	ep      Endpoint
	compact bool
	logger  *slog.Logger

	outgoing  chan []byte
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// Dialer returns a Connector that dials the hub at url.
func Dialer(ctx context.Context, url string, opts ClientOptions) Connector {
	return func(id string, ep Endpoint) (Transport, error) {
		return Dial(ctx, url, id, ep, opts)
	}
}

// Dial connects to the hub at url, registers id and starts delivering
// relayed messages to ep. It returns once the hub confirmed the
// registration.
func Dial(ctx context.Context, url, id string, ep Endpoint, opts ClientOptions) (*Client, error) {
	if id == "" {
		return nil, fmt.Errorf("dial: peer id cannot be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	if err := register(ctx, conn, id); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		id:       id,
		conn:     conn,
		ep:       ep,
		compact:  opts.Compact,
		logger:   logger.With("peer", id),
		outgoing: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	c.logger.Info("connected to signaling relay", "url", url)
	return c, nil
}

func register(ctx context.Context, conn *websocket.Conn, id string) error {
	deadline := time.Now().Add(registerWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, protocol.Marshal(protocol.Message{Type: protocol.TypeRegister, From: id})); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	reply, err := protocol.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	switch reply.Type {
	case protocol.TypeRegistered:
		return nil
	case protocol.TypeError:
		return fmt.Errorf("register %q: %s", id, reply.Text)
	default:
		return fmt.Errorf("register %q: unexpected reply %q", id, reply.Type)
	}
}

// ID returns the registered peer id.
func (c *Client) ID() string {
	return c.id
}

// Send stamps From, compacts the session description if configured and
// queues the message for the relay.
func (c *Client) Send(msg protocol.Message) error {
	msg.From = c.id

	if c.compact && msg.Data != nil && msg.Data.Encoding == "" {
		encoded, err := Encode(msg.Data.SDP)
		if err != nil {
			return fmt.Errorf("compact %s: %w", msg.Type, err)
		}
		data := *msg.Data
		data.SDP = encoded
		data.Encoding = Encoding
		msg.Data = &data
	}

	if err := msg.Validate(); err != nil {
		return err
	}
	frame := protocol.Marshal(msg)

	select {
	case <-c.done:
		return ErrClosed
	case <-c.readDone:
		return ErrClosed
	default:
	}

	// The write pump is gone once the relay drops.
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.readDone:
		return ErrClosed
	}
}

// Done is closed once the connection to the relay is gone.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// Close sends a close frame and shuts the connection down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.readDone)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay connection lost", "error", err)
			}
			return
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("invalid message from relay", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeError:
			c.logger.Warn("relay error", "text", msg.Text)
			continue
		case protocol.TypeRegistered:
			continue
		}

		if msg.Data != nil && msg.Data.Encoding != "" {
			if msg.Data.Encoding != Encoding {
				c.logger.Warn("dropping message with unknown encoding", "kind", msg.Type, "from", msg.From, "encoding", msg.Data.Encoding)
				continue
			}
			sdp, err := Decode(msg.Data.SDP)
			if err != nil {
				c.logger.Warn("dropping undecodable session description", "kind", msg.Type, "from", msg.From, "error", err)
				continue
			}
			msg.Data = &protocol.Description{Type: msg.Data.Type, SDP: sdp}
		}

		c.ep.Deliver(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("write to relay failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-c.readDone:
			return
		}
	}
}
