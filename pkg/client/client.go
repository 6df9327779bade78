// Package client is a chat session with one remote peer on top of a
// peer.Peer: it opens the negotiation, exchanges chat lines over the data
// channel and reports the remote's media.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dudexyz/peerstream/pkg/events"
	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/peer"
	"github.com/dudexyz/peerstream/pkg/protocol"
	"github.com/dudexyz/peerstream/pkg/stream"
)

// Chat message types
const (
	TypeChat  = "chat"
	TypeJoin  = "join"
	TypeLeave = "leave"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrEmptyMessage = errors.New("client: message text cannot be empty")
)

// ChatClient talks to one remote peer. Callbacks run on the peer's
// goroutine and must not call the blocking peer methods.
type ChatClient struct {
	peer   *peer.Peer
	remote string
	logger *slog.Logger

	// Connection state
	isConnected bool
	mu          sync.RWMutex
	cancels     []func()

	// Event callbacks
	onMessage      func(protocol.Message)
	onConnected    func()
	onDisconnected func(reason string)
	onMedia        func(*media.RemoteStream)
}

// NewChatClient creates a chat client between p and remote. Nothing is
// negotiated before Connect, but a negotiation the remote opens is picked
// up as well.
func NewChatClient(p *peer.Peer, remote string, logger *slog.Logger) (*ChatClient, error) {
	if p == nil {
		return nil, errors.New("client: peer is required")
	}
	if remote == "" || remote == p.ID() {
		return nil, fmt.Errorf("client: invalid remote %q", remote)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &ChatClient{
		peer:   p,
		remote: remote,
		logger: logger.With("remote", remote),
	}
	c.setupPeerHandlers()
	return c, nil
}

// Connect opens or renegotiates the stream with the remote.
func (c *ChatClient) Connect(ctx context.Context, opts stream.Options) error {
	if _, err := c.peer.Stream(ctx, c.remote, opts); err != nil {
		return fmt.Errorf("failed to connect to %q: %w", c.remote, err)
	}
	return nil
}

// SendMessage sends one chat line over the data channel.
func (c *ChatClient) SendMessage(text string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if text == "" {
		return ErrEmptyMessage
	}

	if err := c.peer.Send(protocol.NewMessage(TypeChat, c.remote, text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	c.logger.Debug("sent message", "length", len(text))
	return nil
}

// Disconnect says goodbye and hangs up. The client is unusable afterwards.
func (c *ChatClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	wasConnected := c.isConnected
	c.isConnected = false
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	if wasConnected {
		if err := c.peer.Send(protocol.NewMessage(TypeLeave, c.remote, "")); err != nil {
			c.logger.Debug("leave message not sent", "error", err)
		}
	}
	for _, cancel := range cancels {
		cancel()
	}

	err := c.peer.Hangup(ctx, c.remote)
	if errors.Is(err, stream.ErrUnknownRemote) {
		return nil
	}
	return err
}

// Event handlers for setters
func (c *ChatClient) OnMessage(callback func(protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = callback
}

func (c *ChatClient) OnConnected(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = callback
}

func (c *ChatClient) OnDisconnected(callback func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = callback
}

func (c *ChatClient) OnMedia(callback func(*media.RemoteStream)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMedia = callback
}

// Remote returns the remote peer id.
func (c *ChatClient) Remote() string {
	return c.remote
}

// IsConnected reports whether the data channel with the remote is open.
func (c *ChatClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// ConnectionStatus returns a user-friendly connection status
func (c *ChatClient) ConnectionStatus() string {
	if c.IsConnected() {
		return "Connected - ready to chat!"
	}
	if neg := c.peer.Streams()[c.remote]; neg != nil {
		return fmt.Sprintf("Negotiating (%s, %s)...", neg.Role, neg.State())
	}
	return "Not connected"
}

func (c *ChatClient) setupPeerHandlers() {
	fromRemote := func(fn events.Handler) events.Handler {
		return func(ev events.Event) {
			if ev.Message.From == c.remote {
				fn(ev)
			}
		}
	}

	c.cancels = []func(){
		c.peer.On(events.ChannelConnect, fromRemote(c.handleConnected)),
		c.peer.On(events.ChannelMessage, fromRemote(c.handleMessage)),
		// Chat lines relayed before the channel opened.
		c.peer.On(events.Kind(TypeChat), fromRemote(c.handleMessage)),
		c.peer.On(events.StreamClose, fromRemote(c.handleClosed)),
		c.peer.On(events.MediaConnect, fromRemote(c.handleMedia)),
	}
}

func (c *ChatClient) handleConnected(events.Event) {
	c.mu.Lock()
	c.isConnected = true
	callback := c.onConnected
	c.mu.Unlock()

	c.logger.Info("connected to peer")
	if err := c.peer.Send(protocol.NewMessage(TypeJoin, c.remote, "")); err != nil {
		c.logger.Warn("join message not sent", "error", err)
	}
	if callback != nil {
		callback()
	}
}

func (c *ChatClient) handleMessage(ev events.Event) {
	msg := ev.Message
	switch msg.Type {
	case TypeJoin:
		c.logger.Info("peer joined the chat")
	case TypeLeave:
		c.logger.Info("peer left the chat")
	case TypeChat:
	default:
		c.logger.Debug("ignoring message", "kind", msg.Type)
		return
	}

	c.mu.RLock()
	callback := c.onMessage
	c.mu.RUnlock()
	if callback != nil {
		callback(msg)
	}
}

func (c *ChatClient) handleClosed(ev events.Event) {
	c.mu.Lock()
	wasConnected := c.isConnected
	c.isConnected = false
	callback := c.onDisconnected
	c.mu.Unlock()

	c.logger.Info("disconnected from peer", "reason", ev.Message.Text, "was_connected", wasConnected)
	if callback != nil {
		callback(ev.Message.Text)
	}
}

func (c *ChatClient) handleMedia(ev events.Event) {
	c.mu.RLock()
	callback := c.onMedia
	c.mu.RUnlock()

	c.logger.Info("remote media", "stream", ev.Remote.ID, "tracks", len(ev.Remote.Tracks()))
	if callback != nil {
		callback(ev.Remote)
	}
}
