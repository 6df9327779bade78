// Package webrtc is the connection handle a negotiation drives. Conn keeps
// pion types out of the negotiation logic so that it can run against an
// in-memory fake; RealConn implements it with pion/webrtc.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/protocol"
)

// ChannelLabel is the label of the data channel opened by the offering side.
const ChannelLabel = "peerstream"

const defaultGatherTimeout = 10 * time.Second

var (
	ErrChannelNotOpen     = errors.New("webrtc: data channel not open")
	ErrInvalidDescription = errors.New("webrtc: invalid session description")
)

// Conn is one peer connection as seen by a negotiation.
type Conn interface {
	// OpenChannel creates the data channel. Only the offering side calls it.
	OpenChannel(label string) error

	// AddTrack sends a local track to the remote side.
	AddTrack(track webrtc.TrackLocal) error

	// AddReceiver asks the remote side for media of kind without sending any.
	AddReceiver(kind webrtc.RTPCodecType) error

	// CreateOffer creates and applies a local offer and returns it with the
	// complete candidate set.
	CreateOffer(ctx context.Context) (protocol.Description, error)

	// SetRemoteOffer applies a remote offer.
	SetRemoteOffer(offer protocol.Description) error

	// CreateAnswer creates and applies the answer to the remote offer set
	// by SetRemoteOffer.
	CreateAnswer(ctx context.Context) (protocol.Description, error)

	// SetRemoteAnswer applies the remote answer to our offer.
	SetRemoteAnswer(answer protocol.Description) error

	// Send writes one message to the data channel.
	Send(data []byte) error

	// Callbacks. Registering replaces the previous callback.
	OnChannelOpen(func())
	OnMessage(func([]byte))
	OnTrack(func(media.RemoteTrack))
	OnStateChange(func(webrtc.PeerConnectionState))
	OnNegotiationNeeded(func())

	Close() error
}

// Factory creates the connection for a negotiation with remoteID.
type Factory func(remoteID string) (Conn, error)

// Config holds the settings shared by every RealConn.
type Config struct {
	ICEServers []webrtc.ICEServer

	// GatherTimeout bounds the wait for the complete candidate set.
	GatherTimeout time.Duration

	// ICE consent timeouts, zero selects pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	Logger *slog.Logger
}

// NewFactory returns a Factory creating RealConns with cfg.
func NewFactory(cfg Config) Factory {
	return func(remoteID string) (Conn, error) {
		c := cfg
		if c.Logger != nil {
			c.Logger = c.Logger.With("remote", remoteID)
		}
		return NewRealConn(c)
	}
}

// RealConn implements Conn using pion/webrtc.
type RealConn struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
	logger        *slog.Logger

	mu          sync.RWMutex
	dataChannel *webrtc.DataChannel

	onChannelOpen       func()
	onMessage           func([]byte)
	onTrack             func(media.RemoteTrack)
	onStateChange       func(webrtc.PeerConnectionState)
	onNegotiationNeeded func()

	closeOnce sync.Once
	closeErr  error
}

// NewRealConn creates a peer connection with the default codecs and
// interceptors registered.
func NewRealConn(cfg Config) (*RealConn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherTimeout := cfg.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = defaultGatherTimeout
	}

	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c := &RealConn{
		pc:            pc,
		gatherTimeout: gatherTimeout,
		logger:        logger,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("connection state changed", "state", state.String())
		c.mu.RLock()
		callback := c.onStateChange
		c.mu.RUnlock()

		if callback != nil {
			callback(state)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ICE connection state changed", "state", state.String())
	})

	pc.OnNegotiationNeeded(func() {
		c.mu.RLock()
		callback := c.onNegotiationNeeded
		c.mu.RUnlock()

		if callback != nil {
			callback()
		}
	})

	// The answering side receives the channel opened by the offerer.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		if c.dataChannel != nil {
			c.mu.Unlock()
			logger.Warn("ignoring extra data channel", "label", dc.Label())
			return
		}
		c.dataChannel = dc
		c.mu.Unlock()

		logger.Debug("data channel received", "label", dc.Label())
		c.setupDataChannelHandlers(dc)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("remote track", "stream", track.StreamID(), "track", track.ID(), "kind", track.Kind().String())

		c.mu.RLock()
		callback := c.onTrack
		c.mu.RUnlock()

		if callback != nil {
			callback(track)
		}

		// Keep reading so the receive buffers never fill up.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	return c, nil
}

func newAPI(cfg Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		durationOr(cfg.DisconnectedTimeout, 5*time.Second),
		durationOr(cfg.FailedTimeout, 25*time.Second),
		durationOr(cfg.KeepAliveInterval, 2*time.Second),
	)

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

// OpenChannel creates an ordered data channel.
func (c *RealConn) OpenChannel(label string) error {
	c.mu.Lock()
	if c.dataChannel != nil {
		c.mu.Unlock()
		return nil
	}

	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create data channel: %w", err)
	}
	c.dataChannel = dc
	c.mu.Unlock()

	c.setupDataChannelHandlers(dc)
	return nil
}

// AddTrack adds a local track and drains its RTCP feedback.
func (c *RealConn) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind().String(), err)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// AddReceiver adds a receive-only transceiver so the offer carries an m-line
// for kind.
func (c *RealConn) AddReceiver(kind webrtc.RTPCodecType) error {
	_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add %s receiver: %w", kind.String(), err)
	}
	return nil
}

// CreateOffer creates an offer, applies it and waits for ICE gathering.
func (c *RealConn) CreateOffer(ctx context.Context) (protocol.Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return protocol.Description{}, fmt.Errorf("create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return protocol.Description{}, fmt.Errorf("set local description: %w", err)
	}

	if err := c.waitGathering(ctx, gatherComplete); err != nil {
		return protocol.Description{}, err
	}
	return descriptionFrom(c.pc.LocalDescription())
}

// SetRemoteOffer applies a remote offer.
func (c *RealConn) SetRemoteOffer(offer protocol.Description) error {
	desc, err := toSessionDescription(offer)
	if err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: expected offer, got %s", ErrInvalidDescription, desc.Type)
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	return nil
}

// CreateAnswer answers the remote offer, applies the answer and waits for ICE
// gathering.
func (c *RealConn) CreateAnswer(ctx context.Context) (protocol.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.Description{}, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return protocol.Description{}, fmt.Errorf("set local description: %w", err)
	}

	if err := c.waitGathering(ctx, gatherComplete); err != nil {
		return protocol.Description{}, err
	}
	return descriptionFrom(c.pc.LocalDescription())
}

// SetRemoteAnswer applies the remote answer.
func (c *RealConn) SetRemoteAnswer(answer protocol.Description) error {
	desc, err := toSessionDescription(answer)
	if err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", ErrInvalidDescription, desc.Type)
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// Send writes data to the open data channel.
func (c *RealConn) Send(data []byte) error {
	c.mu.RLock()
	dc := c.dataChannel
	c.mu.RUnlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// SignalingState reports pion's signaling state.
func (c *RealConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *RealConn) OnChannelOpen(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChannelOpen = callback
}

func (c *RealConn) OnMessage(callback func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = callback
}

func (c *RealConn) OnTrack(callback func(media.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = callback
}

func (c *RealConn) OnStateChange(callback func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = callback
}

func (c *RealConn) OnNegotiationNeeded(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNegotiationNeeded = callback
}

// Close closes the data channel and the peer connection. Later calls return
// the result of the first.
func (c *RealConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.RLock()
		dc := c.dataChannel
		c.mu.RUnlock()

		if dc != nil {
			if err := dc.Close(); err != nil {
				c.logger.Debug("closing data channel", "error", err)
			}
		}
		if err := c.pc.Close(); err != nil {
			c.closeErr = fmt.Errorf("close peer connection: %w", err)
		}
	})
	return c.closeErr
}

func (c *RealConn) waitGathering(ctx context.Context, gatherComplete <-chan struct{}) error {
	timer := time.NewTimer(c.gatherTimeout)
	defer timer.Stop()

	select {
	case <-gatherComplete:
		return nil
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %s", c.gatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RealConn) setupDataChannelHandlers(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		c.logger.Debug("data channel open", "label", dc.Label())

		c.mu.RLock()
		callback := c.onChannelOpen
		c.mu.RUnlock()

		if callback != nil {
			callback()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.RLock()
		callback := c.onMessage
		c.mu.RUnlock()

		if callback != nil {
			callback(msg.Data)
		}
	})

	dc.OnClose(func() {
		c.logger.Debug("data channel closed", "label", dc.Label())
	})

	dc.OnError(func(err error) {
		c.logger.Warn("data channel error", "label", dc.Label(), "error", err)
	})
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func descriptionFrom(desc *webrtc.SessionDescription) (protocol.Description, error) {
	if desc == nil {
		return protocol.Description{}, fmt.Errorf("%w: no local description", ErrInvalidDescription)
	}
	return protocol.Description{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func toSessionDescription(d protocol.Description) (webrtc.SessionDescription, error) {
	if d.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty SDP", ErrInvalidDescription)
	}

	var sdpType webrtc.SDPType
	switch d.Type {
	case protocol.SDPTypeOffer:
		sdpType = webrtc.SDPTypeOffer
	case protocol.SDPTypeAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unsupported type %q", ErrInvalidDescription, d.Type)
	}

	return webrtc.SessionDescription{Type: sdpType, SDP: d.SDP}, nil
}
