package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dudexyz/peerstream/pkg/events"
	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/protocol"
	"github.com/dudexyz/peerstream/pkg/role"
	pswebrtc "github.com/dudexyz/peerstream/pkg/webrtc"
)

var (
	ErrClosed        = errors.New("stream: negotiator closed")
	ErrUnknownRemote = errors.New("stream: unknown remote")
	ErrInvalidRemote = errors.New("stream: invalid remote id")
)

// Sender delivers signaling messages to the peer named by To.
type Sender interface {
	Send(msg protocol.Message) error
}

// Config wires a Negotiator to its owner.
type Config struct {
	LocalID   string
	Transport Sender
	NewConn   pswebrtc.Factory
	Bus       *events.Bus

	// Schedule runs fn later on the owner's goroutine, in call order.
	Schedule func(fn func())

	// LocalMedia returns the local stream, or nil while there is none.
	LocalMedia func() *media.Stream

	// Defaults are the options of negotiations opened by the remote side.
	Defaults Options

	// Logger is used as is; the owner adds the local peer id to it.
	Logger *slog.Logger
}

// Negotiator owns the negotiations of one local peer.
type Negotiator struct {
	localID    string
	transport  Sender
	newConn    pswebrtc.Factory
	bus        *events.Bus
	schedule   func(func())
	localMedia func() *media.Stream
	defaults   Options
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu      sync.RWMutex
	streams map[string]*Negotiation
}

// NewNegotiator validates cfg and returns a Negotiator.
func NewNegotiator(cfg Config) (*Negotiator, error) {
	switch {
	case cfg.LocalID == "":
		return nil, errors.New("stream: local id is required")
	case cfg.Transport == nil:
		return nil, errors.New("stream: transport is required")
	case cfg.NewConn == nil:
		return nil, errors.New("stream: connection factory is required")
	case cfg.Bus == nil:
		return nil, errors.New("stream: event bus is required")
	case cfg.Schedule == nil:
		return nil, errors.New("stream: scheduler is required")
	}

	localMedia := cfg.LocalMedia
	if localMedia == nil {
		localMedia = func() *media.Stream { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		localID:    cfg.LocalID,
		transport:  cfg.Transport,
		newConn:    cfg.NewConn,
		bus:        cfg.Bus,
		schedule:   cfg.Schedule,
		localMedia: localMedia,
		defaults:   cfg.Defaults,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		streams:    make(map[string]*Negotiation),
	}, nil
}

// Lookup returns the negotiation with remote, or nil. Safe for concurrent
// use.
func (n *Negotiator) Lookup(remote string) *Negotiation {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.streams[remote]
}

// Streams returns a snapshot of the negotiations keyed by remote id. Safe
// for concurrent use.
func (n *Negotiator) Streams() map[string]*Negotiation {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]*Negotiation, len(n.streams))
	for id, neg := range n.streams {
		out[id] = neg
	}
	return out
}

// Stream opens a negotiation with remote, or renegotiates an existing one
// with opts added to its options. A call made while a cycle is in flight
// is folded into that cycle; if it widened the options another cycle runs
// once the current one is stable.
func (n *Negotiator) Stream(remote string, opts Options) (*Negotiation, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	if remote == "" || remote == n.localID {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRemote, remote)
	}

	neg, created, err := n.ensure(remote, opts)
	if err != nil {
		return nil, err
	}
	if created {
		n.begin(neg)
		return neg, nil
	}

	changed := neg.mergeOptions(opts)
	switch state := neg.State(); state {
	case StateIdle, StateStable:
		n.begin(neg)
	default:
		if changed {
			neg.pending = true
		}
		n.logger.Debug("stream request coalesced", "remote", remote, "state", state, "pending", neg.pending)
	}
	return neg, nil
}

// Handle processes one inbound signaling message.
func (n *Negotiator) Handle(msg protocol.Message) {
	if n.closed.Load() {
		return
	}
	if msg.From == "" || msg.From == n.localID {
		n.logger.Warn("ignoring signaling message with bad sender", "kind", msg.Type, "from", msg.From)
		return
	}

	switch msg.Type {
	case protocol.TypeStreamConnect:
		if _, err := n.Stream(msg.From, n.defaults.Merge(remoteOptions(msg))); err != nil {
			n.logger.Warn("stream:connect", "remote", msg.From, "error", err)
		}
	case protocol.TypeStreamChange:
		n.logger.Debug("remote changed its stream", "remote", msg.From)
	case protocol.TypeStreamOffer:
		n.handleOffer(msg)
	case protocol.TypeStreamMakeOffer:
		n.handleMakeOffer(msg)
	case protocol.TypeStreamAnswer:
		n.handleAnswer(msg)
	default:
		n.logger.Debug("not a signaling message", "kind", msg.Type, "remote", msg.From)
	}
}

// LocalMediaChanged renegotiates every negotiation that sends local media,
// now or once its current cycle is done.
func (n *Negotiator) LocalMediaChanged() {
	for _, neg := range n.Streams() {
		if !neg.Options().Local.Any() {
			continue
		}
		switch neg.State() {
		case StateIdle, StateStable:
			n.begin(neg)
		case StateClosed:
		default:
			neg.pending = true
		}
	}
}

// Hangup tears down the negotiation with remote.
func (n *Negotiator) Hangup(remote string) error {
	neg := n.Lookup(remote)
	if neg == nil {
		return fmt.Errorf("%w: %q", ErrUnknownRemote, remote)
	}
	n.teardown(neg, "hangup")
	return nil
}

// Close tears down every negotiation. Later calls do nothing.
func (n *Negotiator) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}
	n.cancel()
	for _, neg := range n.Streams() {
		n.teardown(neg, "closed")
	}
}

func (n *Negotiator) ensure(remote string, opts Options) (*Negotiation, bool, error) {
	if neg := n.Lookup(remote); neg != nil {
		return neg, false, nil
	}

	conn, err := n.newConn(remote)
	if err != nil {
		return nil, false, fmt.Errorf("create connection for %q: %w", remote, err)
	}

	neg := &Negotiation{
		RemoteID:      remote,
		SessionID:     uuid.NewString(),
		Role:          role.Of(n.localID, remote),
		conn:          conn,
		state:         StateIdle,
		options:       opts,
		attached:      make(map[string]bool),
		sending:       make(map[webrtc.RTPCodecType]bool),
		receivers:     make(map[webrtc.RTPCodecType]bool),
		remoteStreams: make(map[string]*media.RemoteStream),
	}
	neg.trigger = func() {
		n.schedule(func() { n.negotiationNeeded(neg) })
	}
	n.bind(neg)

	n.mu.Lock()
	n.streams[remote] = neg
	n.mu.Unlock()

	n.logger.Info("negotiation created", "remote", remote, "role", neg.Role, "session", neg.SessionID)
	return neg, true, nil
}

// bind routes connection callbacks onto the owner's goroutine.
func (n *Negotiator) bind(neg *Negotiation) {
	conn := neg.conn
	conn.OnNegotiationNeeded(neg.NegotiationNeeded)
	conn.OnChannelOpen(func() {
		n.schedule(func() { n.channelOpened(neg) })
	})
	conn.OnMessage(func(data []byte) {
		n.schedule(func() { n.channelMessage(neg, data) })
	})
	conn.OnTrack(func(track media.RemoteTrack) {
		n.schedule(func() { n.remoteTrack(neg, track) })
	})
	conn.OnStateChange(func(state webrtc.PeerConnectionState) {
		n.schedule(func() { n.stateChanged(neg, state) })
	})
}

func (n *Negotiator) begin(neg *Negotiation) {
	neg.fromTrigger = false
	neg.idle = false
	if neg.Role == role.Master {
		n.offer(neg)
		return
	}
	neg.setState(StateAwaitingOffer)
	n.send(protocol.Message{
		Type:    protocol.TypeStreamMakeOffer,
		To:      neg.RemoteID,
		Options: neg.Options().wire(),
	})
}

func (n *Negotiator) offer(neg *Negotiation) {
	neg.setState(StateOffering)

	if !neg.channelRequested {
		if err := neg.conn.OpenChannel(pswebrtc.ChannelLabel); err != nil {
			n.fail(neg, "open channel", err)
			return
		}
		neg.channelRequested = true
	}
	if err := n.attachLocal(neg); err != nil {
		n.fail(neg, "attach local media", err)
		return
	}
	if err := n.addReceivers(neg); err != nil {
		n.fail(neg, "add receivers", err)
		return
	}

	desc, err := neg.conn.CreateOffer(n.ctx)
	if err != nil {
		n.fail(neg, "create offer", err)
		return
	}
	n.send(protocol.NewOffer(neg.RemoteID, desc.SDP))
}

func (n *Negotiator) handleMakeOffer(msg protocol.Message) {
	if role.Of(n.localID, msg.From) != role.Master {
		n.logger.Warn("ignoring stream:makeoffer, this side is slave", "remote", msg.From)
		return
	}

	// The slave's wishes, mirrored, widen whatever this side already has.
	opts := n.defaults
	if neg := n.Lookup(msg.From); neg != nil {
		opts = neg.Options()
	}
	if _, err := n.Stream(msg.From, opts.Merge(remoteOptions(msg))); err != nil {
		n.logger.Warn("stream:makeoffer", "remote", msg.From, "error", err)
	}
}

func (n *Negotiator) handleOffer(msg protocol.Message) {
	if msg.Data == nil {
		n.logger.Warn("stream:offer without session description", "remote", msg.From)
		return
	}

	neg, _, err := n.ensure(msg.From, n.defaults)
	if err != nil {
		n.logger.Error("stream:offer", "remote", msg.From, "error", err)
		return
	}
	if neg.State() == StateOffering {
		n.logger.Debug("ignoring offer received while offering", "remote", msg.From)
		return
	}

	n.bus.Emit(events.Event{
		Kind:    events.StreamChange,
		Message: protocol.Message{Type: protocol.TypeStreamChange, From: msg.From, To: n.localID},
	})
	if neg.Closed() {
		return
	}

	neg.setState(StateAnswering)
	if err := neg.conn.SetRemoteOffer(*msg.Data); err != nil {
		n.fail(neg, "set remote offer", err)
		return
	}
	if err := n.attachLocal(neg); err != nil {
		n.fail(neg, "attach local media", err)
		return
	}

	desc, err := neg.conn.CreateAnswer(n.ctx)
	if err != nil {
		n.fail(neg, "create answer", err)
		return
	}
	n.send(protocol.NewAnswer(msg.From, desc.SDP))

	neg.completeCycle()
	n.settled(neg)
}

func (n *Negotiator) handleAnswer(msg protocol.Message) {
	neg := n.Lookup(msg.From)
	if neg == nil {
		n.logger.Debug("ignoring answer from unknown remote", "remote", msg.From)
		return
	}
	if state := neg.State(); state != StateOffering {
		n.logger.Debug("ignoring stale answer", "remote", msg.From, "state", state)
		return
	}
	if msg.Data == nil {
		n.logger.Warn("stream:answer without session description", "remote", msg.From)
		return
	}

	if err := neg.conn.SetRemoteAnswer(*msg.Data); err != nil {
		n.fail(neg, "set remote answer", err)
		return
	}

	neg.completeCycle()
	n.settled(neg)
}

// settled starts the cycle a coalesced request asked for.
func (n *Negotiator) settled(neg *Negotiation) {
	shape := n.shape(neg)
	neg.idle = neg.fromTrigger && shape == neg.settledAs
	neg.fromTrigger = false
	neg.settledAs = shape

	n.logger.Debug("negotiation stable", "remote", neg.RemoteID, "cycles", neg.Cycles(), "idle", neg.idle)
	if neg.pending {
		neg.pending = false
		n.begin(neg)
	}
}

func (n *Negotiator) negotiationNeeded(neg *Negotiation) {
	if neg.Closed() {
		return
	}
	if state := neg.State(); state != StateStable {
		n.logger.Debug("negotiation needed ignored", "remote", neg.RemoteID, "state", state)
		return
	}
	if neg.idle {
		n.logger.Debug("negotiation needed ignored, the last one changed nothing", "remote", neg.RemoteID)
		return
	}
	n.begin(neg)
	neg.fromTrigger = true
}

// attachLocal adds the local tracks the options ask for and that are not
// attached yet.
func (n *Negotiator) attachLocal(neg *Negotiation) error {
	want := neg.Options().Local
	if !want.Any() {
		return nil
	}
	local := n.localMedia()
	if local == nil {
		n.logger.Debug("no local media to attach yet", "remote", neg.RemoteID)
		return nil
	}

	for _, track := range local.Tracks() {
		kind := track.Kind()
		key := track.StreamID() + "/" + track.ID()
		if !wants(want, kind) || neg.attached[key] {
			continue
		}
		if err := neg.conn.AddTrack(track); err != nil {
			return err
		}
		neg.attached[key] = true
		neg.sending[kind] = true
		n.logger.Debug("local track attached", "remote", neg.RemoteID, "kind", kind.String(), "track", track.ID())
	}
	return nil
}

// addReceivers makes the offer ask for the remote media the options want
// when no local track of that kind is being sent.
func (n *Negotiator) addReceivers(neg *Negotiation) error {
	want := neg.Options().Remote
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if !wants(want, kind) || neg.sending[kind] || neg.receivers[kind] {
			continue
		}
		if err := neg.conn.AddReceiver(kind); err != nil {
			return err
		}
		neg.receivers[kind] = true
	}
	return nil
}

// shape summarises what a cycle negotiated: options, attached tracks and
// receivers.
func (n *Negotiator) shape(neg *Negotiation) string {
	return fmt.Sprintf("%+v %d %v %v", neg.Options(), len(neg.attached), neg.sending, neg.receivers)
}

func wants(m MediaOptions, kind webrtc.RTPCodecType) bool {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return m.Video
	case webrtc.RTPCodecTypeAudio:
		return m.Audio
	}
	return false
}

func (n *Negotiator) remoteTrack(neg *Negotiation, track media.RemoteTrack) {
	if neg.Closed() {
		return
	}
	if rs, ok := neg.remoteStreams[track.StreamID()]; ok {
		rs.AddTrack(track)
		return
	}

	rs := media.NewRemoteStream(track)
	neg.remoteStreams[rs.ID] = rs
	n.logger.Info("remote media connected", "remote", neg.RemoteID, "stream", rs.ID)
	n.bus.Emit(events.Event{
		Kind:    events.MediaConnect,
		Message: protocol.Message{Type: string(events.MediaConnect), From: neg.RemoteID, To: n.localID},
		Remote:  rs,
	})
}

func (n *Negotiator) stateChanged(neg *Negotiation, state webrtc.PeerConnectionState) {
	if neg.Closed() {
		return
	}
	n.logger.Debug("connection state", "remote", neg.RemoteID, "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateFailed:
		n.teardown(neg, "connection failed")
	case webrtc.PeerConnectionStateClosed:
		n.teardown(neg, "connection closed")
	}
}

func (n *Negotiator) send(msg protocol.Message) {
	if err := n.transport.Send(msg); err != nil {
		n.logger.Warn("signaling send failed", "kind", msg.Type, "remote", msg.To, "error", err)
	}
}

func (n *Negotiator) fail(neg *Negotiation, op string, err error) {
	n.logger.Error("negotiation failed", "remote", neg.RemoteID, "op", op, "error", err)
	n.teardown(neg, op+": "+err.Error())
}

// teardown closes the negotiation once: it leaves the streams map, its
// connection is closed and stream:close is emitted.
func (n *Negotiator) teardown(neg *Negotiation, reason string) {
	if !neg.closed.CompareAndSwap(false, true) {
		return
	}
	neg.channelOpen.Store(false)
	neg.setState(StateClosed)

	n.mu.Lock()
	if n.streams[neg.RemoteID] == neg {
		delete(n.streams, neg.RemoteID)
	}
	n.mu.Unlock()

	if err := neg.conn.Close(); err != nil {
		n.logger.Debug("closing connection", "remote", neg.RemoteID, "error", err)
	}

	n.logger.Info("negotiation closed", "remote", neg.RemoteID, "reason", reason)
	n.bus.Emit(events.Event{
		Kind:    events.StreamClose,
		Message: protocol.Message{Type: string(events.StreamClose), From: neg.RemoteID, To: n.localID, Text: reason},
	})
}
