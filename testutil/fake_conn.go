// Package testutil provides an in-memory stand-in for pion peer
// connections. FakeConns created from one FakeNetwork find each other
// through the session descriptions they exchange, so a negotiation can run
// end to end without sockets, ICE or timing.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/protocol"
	pswebrtc "github.com/dudexyz/peerstream/pkg/webrtc"
)

var (
	ErrClosed         = errors.New("fake: connection closed")
	ErrUnknownSDP     = errors.New("fake: unknown session description")
	ErrWrongSignaling = errors.New("fake: wrong signaling state")
)

// FakeNetwork hands out FakeConns and links them when an answer is
// applied. SDPs are counters, so runs are deterministic.
type FakeNetwork struct {
	mu      sync.Mutex
	counter int
	offers  map[string]*FakeConn
	answers map[string]*FakeConn
	conns   map[string][]*FakeConn
}

// NewFakeNetwork returns an empty network.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		offers:  make(map[string]*FakeConn),
		answers: make(map[string]*FakeConn),
		conns:   make(map[string][]*FakeConn),
	}
}

// Factory returns a connection factory for the peer localID.
func (n *FakeNetwork) Factory(localID string) pswebrtc.Factory {
	return func(remoteID string) (pswebrtc.Conn, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.counter++
		c := &FakeConn{
			network: n,
			ID:      fmt.Sprintf("fake-conn-%d", n.counter),
			Local:   localID,
			Remote:  remoteID,
		}
		key := localID + "->" + remoteID
		n.conns[key] = append(n.conns[key], c)
		return c, nil
	}
}

// Conn returns the most recent connection localID created for remoteID.
func (n *FakeNetwork) Conn(localID, remoteID string) *FakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	conns := n.conns[localID+"->"+remoteID]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// ConnCount returns how many connections localID created for remoteID.
func (n *FakeNetwork) ConnCount(localID, remoteID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns[localID+"->"+remoteID])
}

func (n *FakeNetwork) nextSDP(kind string, c *FakeConn) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counter++
	sdp := fmt.Sprintf("v=0\r\ns=fake-%s-%d\r\n", kind, n.counter)
	if kind == protocol.SDPTypeOffer {
		n.offers[sdp] = c
	} else {
		n.answers[sdp] = c
	}
	return sdp
}

func (n *FakeNetwork) lookup(kind, sdp string) *FakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if kind == protocol.SDPTypeOffer {
		return n.offers[sdp]
	}
	return n.answers[sdp]
}

// FakeConn implements webrtc.Conn in memory.
type FakeConn struct {
	network *FakeNetwork

	ID     string
	Local  string
	Remote string

	mu            sync.Mutex
	peer          *FakeConn
	remoteOffer   *FakeConn
	signaling     webrtc.SignalingState
	channelLabel  string
	channelOpen   bool
	tracks        []webrtc.TrackLocal
	delivered     map[string]bool
	offered       map[webrtc.RTPCodecType]bool
	remoteKinds   map[webrtc.RTPCodecType]bool
	receivers     []webrtc.RTPCodecType
	offers        int
	answers       int
	sent          [][]byte
	closed        bool
	onChannelOpen func()
	onMessage     func([]byte)
	onTrack       func(media.RemoteTrack)
	onStateChange func(webrtc.PeerConnectionState)
	onNegotiation func()
}

// OpenChannel records the channel; it opens once an answer links both ends.
func (c *FakeConn) OpenChannel(label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.channelLabel == "" {
		c.channelLabel = label
	}
	return nil
}

func (c *FakeConn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.tracks = append(c.tracks, track)
	return nil
}

func (c *FakeConn) AddReceiver(kind webrtc.RTPCodecType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.receivers = append(c.receivers, kind)
	return nil
}

func (c *FakeConn) CreateOffer(ctx context.Context) (protocol.Description, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Description{}, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Description{}, ErrClosed
	}
	c.signaling = webrtc.SignalingStateHaveLocalOffer
	c.offers++
	c.offered = c.mediaKinds()
	c.mu.Unlock()

	return protocol.Description{Type: protocol.SDPTypeOffer, SDP: c.network.nextSDP(protocol.SDPTypeOffer, c)}, nil
}

func (c *FakeConn) SetRemoteOffer(offer protocol.Description) error {
	if offer.Type != protocol.SDPTypeOffer {
		return fmt.Errorf("%w: %q", ErrUnknownSDP, offer.Type)
	}
	from := c.network.lookup(protocol.SDPTypeOffer, offer.SDP)
	if from == nil {
		return ErrUnknownSDP
	}

	from.mu.Lock()
	kinds := make(map[webrtc.RTPCodecType]bool, len(from.offered))
	for k, v := range from.offered {
		kinds[k] = v
	}
	from.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.remoteOffer = from
	c.remoteKinds = kinds
	c.signaling = webrtc.SignalingStateHaveRemoteOffer
	return nil
}

func (c *FakeConn) CreateAnswer(ctx context.Context) (protocol.Description, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Description{}, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Description{}, ErrClosed
	}
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		c.mu.Unlock()
		return protocol.Description{}, ErrWrongSignaling
	}
	c.signaling = webrtc.SignalingStateStable
	c.answers++
	c.mu.Unlock()

	return protocol.Description{Type: protocol.SDPTypeAnswer, SDP: c.network.nextSDP(protocol.SDPTypeAnswer, c)}, nil
}

// SetRemoteAnswer links the two ends, opens the channel on both the first
// time and delivers, in both directions, the tracks not delivered yet whose
// kind the offer carried. An end left with tracks the offer had no room for
// asks for another negotiation, as pion does.
func (c *FakeConn) SetRemoteAnswer(answer protocol.Description) error {
	if answer.Type != protocol.SDPTypeAnswer {
		return fmt.Errorf("%w: %q", ErrUnknownSDP, answer.Type)
	}
	other := c.network.lookup(protocol.SDPTypeAnswer, answer.SDP)
	if other == nil {
		return ErrUnknownSDP
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.signaling != webrtc.SignalingStateHaveLocalOffer {
		c.mu.Unlock()
		return ErrWrongSignaling
	}
	c.signaling = webrtc.SignalingStateStable
	c.peer = other
	openChannel := c.channelLabel != "" && !c.channelOpen
	c.channelOpen = c.channelOpen || openChannel
	offered := c.offered
	c.mu.Unlock()

	other.mu.Lock()
	other.peer = c
	other.channelOpen = other.channelOpen || openChannel
	other.mu.Unlock()

	if openChannel {
		c.fireChannelOpen()
		other.fireChannelOpen()
	}
	if c.deliverTracks(other, offered) {
		c.TriggerNegotiationNeeded()
	}
	if other.deliverTracks(c, other.negotiatedKinds()) {
		other.TriggerNegotiationNeeded()
	}
	return nil
}

// Send hands data to the linked end once the channel is open.
func (c *FakeConn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.channelOpen || c.peer == nil {
		c.mu.Unlock()
		return pswebrtc.ErrChannelNotOpen
	}
	buf := append([]byte(nil), data...)
	c.sent = append(c.sent, buf)
	other := c.peer
	c.mu.Unlock()

	other.mu.Lock()
	callback := other.onMessage
	closed := other.closed
	other.mu.Unlock()

	if callback != nil && !closed {
		callback(append([]byte(nil), buf...))
	}
	return nil
}

func (c *FakeConn) OnChannelOpen(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChannelOpen = callback
}

func (c *FakeConn) OnMessage(callback func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = callback
}

func (c *FakeConn) OnTrack(callback func(media.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = callback
}

func (c *FakeConn) OnStateChange(callback func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = callback
}

func (c *FakeConn) OnNegotiationNeeded(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNegotiation = callback
}

// Close marks the connection closed. Callbacks registered before Close can
// still be fired through the Simulate helpers.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.channelOpen = false
	return nil
}

// TriggerNegotiationNeeded fires the negotiation-needed callback.
func (c *FakeConn) TriggerNegotiationNeeded() {
	c.mu.Lock()
	callback := c.onNegotiation
	c.mu.Unlock()
	if callback != nil {
		callback()
	}
}

// SimulateState fires the state change callback with state.
func (c *FakeConn) SimulateState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	callback := c.onStateChange
	c.mu.Unlock()
	if callback != nil {
		callback(state)
	}
}

// SimulateMessage fires the message callback as if data had arrived.
func (c *FakeConn) SimulateMessage(data []byte) {
	c.mu.Lock()
	callback := c.onMessage
	c.mu.Unlock()
	if callback != nil {
		callback(data)
	}
}

// SimulateChannelOpen fires the channel open callback.
func (c *FakeConn) SimulateChannelOpen() {
	c.fireChannelOpen()
}

// SentMessages returns a copy of everything written with Send.
func (c *FakeConn) SentMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Tracks returns the local tracks added so far.
func (c *FakeConn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

// Receivers returns the kinds passed to AddReceiver.
func (c *FakeConn) Receivers() []webrtc.RTPCodecType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), c.receivers...)
}

// Offers returns how many offers were created.
func (c *FakeConn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// Answers returns how many answers were created.
func (c *FakeConn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

// ChannelLabel returns the label passed to OpenChannel, if any.
func (c *FakeConn) ChannelLabel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelLabel
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConn) fireChannelOpen() {
	c.mu.Lock()
	callback := c.onChannelOpen
	closed := c.closed
	c.mu.Unlock()
	if callback != nil && !closed {
		callback()
	}
}

// mediaKinds returns the kinds c has a track or a receiver for. c.mu must
// be held.
func (c *FakeConn) mediaKinds() map[webrtc.RTPCodecType]bool {
	kinds := make(map[webrtc.RTPCodecType]bool)
	for _, t := range c.tracks {
		kinds[t.Kind()] = true
	}
	for _, k := range c.receivers {
		kinds[k] = true
	}
	return kinds
}

func (c *FakeConn) negotiatedKinds() map[webrtc.RTPCodecType]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteKinds
}

// deliverTracks hands c's undelivered tracks of the given kinds to to's
// track callback and reports whether tracks of other kinds are left.
func (c *FakeConn) deliverTracks(to *FakeConn, kinds map[webrtc.RTPCodecType]bool) (left bool) {
	c.mu.Lock()
	if c.delivered == nil {
		c.delivered = make(map[string]bool)
	}
	var pending []webrtc.TrackLocal
	for _, t := range c.tracks {
		if c.delivered[t.ID()] {
			continue
		}
		if !kinds[t.Kind()] {
			left = true
			continue
		}
		c.delivered[t.ID()] = true
		pending = append(pending, t)
	}
	c.mu.Unlock()

	to.mu.Lock()
	callback := to.onTrack
	closed := to.closed
	to.mu.Unlock()
	if callback == nil || closed {
		return left
	}
	for _, t := range pending {
		callback(FakeRemoteTrack{TrackID: t.ID(), Stream: t.StreamID(), TrackKind: t.Kind()})
	}
	return left
}

// OfferedKinds returns the media kinds of the last offer c created.
func (c *FakeConn) OfferedKinds() []webrtc.RTPCodecType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []webrtc.RTPCodecType
	for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if c.offered[k] {
			out = append(out, k)
		}
	}
	return out
}

// FakeRemoteTrack is what a FakeConn delivers for a remote track.
type FakeRemoteTrack struct {
	TrackID   string
	Stream    string
	TrackKind webrtc.RTPCodecType
}

func (t FakeRemoteTrack) ID() string                { return t.TrackID }
func (t FakeRemoteTrack) StreamID() string          { return t.Stream }
func (t FakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.TrackKind }

var _ pswebrtc.Conn = (*FakeConn)(nil)
