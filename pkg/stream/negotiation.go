// Package stream negotiates peer connections between two peers.
//
// For every remote peer there is one Negotiation. The side that role.Resolve
// names master always creates the offers; the slave only ever asks for one
// with a stream:makeoffer message. Renegotiation reuses the connection, so
// the data channel opened on the first cycle survives every later one.
//
// A Negotiator is not safe for concurrent use except where noted: its
// owner runs every call, and every callback it schedules, on one goroutine.
package stream

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"

	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/protocol"
	"github.com/dudexyz/peerstream/pkg/role"
	pswebrtc "github.com/dudexyz/peerstream/pkg/webrtc"
)

// State is the signaling state of a Negotiation.
type State string

const (
	StateIdle          State = "idle"
	StateOffering      State = "offering"
	StateAwaitingOffer State = "awaiting-offer"
	StateAnswering     State = "answering"
	StateStable        State = "stable"
	StateClosed        State = "closed"
)

// MediaOptions selects media kinds.
type MediaOptions struct {
	Video bool `json:"video" yaml:"video"`
	Audio bool `json:"audio" yaml:"audio"`
}

// Any reports whether any kind is selected.
func (m MediaOptions) Any() bool {
	return m.Video || m.Audio
}

func (m MediaOptions) merge(o MediaOptions) MediaOptions {
	return MediaOptions{Video: m.Video || o.Video, Audio: m.Audio || o.Audio}
}

// Options describe what a negotiation carries: Local is what this side
// sends, Remote what it wants to receive. The zero value is data only.
type Options struct {
	Local  MediaOptions `json:"local" yaml:"local"`
	Remote MediaOptions `json:"remote" yaml:"remote"`
}

// Merge returns the union of o and other.
func (o Options) Merge(other Options) Options {
	return Options{Local: o.Local.merge(other.Local), Remote: o.Remote.merge(other.Remote)}
}

// Mirror returns the options as the remote side sees them: what one side
// sends is what the other receives.
func (o Options) Mirror() Options {
	return Options{Local: o.Remote, Remote: o.Local}
}

func (o Options) wire() *protocol.StreamOptions {
	return &protocol.StreamOptions{
		Local:  protocol.Media{Video: o.Local.Video, Audio: o.Local.Audio},
		Remote: protocol.Media{Video: o.Remote.Video, Audio: o.Remote.Audio},
	}
}

// remoteOptions reads the options a remote sent and mirrors them to this
// side. A message without options asks for nothing.
func remoteOptions(msg protocol.Message) Options {
	if msg.Options == nil {
		return Options{}
	}
	return Options{
		Local:  MediaOptions{Video: msg.Options.Local.Video, Audio: msg.Options.Local.Audio},
		Remote: MediaOptions{Video: msg.Options.Remote.Video, Audio: msg.Options.Remote.Audio},
	}.Mirror()
}

// Negotiation is the connection state shared with one remote peer.
type Negotiation struct {
	RemoteID  string
	SessionID string
	Role      role.Role

	conn pswebrtc.Conn

	// closed and channelOpen are read by Send from any goroutine.
	closed      atomic.Bool
	channelOpen atomic.Bool

	mu      sync.Mutex
	state   State
	options Options
	cycles  int

	// Owned by the Negotiator goroutine.
	pending          bool
	channelRequested bool
	channelAnnounced bool
	attached         map[string]bool
	sending          map[webrtc.RTPCodecType]bool
	receivers        map[webrtc.RTPCodecType]bool
	remoteStreams    map[string]*media.RemoteStream

	// A cycle started by the connection that left the negotiation as it
	// was makes the connection's next request a no-op.
	fromTrigger bool
	idle        bool
	settledAs   string

	trigger func()
}

// State returns the current signaling state.
func (n *Negotiation) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Options returns the options the negotiation currently carries.
func (n *Negotiation) Options() Options {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.options
}

// Cycles returns how many offer/answer exchanges completed.
func (n *Negotiation) Cycles() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cycles
}

// Conn returns the connection handle.
func (n *Negotiation) Conn() pswebrtc.Conn {
	return n.conn
}

// ChannelOpen reports whether the data channel is open.
func (n *Negotiation) ChannelOpen() bool {
	return n.channelOpen.Load()
}

// Closed reports whether the negotiation was torn down.
func (n *Negotiation) Closed() bool {
	return n.closed.Load()
}

// NegotiationNeeded signals that the connection changed. It is safe to call
// from any goroutine and returns immediately: the trigger is handled later
// on the owner's goroutine, where it is acted on only if the negotiation is
// stable by then.
func (n *Negotiation) NegotiationNeeded() {
	if n.closed.Load() || n.trigger == nil {
		return
	}
	n.trigger()
}

func (n *Negotiation) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

func (n *Negotiation) completeCycle() {
	n.mu.Lock()
	n.state = StateStable
	n.cycles++
	n.mu.Unlock()
}

// mergeOptions widens the options and reports whether they changed.
func (n *Negotiation) mergeOptions(o Options) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	merged := n.options.Merge(o)
	changed := merged != n.options
	n.options = merged
	return changed
}
