package stream

import (
	"fmt"

	"github.com/dudexyz/peerstream/pkg/events"
	"github.com/dudexyz/peerstream/pkg/protocol"
)

// SendChannel writes msg to the data channel of the negotiation with msg.To.
// It reports false when there is no open channel to that peer, in which
// case nothing was sent. Safe for concurrent use.
func (n *Negotiator) SendChannel(msg protocol.Message) (bool, error) {
	neg := n.Lookup(msg.To)
	if neg == nil || neg.Closed() || !neg.ChannelOpen() {
		return false, nil
	}

	frame, err := protocol.EncodeFrame(msg)
	if err != nil {
		return true, err
	}
	if err := neg.conn.Send(frame); err != nil {
		return true, fmt.Errorf("send to %q: %w", msg.To, err)
	}
	return true, nil
}

// channelOpened announces the channel the first time it opens.
func (n *Negotiator) channelOpened(neg *Negotiation) {
	if neg.Closed() || neg.channelAnnounced {
		return
	}
	neg.channelAnnounced = true
	neg.channelOpen.Store(true)

	n.logger.Info("channel connected", "remote", neg.RemoteID)
	n.bus.Emit(events.Event{
		Kind:    events.ChannelConnect,
		Message: protocol.Message{Type: string(events.ChannelConnect), From: neg.RemoteID, To: n.localID},
	})
}

// channelMessage emits a received frame. The sender is the channel's remote
// whatever the frame says.
func (n *Negotiator) channelMessage(neg *Negotiation, data []byte) {
	if neg.Closed() {
		return
	}

	msg, err := protocol.DecodeFrame(data)
	if err != nil {
		n.logger.Warn("invalid channel frame", "remote", neg.RemoteID, "error", err)
		return
	}
	msg.From = neg.RemoteID

	n.bus.Emit(events.Event{Kind: events.ChannelMessage, Message: msg})
}
