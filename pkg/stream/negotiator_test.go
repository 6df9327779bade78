package stream

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudexyz/peerstream/pkg/events"
	"github.com/dudexyz/peerstream/pkg/protocol"
	"github.com/dudexyz/peerstream/pkg/role"
	"github.com/dudexyz/peerstream/pkg/signaling"
	pswebrtc "github.com/dudexyz/peerstream/pkg/webrtc"
	"github.com/dudexyz/peerstream/testutil"
)

func TestStream_MasterOffers(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	neg, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	assert.Equal(t, role.Master, neg.Role)
	assert.Equal(t, StateOffering, neg.State())
	assert.NotEmpty(t, neg.SessionID)

	h.pump()

	require.Equal(t, 1, a.count(events.StreamOffer))
	offer := a.last(events.StreamOffer).Message
	assert.Equal(t, "B", offer.From)
	assert.Equal(t, "A", offer.To)
	require.NotNil(t, offer.Data)
	assert.Equal(t, protocol.SDPTypeOffer, offer.Data.Type)
	assert.NotEmpty(t, offer.Data.SDP)

	require.Equal(t, 1, b.count(events.StreamAnswer))
	answer := b.last(events.StreamAnswer).Message
	require.NotNil(t, answer.Data)
	assert.Equal(t, protocol.SDPTypeAnswer, answer.Data.Type)
	assert.NotEmpty(t, answer.Data.SDP)

	assert.Equal(t, 0, b.count(events.StreamOffer))
	assert.Equal(t, 0, b.count(events.StreamMakeOffer))
	assert.Equal(t, StateStable, neg.State())
	assert.Equal(t, 1, neg.Cycles())

	remote := a.neg.Lookup("B")
	require.NotNil(t, remote)
	assert.Equal(t, role.Slave, remote.Role)
	assert.Equal(t, StateStable, remote.State())
}

func TestStream_SlaveAsksForOffer(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	neg, err := a.neg.Stream("B", Options{})
	require.NoError(t, err)
	assert.Equal(t, role.Slave, neg.Role)
	assert.Equal(t, StateAwaitingOffer, neg.State())

	h.pump()

	assert.Equal(t, 1, b.count(events.StreamMakeOffer))
	assert.Equal(t, 0, b.count(events.StreamOffer), "a slave never offers")
	require.Equal(t, 1, a.count(events.StreamOffer))
	assert.Equal(t, protocol.SDPTypeOffer, a.last(events.StreamOffer).Message.Data.Type)

	assert.Equal(t, 0, h.fakeConn("A", "B").Offers())
	assert.Equal(t, StateStable, neg.State())
	assert.Equal(t, StateStable, b.neg.Lookup("A").State())
}

func TestStream_OfferEmitsChange(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	_, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	h.pump()

	require.Equal(t, 1, a.count(events.StreamChange))
	change := a.last(events.StreamChange).Message
	assert.Equal(t, protocol.TypeStreamChange, change.Type)
	assert.Equal(t, "B", change.From)
	assert.Equal(t, "A", change.To)
	assert.Equal(t, 0, b.count(events.StreamChange))
}

func TestStream_RenegotiationFromSlave(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	_, err := a.neg.Stream("B", Options{})
	require.NoError(t, err)
	h.pump()
	require.Equal(t, 1, b.count(events.StreamMakeOffer))
	require.Equal(t, 1, a.count(events.StreamOffer))

	slave := a.neg.Lookup("B")
	slave.NegotiationNeeded()
	h.pump()

	assert.Equal(t, 2, b.count(events.StreamMakeOffer), "exactly one more makeoffer")
	assert.Equal(t, 2, a.count(events.StreamOffer), "exactly one more offer")
	assert.Equal(t, 0, b.count(events.StreamOffer))
	assert.Equal(t, 2, slave.Cycles())
	assert.Equal(t, 2, b.neg.Lookup("A").Cycles())
	assert.Equal(t, 1, h.net.ConnCount("A", "B"), "renegotiation reuses the connection")
}

func TestStream_RenegotiationFromConnection(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	_, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	h.pump()

	// Master side: the connection asks, the master offers again.
	h.fakeConn("B", "A").TriggerNegotiationNeeded()
	h.pump()
	assert.Equal(t, 2, a.count(events.StreamOffer))
	assert.Equal(t, 0, b.count(events.StreamMakeOffer))

	// Slave side: the connection asks, the slave requests an offer.
	h.fakeConn("A", "B").TriggerNegotiationNeeded()
	h.pump()
	assert.Equal(t, 1, b.count(events.StreamMakeOffer))
	assert.Equal(t, 3, a.count(events.StreamOffer))
	assert.Equal(t, 0, b.count(events.StreamOffer))
}

func TestStream_NegotiationNeededIgnoredWhileInFlight(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	neg, err := a.neg.Stream("B", Options{})
	require.NoError(t, err)
	neg.NegotiationNeeded()
	h.pump()

	assert.Equal(t, 1, b.count(events.StreamMakeOffer))
	assert.Equal(t, 1, a.count(events.StreamOffer))
	assert.Equal(t, StateStable, neg.State())
}

func TestStream_Idempotent(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	first, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	h.pump()

	second, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	h.pump()

	assert.Same(t, first, second)
	assert.Len(t, b.neg.Streams(), 1)
	assert.Len(t, a.neg.Streams(), 1)
	assert.Equal(t, 1, h.net.ConnCount("B", "A"))
	assert.Equal(t, 1, h.net.ConnCount("A", "B"))
	assert.Equal(t, 2, first.Cycles())
	assert.Equal(t, 1, b.count(events.ChannelConnect), "the channel is not reopened")
}

func TestStream_CoalescesWhileInFlight(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	_, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	_, err = b.neg.Stream("A", Options{})
	require.NoError(t, err)
	h.pump()

	assert.Equal(t, 1, a.count(events.StreamOffer))
	assert.Equal(t, 1, h.fakeConn("B", "A").Offers())
}

func TestStream_PendingWhenOptionsChange(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	neg, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	_, err = b.neg.Stream("A", Options{Remote: MediaOptions{Video: true}})
	require.NoError(t, err)
	h.pump()

	assert.Equal(t, 2, a.count(events.StreamOffer), "the widened options need a second cycle")
	assert.Equal(t, 2, neg.Cycles())
	assert.Equal(t, Options{Remote: MediaOptions{Video: true}}, neg.Options())
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}, h.fakeConn("B", "A").Receivers())
}

func TestStream_Glare(t *testing.T) {
	h := newHarness(t)
	h.add("A", Options{})
	b := h.add("B", Options{})

	neg, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	require.Equal(t, StateOffering, neg.State())

	// A misbehaving slave offers at the same time.
	rogue, err := h.net.Factory("A")("B")
	require.NoError(t, err)
	require.NoError(t, rogue.OpenChannel(pswebrtc.ChannelLabel))
	desc, err := rogue.CreateOffer(t.Context())
	require.NoError(t, err)
	b.neg.Handle(protocol.Message{Type: protocol.TypeStreamOffer, From: "A", To: "B", Data: &desc})

	assert.Equal(t, 0, h.fakeConn("B", "A").Answers(), "the offering side ignores the incoming offer")
	assert.Equal(t, StateOffering, neg.State())

	h.pump()
	assert.Equal(t, StateStable, neg.State())
}

func TestStream_UnreachableRemote(t *testing.T) {
	h := newHarness(t)
	b := h.add("B", Options{})

	neg, err := b.neg.Stream("Z", Options{})
	require.NoError(t, err)
	h.pump()

	// B < Z, so B is the slave and waits forever.
	assert.Equal(t, StateAwaitingOffer, neg.State())
	assert.Len(t, b.neg.Streams(), 1)
}

func TestStream_InvalidRemote(t *testing.T) {
	h := newHarness(t)
	b := h.add("B", Options{})

	_, err := b.neg.Stream("B", Options{})
	assert.ErrorIs(t, err, ErrInvalidRemote)
	_, err = b.neg.Stream("", Options{})
	assert.ErrorIs(t, err, ErrInvalidRemote)
	assert.Empty(t, b.neg.Streams())
}

func TestStream_ConnectionFactoryError(t *testing.T) {
	dir := signaling.NewDirectory(nil)
	transport, err := dir.Attach("B", &node{})
	require.NoError(t, err)

	boom := errors.New("boom")
	neg, err := NewNegotiator(Config{
		LocalID:   "B",
		Transport: transport,
		NewConn:   func(string) (pswebrtc.Conn, error) { return nil, boom },
		Bus:       events.NewBus(),
		Schedule:  func(fn func()) { fn() },
	})
	require.NoError(t, err)

	_, err = neg.Stream("A", Options{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, neg.Streams())
}

func TestNewNegotiator_Validation(t *testing.T) {
	_, err := NewNegotiator(Config{})
	assert.Error(t, err)

	_, err = NewNegotiator(Config{LocalID: "A"})
	assert.Error(t, err)
}

func TestHandle_StreamConnectUsesDefaults(t *testing.T) {
	h := newHarness(t)
	defaults := Options{Remote: MediaOptions{Audio: true}}
	a := h.add("A", Options{})
	b := h.add("B", defaults)

	b.Deliver(protocol.Message{Type: protocol.TypeStreamConnect, From: "A", To: "B"})
	h.pump()

	neg := b.neg.Lookup("A")
	require.NotNil(t, neg)
	assert.Equal(t, defaults, neg.Options())
	assert.Equal(t, 1, a.count(events.StreamOffer))
	assert.Equal(t, StateStable, neg.State())
}

func TestHandle_StreamChangeIsNotification(t *testing.T) {
	h := newHarness(t)
	b := h.add("B", Options{})

	b.Deliver(protocol.Message{Type: protocol.TypeStreamChange, From: "A", To: "B"})
	h.pump()

	assert.Empty(t, b.neg.Streams())
	assert.Equal(t, 1, b.count(events.StreamChange))
}

func TestHandle_MakeOfferOnSlaveIgnored(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	a.Deliver(protocol.Message{Type: protocol.TypeStreamMakeOffer, From: "B", To: "A"})
	h.pump()

	assert.Empty(t, a.neg.Streams())
	assert.Equal(t, 0, b.count(events.StreamOffer))
}

func TestHandle_StaleAnswerIgnored(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	_, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	h.pump()

	stale := b.last(events.StreamAnswer).Message
	b.Deliver(stale)
	h.pump()

	neg := b.neg.Lookup("A")
	require.NotNil(t, neg)
	assert.Equal(t, StateStable, neg.State())
	assert.Equal(t, 1, neg.Cycles())
	assert.Equal(t, 1, a.count(events.StreamOffer))
}

func TestHandle_BadOfferTearsDown(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})

	msg := protocol.NewOffer("A", "v=0\r\ns=unknown\r\n")
	msg.From = "B"
	a.Deliver(msg)
	h.pump()

	assert.Empty(t, a.neg.Streams())
	require.Equal(t, 1, a.count(events.StreamClose))
	assert.Contains(t, a.last(events.StreamClose).Message.Text, "set remote offer")
}

func TestHandle_IgnoresMissingSender(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})

	a.neg.Handle(protocol.Message{Type: protocol.TypeStreamConnect, To: "A"})
	assert.Empty(t, a.neg.Streams())
}

func TestHangup(t *testing.T) {
	h := newHarness(t)
	h.add("A", Options{})
	b := h.add("B", Options{})

	neg, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	h.pump()
	conn := h.fakeConn("B", "A")

	require.NoError(t, b.neg.Hangup("A"))
	assert.True(t, neg.Closed())
	assert.Equal(t, StateClosed, neg.State())
	assert.False(t, neg.ChannelOpen())
	assert.True(t, conn.Closed())
	assert.Nil(t, b.neg.Lookup("A"))

	require.Equal(t, 1, b.count(events.StreamClose))
	closeMsg := b.last(events.StreamClose).Message
	assert.Equal(t, "A", closeMsg.From)
	assert.Equal(t, "B", closeMsg.To)

	// Late callbacks from the closed connection are ignored.
	conn.SimulateChannelOpen()
	conn.SimulateMessage([]byte("late"))
	conn.SimulateState(webrtc.PeerConnectionStateFailed)
	conn.TriggerNegotiationNeeded()
	neg.NegotiationNeeded()
	h.pump()

	assert.Equal(t, 1, b.count(events.StreamClose))
	assert.Equal(t, 1, b.count(events.ChannelConnect))
	assert.Equal(t, 0, b.count(events.ChannelMessage))
	assert.Equal(t, 0, b.count(events.StreamMakeOffer))

	assert.ErrorIs(t, b.neg.Hangup("A"), ErrUnknownRemote)
}

func TestConnectionFailureTearsDown(t *testing.T) {
	h := newHarness(t)
	h.add("A", Options{})
	b := h.add("B", Options{})

	_, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	h.pump()

	h.fakeConn("B", "A").SimulateState(webrtc.PeerConnectionStateDisconnected)
	h.pump()
	assert.Len(t, b.neg.Streams(), 1, "disconnected may recover")

	h.fakeConn("B", "A").SimulateState(webrtc.PeerConnectionStateFailed)
	h.pump()
	assert.Empty(t, b.neg.Streams())
	assert.Equal(t, 1, b.count(events.StreamClose))

	// A new stream creates a fresh negotiation.
	neg, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	h.pump()
	assert.Equal(t, 2, h.net.ConnCount("B", "A"))
	assert.Equal(t, StateStable, neg.State())
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.add("A", Options{})
	b := h.add("B", Options{})
	h.add("C", Options{})

	_, err := b.neg.Stream("A", Options{})
	require.NoError(t, err)
	_, err = b.neg.Stream("C", Options{})
	require.NoError(t, err)
	h.pump()

	b.neg.Close()
	b.neg.Close()

	assert.Empty(t, b.neg.Streams())
	assert.Equal(t, 2, b.count(events.StreamClose))

	_, err = b.neg.Stream("A", Options{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOptions_Merge(t *testing.T) {
	a := Options{Local: MediaOptions{Video: true}}
	b := Options{Remote: MediaOptions{Audio: true}}

	assert.Equal(t, Options{Local: MediaOptions{Video: true}, Remote: MediaOptions{Audio: true}}, a.Merge(b))
	assert.False(t, Options{}.Local.Any())
	assert.True(t, a.Local.Any())
}

var _ pswebrtc.Conn = (*testutil.FakeConn)(nil)

func TestHandle_MakeOfferCarriesOptions(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	_, err := a.neg.Stream("B", Options{Local: MediaOptions{Audio: true}, Remote: MediaOptions{Video: true}})
	require.NoError(t, err)
	h.pump()

	require.Equal(t, 1, b.count(events.StreamMakeOffer))
	msg := b.last(events.StreamMakeOffer).Message
	require.NotNil(t, msg.Options)
	assert.Equal(t, protocol.Media{Audio: true}, msg.Options.Local)
	assert.Equal(t, protocol.Media{Video: true}, msg.Options.Remote)

	assert.Equal(t, Options{Local: MediaOptions{Video: true}, Remote: MediaOptions{Audio: true}}, b.neg.Lookup("A").Options())
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}, h.fakeConn("B", "A").Receivers())
}

func TestHandle_StreamConnectMergesSenderOptions(t *testing.T) {
	h := newHarness(t)
	h.add("A", Options{})
	b := h.add("B", Options{Remote: MediaOptions{Audio: true}})

	b.Deliver(protocol.Message{
		Type:    protocol.TypeStreamConnect,
		From:    "A",
		To:      "B",
		Options: &protocol.StreamOptions{Local: protocol.Media{Video: true}},
	})
	h.pump()

	neg := b.neg.Lookup("A")
	require.NotNil(t, neg)
	assert.Equal(t, Options{Remote: MediaOptions{Video: true, Audio: true}}, neg.Options())
}

func TestStream_NegotiationNeededWithoutChangeStops(t *testing.T) {
	h := newHarness(t)
	a := h.add("A", Options{})
	b := h.add("B", Options{})

	slave, err := a.neg.Stream("B", Options{})
	require.NoError(t, err)
	h.pump()
	conn := h.fakeConn("A", "B")

	conn.TriggerNegotiationNeeded()
	h.pump()
	assert.Equal(t, 2, b.count(events.StreamMakeOffer))

	// The previous request changed nothing.
	conn.TriggerNegotiationNeeded()
	h.pump()
	assert.Equal(t, 2, b.count(events.StreamMakeOffer))
	assert.Equal(t, 2, slave.Cycles())

	// A real change re-arms it.
	_, err = a.neg.Stream("B", Options{Remote: MediaOptions{Video: true}})
	require.NoError(t, err)
	h.pump()
	assert.Equal(t, 3, b.count(events.StreamMakeOffer))

	conn.TriggerNegotiationNeeded()
	h.pump()
	assert.Equal(t, 4, b.count(events.StreamMakeOffer))
}

func TestOptions_Mirror(t *testing.T) {
	o := Options{Local: MediaOptions{Video: true}, Remote: MediaOptions{Audio: true}}
	assert.Equal(t, Options{Local: MediaOptions{Audio: true}, Remote: MediaOptions{Video: true}}, o.Mirror())
	assert.Equal(t, o, o.Mirror().Mirror())
}
