package stream

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/dudexyz/peerstream/pkg/events"
	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/protocol"
	"github.com/dudexyz/peerstream/pkg/signaling"
	"github.com/dudexyz/peerstream/testutil"
)

// harness runs several negotiators on the test goroutine. Work scheduled
// by a node is queued and only runs when pump is called, so every test
// controls exactly how far the exchange goes.
type harness struct {
	t     *testing.T
	net   *testutil.FakeNetwork
	dir   *signaling.Directory
	nodes []*node
}

type node struct {
	id    string
	h     *harness
	bus   *events.Bus
	neg   *Negotiator
	local *media.Stream
	queue []func()

	// received counts every event emitted on the bus, by kind.
	received map[events.Kind][]events.Event
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:   t,
		net: testutil.NewFakeNetwork(),
		dir: signaling.NewDirectory(nil),
	}
}

func (h *harness) add(id string, defaults Options) *node {
	h.t.Helper()

	nd := &node{
		id:       id,
		h:        h,
		bus:      events.NewBus(),
		received: make(map[events.Kind][]events.Event),
	}
	transport, err := h.dir.Attach(id, nd)
	require.NoError(h.t, err)

	nd.neg, err = NewNegotiator(Config{
		LocalID:    id,
		Transport:  transport,
		NewConn:    h.net.Factory(id),
		Bus:        nd.bus,
		Schedule:   nd.schedule,
		LocalMedia: func() *media.Stream { return nd.local },
		Defaults:   defaults,
	})
	require.NoError(h.t, err)

	for _, kind := range []events.Kind{
		events.StreamConnect, events.StreamChange, events.StreamOffer, events.StreamMakeOffer,
		events.StreamAnswer, events.StreamClose, events.ChannelConnect, events.ChannelMessage,
		events.MediaConnect,
	} {
		kind := kind
		nd.bus.On(kind, func(ev events.Event) {
			nd.received[kind] = append(nd.received[kind], ev)
		})
	}

	h.nodes = append(h.nodes, nd)
	h.t.Cleanup(nd.neg.Close)
	return nd
}

func (nd *node) schedule(fn func()) {
	nd.queue = append(nd.queue, fn)
}

// Deliver mirrors what a peer does with inbound signaling: the negotiator
// handles it, then it is emitted on the bus.
func (nd *node) Deliver(msg protocol.Message) {
	nd.schedule(func() {
		nd.neg.Handle(msg)
		nd.bus.Emit(events.Event{Kind: events.Kind(msg.Type), Message: msg})
	})
}

func (nd *node) count(kind events.Kind) int {
	return len(nd.received[kind])
}

func (nd *node) last(kind events.Kind) events.Event {
	evs := nd.received[kind]
	require.NotEmpty(nd.h.t, evs, "no %s event on %s", kind, nd.id)
	return evs[len(evs)-1]
}

// runOne runs the next queued item of nd and reports whether there was one.
func (nd *node) runOne() bool {
	if len(nd.queue) == 0 {
		return false
	}
	fn := nd.queue[0]
	nd.queue = nd.queue[1:]
	fn()
	return true
}

// pump runs queued work round robin until every queue is empty.
func (h *harness) pump() {
	h.t.Helper()
	for rounds := 0; ; rounds++ {
		require.Less(h.t, rounds, 10000, "negotiation did not settle")
		progressed := false
		for _, nd := range h.nodes {
			if nd.runOne() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (h *harness) fakeConn(local, remote string) *testutil.FakeConn {
	h.t.Helper()
	c := h.net.Conn(local, remote)
	require.NotNil(h.t, c, "no connection from %s to %s", local, remote)
	return c
}

// localStream builds a stream of static sample tracks without feeding them.
func localStream(t *testing.T, id string, video, audio bool) *media.Stream {
	t.Helper()
	var tracks []webrtc.TrackLocal
	if video {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
		require.NoError(t, err)
		tracks = append(tracks, track)
	}
	if audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
		require.NoError(t, err)
		tracks = append(tracks, track)
	}
	return media.NewStream(id, tracks, nil)
}
