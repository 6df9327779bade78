package webrtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/protocol"
)

func newTestConn(t *testing.T) *RealConn {
	t.Helper()
	conn, err := NewRealConn(Config{GatherTimeout: 5 * time.Second})
	require.NoError(t, err)
	require.NotNil(t, conn.pc)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRealConn_CreateOffer(t *testing.T) {
	conn := newTestConn(t)
	require.NoError(t, conn.OpenChannel(ChannelLabel))

	offer, err := conn.CreateOffer(context.Background())
	require.NoError(t, err)

	assert.Equal(t, protocol.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "v=0")
	assert.Contains(t, offer.SDP, "m=application")
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, conn.SignalingState())
}

func TestRealConn_OfferAnswer(t *testing.T) {
	offerer := newTestConn(t)
	answerer := newTestConn(t)
	ctx := context.Background()

	require.NoError(t, offerer.OpenChannel(ChannelLabel))
	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)

	require.NoError(t, answerer.SetRemoteOffer(offer))
	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.SDPTypeAnswer, answer.Type)
	assert.NotEmpty(t, answer.SDP)

	require.NoError(t, offerer.SetRemoteAnswer(answer))
	assert.Equal(t, webrtc.SignalingStateStable, offerer.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, answerer.SignalingState())
}

func TestRealConn_TracksAndReceivers(t *testing.T) {
	conn := newTestConn(t)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "stream-1")
	require.NoError(t, err)

	require.NoError(t, conn.AddTrack(track))
	require.NoError(t, conn.AddReceiver(webrtc.RTPCodecTypeAudio))

	offer, err := conn.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "a=recvonly")
}

func TestRealConn_WrongDescriptionType(t *testing.T) {
	offerer := newTestConn(t)
	other := newTestConn(t)

	require.NoError(t, offerer.OpenChannel(ChannelLabel))
	offer, err := offerer.CreateOffer(context.Background())
	require.NoError(t, err)

	err = other.SetRemoteAnswer(offer)
	assert.ErrorIs(t, err, ErrInvalidDescription)

	err = other.SetRemoteOffer(protocol.Description{Type: protocol.SDPTypeAnswer, SDP: offer.SDP})
	assert.ErrorIs(t, err, ErrInvalidDescription)
}

func TestRealConn_CanceledContext(t *testing.T) {
	conn, err := NewRealConn(Config{GatherTimeout: time.Minute})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.OpenChannel(ChannelLabel))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Gathering may already be done, in which case the offer is returned.
	_, err = conn.CreateOffer(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestRealConn_SendBeforeConnection(t *testing.T) {
	conn := newTestConn(t)

	err := conn.Send([]byte("test message"))
	assert.ErrorIs(t, err, ErrChannelNotOpen)

	require.NoError(t, conn.OpenChannel(ChannelLabel))
	err = conn.Send([]byte("test message"))
	assert.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestRealConn_OpenChannelTwice(t *testing.T) {
	conn := newTestConn(t)

	require.NoError(t, conn.OpenChannel(ChannelLabel))
	first := conn.dataChannel
	require.NoError(t, conn.OpenChannel(ChannelLabel))
	assert.Same(t, first, conn.dataChannel)
}

func TestRealConn_Close(t *testing.T) {
	conn, err := NewRealConn(Config{})
	require.NoError(t, err)

	require.NoError(t, conn.OpenChannel(ChannelLabel))
	_, err = conn.CreateOffer(context.Background())
	require.NoError(t, err)

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}

func TestToSessionDescription(t *testing.T) {
	tests := []struct {
		name    string
		input   protocol.Description
		want    webrtc.SDPType
		wantErr bool
	}{
		{
			name:  "valid offer",
			input: protocol.Description{Type: "offer", SDP: "v=0\r\no=- 123 456 IN IP4 0.0.0.0\r\n"},
			want:  webrtc.SDPTypeOffer,
		},
		{
			name:  "valid answer",
			input: protocol.Description{Type: "answer", SDP: "v=0\r\no=- 123 456 IN IP4 0.0.0.0\r\n"},
			want:  webrtc.SDPTypeAnswer,
		},
		{
			name:    "missing type",
			input:   protocol.Description{SDP: "v=0\r\n"},
			wantErr: true,
		},
		{
			name:    "missing sdp",
			input:   protocol.Description{Type: "offer"},
			wantErr: true,
		},
		{
			name:    "invalid type",
			input:   protocol.Description{Type: "pranswer", SDP: "v=0\r\n"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := toSessionDescription(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDescription)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, desc.Type)
			assert.Equal(t, tt.input.SDP, desc.SDP)
		})
	}
}

func TestRealConn_CallbackThreadSafety(t *testing.T) {
	conn := newTestConn(t)

	done := make(chan bool, 2)

	go func() {
		for i := 0; i < 100; i++ {
			conn.OnMessage(func([]byte) {})
			conn.OnTrack(func(media.RemoteTrack) {})
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 100; i++ {
			conn.OnStateChange(func(webrtc.PeerConnectionState) {})
			conn.OnChannelOpen(func() {})
			conn.OnNegotiationNeeded(func() {})
		}
		done <- true
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Test timed out - possible deadlock")
		}
	}

	conn.mu.RLock()
	assert.NotNil(t, conn.onMessage)
	assert.NotNil(t, conn.onTrack)
	assert.NotNil(t, conn.onStateChange)
	assert.NotNil(t, conn.onChannelOpen)
	assert.NotNil(t, conn.onNegotiationNeeded)
	conn.mu.RUnlock()
}

func TestRealConn_InterfaceCompliance(t *testing.T) {
	var conn Conn
	realConn := newTestConn(t)
	conn = realConn

	require.NoError(t, conn.OpenChannel(ChannelLabel))
	_, err := conn.CreateOffer(context.Background())
	assert.NoError(t, err)

	err = conn.SetRemoteAnswer(protocol.Description{Type: "answer", SDP: "invalid"})
	assert.Error(t, err)

	assert.Error(t, conn.Send([]byte("test")))
	assert.NoError(t, conn.Close())
}

func TestNewFactory(t *testing.T) {
	factory := NewFactory(Config{})
	conn, err := factory("B")
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.NoError(t, conn.Close())
}
