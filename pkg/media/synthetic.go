package media

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

const defaultSampleInterval = 33 * time.Millisecond

// Placeholder payloads. Receivers only need packets to flow; nothing decodes
// them.
var (
	vp8Placeholder  = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x01, 0x00, 0x01, 0x00}
	opusPlaceholder = []byte{0xf8, 0xff, 0xfe}
)

// SyntheticSource produces VP8 and Opus tracks fed with placeholder samples.
// It needs no capture hardware.
type SyntheticSource struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Acquire starts the requested tracks. Samples flow until the stream is
// closed.
func (s *SyntheticSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Video && !c.Audio {
		return nil, ErrNoTracks
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	interval := s.Interval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	streamID := "synthetic-" + uuid.NewString()

	type feed struct {
		track   *webrtc.TrackLocalStaticSample
		payload []byte
	}
	var feeds []feed

	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		feeds = append(feeds, feed{track: track, payload: vp8Placeholder})
	}
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		feeds = append(feeds, feed{track: track, payload: opusPlaceholder})
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, f := range feeds {
					if err := f.track.WriteSample(pionmedia.Sample{Data: f.payload, Duration: interval}); err != nil {
						logger.Debug("synthetic sample dropped", "stream", streamID, "track", f.track.ID(), "error", err)
					}
				}
			}
		}
	}()

	tracks := make([]webrtc.TrackLocal, 0, len(feeds))
	for _, f := range feeds {
		tracks = append(tracks, f.track)
	}

	logger.Debug("synthetic media started", "stream", streamID, "tracks", len(tracks))
	return NewStream(streamID, tracks, func() { close(done) }), nil
}
