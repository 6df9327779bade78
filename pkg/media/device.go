package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"
)

// DeviceSource captures camera and microphone through pion/mediadevices.
// Drivers and encoders are linked in by the binary: import the driver
// packages for side effects and pass a codec selector built from the
// encoders it wants.
type DeviceSource struct {
	Codecs *mediadevices.CodecSelector

	// MaxWidth and MaxHeight cap the capture resolution, 0 means 640x480.
	MaxWidth  int
	MaxHeight int

	Logger *slog.Logger
}

type captureAttempt struct {
	video bool
	audio bool
	label string
}

// Acquire opens the requested devices. When both kinds are requested and
// one of them cannot be opened, the other is still returned alone.
func (d *DeviceSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Video && !c.Audio {
		return nil, ErrNoTracks
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		logger.Warn("no media devices found")
	}
	for _, dev := range devices {
		logger.Debug("media device", "kind", dev.Kind, "label", dev.Label)
	}

	var attempts []captureAttempt
	switch {
	case c.Video && c.Audio:
		attempts = []captureAttempt{{true, true, "video+audio"}, {true, false, "video-only"}, {false, true, "audio-only"}}
	case c.Video:
		attempts = []captureAttempt{{true, false, "video-only"}}
	default:
		attempts = []captureAttempt{{false, true, "audio-only"}}
	}

	var errs []error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stream, err := mediadevices.GetUserMedia(d.constraints(a))
		if err != nil {
			logger.Warn("GetUserMedia failed", "attempt", a.label, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}

		captured := stream.GetTracks()
		if len(captured) == 0 {
			errs = append(errs, fmt.Errorf("%s: %w", a.label, ErrNoTracks))
			continue
		}

		tracks := make([]webrtc.TrackLocal, 0, len(captured))
		for _, t := range captured {
			t.OnEnded(func(err error) {
				if err != nil {
					logger.Warn("local track ended", "track", t.ID(), "error", err)
				}
			})
			tracks = append(tracks, t)
		}

		logger.Info("local media captured", "attempt", a.label, "tracks", len(tracks))
		return NewStream(tracks[0].StreamID(), tracks, func() {
			for _, t := range captured {
				t.Close()
			}
		}), nil
	}

	return nil, fmt.Errorf("capture media: %w", errors.Join(errs...))
}

func (d *DeviceSource) constraints(a captureAttempt) mediadevices.MediaStreamConstraints {
	maxW, maxH := d.MaxWidth, d.MaxHeight
	if maxW <= 0 || maxH <= 0 {
		maxW, maxH = 640, 480
	}

	c := mediadevices.MediaStreamConstraints{Codec: d.Codecs}
	if a.video {
		c.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.IntRanged{Max: maxW}
			mc.Height = prop.IntRanged{Max: maxH}
		}
	}
	if a.audio {
		c.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	return c
}
