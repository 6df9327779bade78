// Package media acquires local media and describes the streams that travel
// through a negotiation.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
)

// ErrNoTracks is returned when a source is asked for neither video nor audio
// or could not open any track.
var ErrNoTracks = errors.New("media: no tracks")

// Constraints selects the kinds of track a Source should capture.
type Constraints struct {
	Video bool
	Audio bool
}

// Source captures local media.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is a set of local tracks sharing one stream id.
type Stream struct {
	ID string

	tracks  []webrtc.TrackLocal
	release func()
	once    sync.Once
}

// NewStream wraps tracks; release, if not nil, runs once on Close.
func NewStream(id string, tracks []webrtc.TrackLocal, release func()) *Stream {
	return &Stream{ID: id, tracks: tracks, release: release}
}

// Tracks returns every track of the stream.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// TracksOf returns the tracks of the given kind.
func (s *Stream) TracksOf(kind webrtc.RTPCodecType) []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Close stops capture. Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// RemoteTrack is the receiving end of a track. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream collects the remote tracks announced under one stream id.
type RemoteStream struct {
	ID string

	mu     sync.Mutex
	tracks []RemoteTrack
}

// NewRemoteStream starts a remote stream with its first track.
func NewRemoteStream(first RemoteTrack) *RemoteStream {
	return &RemoteStream{ID: first.StreamID(), tracks: []RemoteTrack{first}}
}

// AddTrack records another track of the stream.
func (r *RemoteStream) AddTrack(t RemoteTrack) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

// Tracks returns a copy of the tracks received so far.
func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}
