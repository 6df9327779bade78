package peer

import (
	"log/slog"

	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/protocol"
	"github.com/dudexyz/peerstream/pkg/stream"
	pswebrtc "github.com/dudexyz/peerstream/pkg/webrtc"
)

// StreamHook handles one inbound signaling message. The default hook hands
// it to the negotiator.
type StreamHook func(msg protocol.Message)

// Option configures a Peer.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	newConn     pswebrtc.Factory
	source      media.Source
	constraints media.Constraints
	defaults    stream.Options
	hooks       []func(next StreamHook) StreamHook
}

func defaultOptions() options {
	return options{
		logger:      slog.Default(),
		constraints: media.Constraints{Video: true, Audio: true},
	}
}

// WithLogger sets the logger. The peer id is added to every record.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConnFactory replaces the pion connection factory.
func WithConnFactory(f pswebrtc.Factory) Option {
	return func(o *options) { o.newConn = f }
}

// WithMediaSource sets the source AddMedia acquires from.
func WithMediaSource(s media.Source) Option {
	return func(o *options) { o.source = s }
}

// WithMediaConstraints sets what AddMedia asks the source for. The default
// is video and audio.
func WithMediaConstraints(c media.Constraints) Option {
	return func(o *options) { o.constraints = c }
}

// WithDefaultOptions sets the options of negotiations the remote side opens.
func WithDefaultOptions(opts stream.Options) Option {
	return func(o *options) { o.defaults = opts }
}

// WithStreamHook wraps the stream hook. wrap receives the hook it replaces
// and usually calls it. Hooks given first run first.
func WithStreamHook(wrap func(next StreamHook) StreamHook) Option {
	return func(o *options) { o.hooks = append(o.hooks, wrap) }
}
