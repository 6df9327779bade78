// Package peer ties the pieces of a peer together: its event bus, its
// signaling transport, the negotiations with remote peers and its local
// media.
//
// All of a peer's work happens on one goroutine. Transport deliveries and
// connection callbacks are queued onto it, and event handlers run on it.
// A handler must therefore not call the blocking methods Stream, Hangup
// or Close; it uses StreamAsync, Send and Streams instead.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dudexyz/peerstream/pkg/events"
	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/protocol"
	"github.com/dudexyz/peerstream/pkg/signaling"
	"github.com/dudexyz/peerstream/pkg/stream"
	pswebrtc "github.com/dudexyz/peerstream/pkg/webrtc"
)

var (
	ErrClosed        = errors.New("peer: closed")
	ErrNoMediaSource = errors.New("peer: no media source configured")
)

// Peer is one participant.
type Peer struct {
	id     string
	logger *slog.Logger

	bus        *events.Bus
	transport  signaling.Transport
	negotiator *stream.Negotiator
	hook       StreamHook

	source      media.Source
	constraints media.Constraints

	loop      *loop
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mediaMu sync.RWMutex
	local   *media.Stream
}

// New creates the peer id and attaches it to a signaling medium through
// connect.
func New(id string, connect signaling.Connector, opts ...Option) (*Peer, error) {
	if id == "" {
		return nil, errors.New("peer: id cannot be empty")
	}
	if connect == nil {
		return nil, errors.New("peer: connector is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("peer", id)
	newConn := o.newConn
	if newConn == nil {
		newConn = pswebrtc.NewFactory(pswebrtc.Config{Logger: logger})
	}

	p := &Peer{
		id:          id,
		logger:      logger,
		bus:         events.NewBus(),
		source:      o.source,
		constraints: o.constraints,
		loop:        newLoop(),
	}

	negotiator, err := stream.NewNegotiator(stream.Config{
		LocalID:    id,
		Transport:  sender{p},
		NewConn:    newConn,
		Bus:        p.bus,
		Schedule:   func(fn func()) { p.loop.post(fn) },
		LocalMedia: p.LocalMedia,
		Defaults:   o.defaults,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	p.negotiator = negotiator

	hook := StreamHook(negotiator.Handle)
	for i := len(o.hooks) - 1; i >= 0; i-- {
		hook = o.hooks[i](hook)
	}
	p.hook = hook

	transport, err := connect(id, p)
	if err != nil {
		p.loop.stop()
		return nil, fmt.Errorf("attach peer %q: %w", id, err)
	}
	p.transport = transport

	// Deliveries made while connecting are queued until here.
	p.loop.start()
	return p, nil
}

// sender lets the negotiator send through the transport set after it is
// built.
type sender struct{ p *Peer }

func (s sender) Send(msg protocol.Message) error {
	return s.p.transport.Send(msg)
}

// ID returns the peer id.
func (p *Peer) ID() string {
	return p.id
}

// On registers fn for every event of kind.
func (p *Peer) On(kind events.Kind, fn events.Handler) (cancel func()) {
	return p.bus.On(kind, fn)
}

// One registers fn for the next event of kind.
func (p *Peer) One(kind events.Kind, fn events.Handler) (cancel func()) {
	return p.bus.One(kind, fn)
}

// Off removes every handler of kind.
func (p *Peer) Off(kind events.Kind) {
	p.bus.Off(kind)
}

// Streams returns a snapshot of the negotiations by remote id.
func (p *Peer) Streams() map[string]*stream.Negotiation {
	return p.negotiator.Streams()
}

// Stream opens or renegotiates the negotiation with remote and returns it
// once the first step of the cycle was taken. It does not wait for the
// cycle to complete.
func (p *Peer) Stream(ctx context.Context, remote string, opts stream.Options) (*stream.Negotiation, error) {
	var neg *stream.Negotiation
	err := p.call(ctx, func() error {
		var err error
		neg, err = p.negotiator.Stream(remote, opts)
		return err
	})
	return neg, err
}

// StreamAsync is Stream without waiting. Errors are logged.
func (p *Peer) StreamAsync(remote string, opts stream.Options) {
	p.loop.post(func() {
		if _, err := p.negotiator.Stream(remote, opts); err != nil {
			p.logger.Warn("stream failed", "remote", remote, "error", err)
		}
	})
}

// Hangup tears down the negotiation with remote.
func (p *Peer) Hangup(ctx context.Context, remote string) error {
	return p.call(ctx, func() error {
		return p.negotiator.Hangup(remote)
	})
}

// Send delivers msg to msg.To: over the data channel when one is open with
// that peer, through the signaling transport otherwise.
func (p *Peer) Send(msg protocol.Message) error {
	if p.closed.Load() {
		return ErrClosed
	}
	msg.From = p.id

	sent, err := p.negotiator.SendChannel(msg)
	if sent {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return p.transport.Send(msg)
}

// Deliver queues a message received from the transport.
func (p *Peer) Deliver(msg protocol.Message) {
	p.loop.post(func() { p.dispatch(msg) })
}

// dispatch runs the stream hook for signaling messages and then emits the
// message under its own type.
func (p *Peer) dispatch(msg protocol.Message) {
	if p.closed.Load() {
		return
	}
	if err := msg.Validate(); err != nil {
		p.logger.Warn("dropping invalid message", "from", msg.From, "error", err)
		return
	}

	kind := events.Kind(msg.Type)
	if localOnly[kind] {
		p.logger.Warn("dropping message with a local event type", "kind", kind, "from", msg.From)
		return
	}

	if protocol.IsSignaling(msg.Type) {
		p.hook(msg)
	}
	p.bus.Emit(events.Event{Kind: kind, Message: msg})
}

// localOnly are the kinds only a peer itself emits.
var localOnly = map[events.Kind]bool{
	events.StreamClose:       true,
	events.ChannelConnect:    true,
	events.ChannelMessage:    true,
	events.LocalMediaConnect: true,
	events.LocalMediaError:   true,
	events.MediaConnect:      true,
}

// AddMedia acquires local media in the background. On success the stream
// becomes the peer's local media, callback receives it, localmedia:connect
// is emitted and every negotiation sending media is renegotiated. On
// failure callback receives the error and localmedia:error is emitted.
// callback may be nil and runs on the peer's goroutine.
func (p *Peer) AddMedia(ctx context.Context, callback func(*media.Stream, error)) {
	if p.source == nil {
		p.loop.post(func() { p.mediaFailed(ErrNoMediaSource, callback) })
		return
	}

	go func() {
		s, err := p.source.Acquire(ctx, p.constraints)
		posted := p.loop.post(func() {
			if err != nil {
				p.mediaFailed(err, callback)
				return
			}
			p.mediaAcquired(s, callback)
		})
		if !posted {
			if s != nil {
				s.Close()
			}
			if callback != nil {
				callback(nil, ErrClosed)
			}
		}
	}()
}

func (p *Peer) mediaAcquired(s *media.Stream, callback func(*media.Stream, error)) {
	if p.closed.Load() {
		s.Close()
		if callback != nil {
			callback(nil, ErrClosed)
		}
		return
	}

	p.mediaMu.Lock()
	previous := p.local
	p.local = s
	p.mediaMu.Unlock()
	if previous != nil {
		previous.Close()
	}

	p.logger.Info("local media connected", "stream", s.ID, "tracks", len(s.Tracks()))
	if callback != nil {
		callback(s, nil)
	}
	p.bus.Emit(events.Event{
		Kind:    events.LocalMediaConnect,
		Message: protocol.Message{Type: string(events.LocalMediaConnect), From: p.id, To: p.id},
		Local:   s,
	})
	p.negotiator.LocalMediaChanged()
}

func (p *Peer) mediaFailed(err error, callback func(*media.Stream, error)) {
	p.logger.Warn("local media failed", "error", err)
	if callback != nil {
		callback(nil, err)
	}
	p.bus.Emit(events.Event{
		Kind:    events.LocalMediaError,
		Message: protocol.Message{Type: string(events.LocalMediaError), From: p.id, To: p.id},
		Err:     err,
	})
}

// LocalMedia returns the local stream, or nil before AddMedia succeeded.
func (p *Peer) LocalMedia() *media.Stream {
	p.mediaMu.RLock()
	defer p.mediaMu.RUnlock()
	return p.local
}

// Close tears down every negotiation, stops the local media and detaches
// from the transport. Later calls return the first result.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		done := make(chan struct{})
		if p.loop.post(func() {
			p.negotiator.Close()
			close(done)
		}) {
			<-done
		}
		p.closed.Store(true)
		p.loop.stop()
		<-p.loop.done

		if local := p.LocalMedia(); local != nil {
			local.Close()
		}
		if err := p.transport.Close(); err != nil {
			p.closeErr = fmt.Errorf("close transport: %w", err)
		}
		p.logger.Info("peer closed")
	})
	return p.closeErr
}

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.loop.done
}

// call runs fn on the peer's goroutine and waits for its result.
func (p *Peer) call(ctx context.Context, fn func() error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	result := make(chan error, 1)
	if !p.loop.post(func() { result <- fn() }) {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.loop.done:
		return ErrClosed
	}
}
