// Package events is the local publish/subscribe bus of a peer.
//
// Every event has a Kind from a closed set and carries its payload in typed
// fields of Event. Handlers run synchronously on the emitting goroutine in
// registration order.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/dudexyz/peerstream/pkg/media"
	"github.com/dudexyz/peerstream/pkg/protocol"
)

// Kind names an event.
type Kind string

const (
	StreamConnect   Kind = protocol.TypeStreamConnect
	StreamChange    Kind = protocol.TypeStreamChange
	StreamOffer     Kind = protocol.TypeStreamOffer
	StreamMakeOffer Kind = protocol.TypeStreamMakeOffer
	StreamAnswer    Kind = protocol.TypeStreamAnswer
	StreamClose     Kind = "stream:close"

	ChannelConnect Kind = "channel:connect"
	ChannelMessage Kind = "channel:message"

	LocalMediaConnect Kind = "localmedia:connect"
	LocalMediaError   Kind = "localmedia:error"
	MediaConnect      Kind = "media:connect"
)

// Signaling lists the kinds delivered by the signaling transport.
var Signaling = []Kind{StreamConnect, StreamChange, StreamOffer, StreamMakeOffer, StreamAnswer}

// Event is one occurrence on the bus. Message is always set and carries at
// least Type, From and To; the other fields depend on Kind:
//
//	stream:offer, stream:answer   Message.Data holds the session description
//	channel:message               Message is the frame received on the channel
//	localmedia:connect            Local
//	localmedia:error              Err
//	media:connect                 Remote
type Event struct {
	Kind    Kind
	Message protocol.Message
	Local   *media.Stream
	Remote  *media.RemoteStream
	Err     error
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id     uint64
	fn     Handler
	once   bool
	active atomic.Bool
}

// Bus is safe for concurrent use. Handlers may subscribe, unsubscribe and
// emit from within a handler.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[Kind][]*subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]*subscription)}
}

// On registers fn for every future event of kind. The returned function
// removes the registration.
func (b *Bus) On(kind Kind, fn Handler) (cancel func()) {
	return b.subscribe(kind, fn, false)
}

// One registers fn for the next event of kind only.
func (b *Bus) One(kind Kind, fn Handler) (cancel func()) {
	return b.subscribe(kind, fn, true)
}

// Off removes every handler registered for kind.
func (b *Bus) Off(kind Kind) {
	b.mu.Lock()
	subs := b.handlers[kind]
	delete(b.handlers, kind)
	b.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
	}
}

// Emit delivers ev to the handlers registered for ev.Kind and returns how
// many ran. A fire-once handler runs at most once even when emits race.
func (b *Bus) Emit(ev Event) int {
	b.mu.Lock()
	subs := b.handlers[ev.Kind]
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)

	kept := subs[:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.handlers, ev.Kind)
	} else {
		b.handlers[ev.Kind] = kept
	}
	b.mu.Unlock()

	ran := 0
	for _, s := range snapshot {
		if s.once {
			if !s.active.CompareAndSwap(true, false) {
				continue
			}
		} else if !s.active.Load() {
			continue
		}
		s.fn(ev)
		ran++
	}
	return ran
}

// Count returns the number of handlers registered for kind.
func (b *Bus) Count(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[kind])
}

func (b *Bus) subscribe(kind Kind, fn Handler, once bool) func() {
	b.mu.Lock()
	b.nextID++
	s := &subscription{id: b.nextID, fn: fn, once: once}
	s.active.Store(true)
	b.handlers[kind] = append(b.handlers[kind], s)
	b.mu.Unlock()

	return func() { b.unsubscribe(kind, s) }
}

func (b *Bus) unsubscribe(kind Kind, s *subscription) {
	s.active.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	for i, cur := range subs {
		if cur.id == s.id {
			b.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[kind]) == 0 {
		delete(b.handlers, kind)
	}
}
