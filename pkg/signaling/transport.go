package signaling

import (
	"errors"

	"github.com/dudexyz/peerstream/pkg/protocol"
)

// ErrClosed is returned when sending on a detached or closed transport.
var ErrClosed = errors.New("signaling: transport closed")

// Endpoint receives the messages routed to one peer.
type Endpoint interface {
	Deliver(msg protocol.Message)
}

// Transport sends messages on behalf of one peer. Send stamps From with the
// peer id and routes by To. A message for a peer nobody knows is dropped
// without an error.
type Transport interface {
	Send(msg protocol.Message) error
	Close() error
}

// Connector attaches the endpoint of peer id to a signaling medium and
// returns the transport it sends with. Directory.Attach and the function
// returned by Dialer are Connectors.
type Connector func(id string, ep Endpoint) (Transport, error)
