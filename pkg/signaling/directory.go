package signaling

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dudexyz/peerstream/pkg/protocol"
)

// Directory routes messages between peers living in the same process.
type Directory struct {
	logger *slog.Logger

	mu    sync.RWMutex
	peers map[string]Endpoint
}

// NewDirectory returns an empty directory. A nil logger uses slog.Default.
func NewDirectory(logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		logger: logger,
		peers:  make(map[string]Endpoint),
	}
}

// Attach registers ep under id. It fails when id is empty or taken.
func (d *Directory) Attach(id string, ep Endpoint) (Transport, error) {
	if id == "" {
		return nil, fmt.Errorf("attach: peer id cannot be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[id]; ok {
		return nil, fmt.Errorf("attach: peer %q already attached", id)
	}
	d.peers[id] = ep
	return &directoryTransport{dir: d, id: id, ep: ep}, nil
}

// Detach removes id.
func (d *Directory) Detach(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
}

// Peers returns the attached ids.
func (d *Directory) Peers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	return ids
}

// Route delivers msg to the peer named by msg.To.
func (d *Directory) Route(msg protocol.Message) {
	d.mu.RLock()
	ep, ok := d.peers[msg.To]
	d.mu.RUnlock()

	if !ok {
		d.logger.Debug("dropping message for unknown peer", "kind", msg.Type, "from", msg.From, "to", msg.To)
		return
	}
	ep.Deliver(msg)
}

type directoryTransport struct {
	dir *Directory
	id  string
	ep  Endpoint

	mu     sync.RWMutex
	closed bool
}

func (t *directoryTransport) Send(msg protocol.Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}

	msg.From = t.id
	t.dir.Route(msg)
	return nil
}

func (t *directoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	t.dir.mu.Lock()
	if t.dir.peers[t.id] == t.ep {
		delete(t.dir.peers, t.id)
	}
	t.dir.mu.Unlock()
	return nil
}
