package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dudexyz/peerstream/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed between connecting and registering.
	registerWait = 10 * time.Second

	sendBuffer = 64
)

// Hub is a websocket relay. Every connection registers a peer id; messages
// are then forwarded to the connection registered under their To field.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	register   chan *session
	unregister chan *session
	relay      chan protocol.Message
	done       chan struct{}

	// peers is owned by Run.
	peers map[string]*session
}

// session is the relay side of one websocket connection.
type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	// accepted carries the hub's answer to the registration.
	accepted chan bool

	// closed is owned by Run.
	closed bool
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *session),
		unregister: make(chan *session),
		relay:      make(chan protocol.Message),
		done:       make(chan struct{}),
		peers:      make(map[string]*session),
	}
}

// Run is the single goroutine that owns the registered peers. It returns
// when ctx is done, after closing every connection.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for _, s := range h.peers {
			h.closeSession(s)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.register:
			if _, taken := h.peers[s.id]; taken {
				h.logger.Warn("peer id already registered", "peer", s.id)
				s.accepted <- false
				continue
			}
			h.peers[s.id] = s
			s.send <- protocol.Marshal(protocol.Message{Type: protocol.TypeRegistered, To: s.id})
			s.accepted <- true
			h.logger.Info("peer registered", "peer", s.id, "addr", s.conn.RemoteAddr().String())

		case s := <-h.unregister:
			if h.peers[s.id] == s {
				delete(h.peers, s.id)
				h.logger.Info("peer unregistered", "peer", s.id)
			}
			h.closeSession(s)

		case msg := <-h.relay:
			dst, ok := h.peers[msg.To]
			if !ok {
				h.logger.Debug("dropping message for unknown peer", "kind", msg.Type, "from", msg.From, "to", msg.To)
				continue
			}
			select {
			case dst.send <- protocol.Marshal(msg):
				h.logger.Debug("relayed", "kind", msg.Type, "from", msg.From, "to", msg.To)
			default:
				h.logger.Warn("peer send buffer full, dropping message", "kind", msg.Type, "to", msg.To)
			}
		}
	}
}

func (h *Hub) closeSession(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	id, err := readRegistration(conn)
	if err != nil {
		h.logger.Warn("registration failed", "addr", conn.RemoteAddr().String(), "error", err)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, protocol.Marshal(protocol.Message{Type: protocol.TypeError, Text: err.Error()}))
		conn.Close()
		return
	}

	s := &session{id: id, conn: conn, send: make(chan []byte, sendBuffer), accepted: make(chan bool, 1)}
	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	// A rejected session never gets pumps, so it cannot relay.
	if !<-s.accepted {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, protocol.Marshal(protocol.Message{Type: protocol.TypeError, To: id, Text: "peer id already registered"}))
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
		conn.Close()
		return
	}

	go s.writePump()
	h.readPump(s)
}

func readRegistration(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(registerWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		return "", err
	}
	if msg.Type != protocol.TypeRegister || msg.From == "" {
		return "", errRegistrationExpected
	}
	return msg.From, nil
}

// readPump forwards messages from the connection to the hub. The sender is
// always the registered id, whatever the message claims.
func (h *Hub) readPump(s *session) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
		s.conn.Close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read error", "peer", s.id, "error", err)
			}
			return
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			h.logger.Warn("invalid message", "peer", s.id, "error", err)
			continue
		}
		msg.From = s.id
		if msg.To == "" {
			h.logger.Debug("dropping message without destination", "peer", s.id, "kind", msg.Type)
			continue
		}

		select {
		case h.relay <- msg:
		case <-h.done:
			return
		}
	}
}

// writePump writes queued frames and periodic pings until send is closed.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
