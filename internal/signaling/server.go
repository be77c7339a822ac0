// Package signaling wires internal/lobby, internal/bus, internal/identity
// and internal/sdpcheck into the WebSocket-facing Connection Handler
// described by the component design: one Conn per transport session,
// dispatching envelopes against the Registry and Bus.
package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/bus"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/identity"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/lobby"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/metrics"
)

// Server holds the process-wide state shared by every connection: the
// Lobby Registry, the Broadcast Bus, and the live connection table used
// both for identity collision checks and for unicast relay delivery.
type Server struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *lobby.Registry
	bus      *bus.Bus

	mu    sync.RWMutex
	conns map[uint32]*Conn
	subs  map[bus.SubscriberID]*Conn
}

// NewServer builds a Server with its own Registry and Bus, wired so that
// a lobby's destruction and a bus subscriber going slow both route back
// through this Server's connection table.
func NewServer(logger *slog.Logger, m *metrics.Metrics, maxLobbies, maxPeers int, sealGrace time.Duration) *Server {
	s := &Server{
		logger:  logger,
		metrics: m,
		conns:   make(map[uint32]*Conn),
		subs:    make(map[bus.SubscriberID]*Conn),
	}
	s.bus = bus.New(s.onSlowSubscriber)
	s.registry = lobby.NewRegistry(
		lobby.WithLimits(maxLobbies, maxPeers),
		lobby.WithSealGrace(sealGrace),
		lobby.WithDestroyedFunc(s.onLobbyDestroyed),
	)
	return s
}

// HandleWebSocket upgrades the request and runs the connection to
// completion; it returns only when the connection closes. Register it on
// a router at the path the external interface names, "/socket/websocket".
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	s.serve(newWSTransport(wsConn))
}

// serve assigns a user_id and runs transport's Connection Handler to
// completion. It is unexported because production code only ever reaches
// it through HandleWebSocket.
func (s *Server) serve(transport Transport) {
	userID, err := identity.Generate(s.isUserIDInUse)
	if err != nil {
		s.logger.Error("generate user_id", "err", err)
		_ = transport.Close()
		return
	}

	conn := newConn(s, userID, transport)
	s.register(conn)
	conn.run()
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.userID] = c
}

// track records that c now owns bus subscriber id, so onSlowSubscriber can
// map a dropped subscriber back to the connection to close.
func (s *Server) track(c *Conn, id bus.SubscriberID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = c
}

// forget removes c from every table this Server keeps it in. Called once,
// from Conn.cleanup.
func (s *Server) forget(c *Conn) {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.userID)
	if sub != nil {
		delete(s.subs, sub.ID())
	}
}

func (s *Server) isUserIDInUse(id uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[id]
	return ok
}

func (s *Server) lookupConn(id uint32) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// onSlowSubscriber is the Bus's onSlow callback: a subscriber whose buffer
// is full is treated as a dead or catastrophically slow consumer and its
// connection is closed, per the Broadcast Bus's delivery contract in the
// component design.
func (s *Server) onSlowSubscriber(topic string, id bus.SubscriberID) {
	s.mu.RLock()
	c := s.subs[id]
	s.mu.RUnlock()
	if c == nil {
		return
	}
	s.logger.Warn("dropping slow bus subscriber", "topic", topic, "user_id", c.userID)
	s.metrics.RejectedFrames.Add(1)
	c.closeTransport()
}

// onLobbyDestroyed is the Registry's DestroyedFunc: it closes every
// remaining member's transport, which drives each one through its own
// read-loop error and cleanup path.
func (s *Server) onLobbyDestroyed(name string, peers []uint32) {
	s.metrics.Destructions.Add(1)
	for _, id := range peers {
		if c := s.lookupConn(id); c != nil {
			s.logger.Debug("closing connection for destroyed lobby", "lobby", name, "user_id", id)
			c.closeTransport()
		}
	}
}
