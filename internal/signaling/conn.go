package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/bus"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/wire"
)

// connState is the Connection Handler state machine from the component
// design: Connected accepts only JOIN, InLobby accepts every opcode, and a
// sealed lobby is not a distinct Conn-level state — it is read live off the
// Registry snapshot whenever it matters (JOIN rejects into it; relay and
// SEAL-by-owner do not care).
type connState int

const (
	stateConnected connState = iota
	stateInLobby
	stateTerminal
)

// outboxSize bounds how far this connection's own writer goroutine may lag
// behind its dispatch goroutine before enqueue gives up on the connection
// and closes it. It is generous relative to the bus's per-subscriber buffer
// since this channel also carries direct replies and unicast relays, not
// just broadcast fan-out.
const outboxSize = 256

// Conn owns one transport session end to end: its protocol state, its
// lobby membership, and the two goroutines (read loop, write loop) the
// concurrency model in the component design calls for.
type Conn struct {
	server    *Server
	userID    uint32
	transport Transport
	logger    *slog.Logger

	outbox chan wire.Envelope

	mu        sync.Mutex
	state     connState
	lobbyName string
	sub       *bus.Subscription

	closeOnce sync.Once
}

func newConn(server *Server, userID uint32, transport Transport) *Conn {
	return &Conn{
		server:    server,
		userID:    userID,
		transport: transport,
		logger:    server.logger.With("user_id", userID),
		outbox:    make(chan wire.Envelope, outboxSize),
		state:     stateConnected,
	}
}

// enqueue places env on this connection's outbound channel without
// blocking the caller indefinitely: a full channel means a dead or
// catastrophically slow consumer, so the connection is torn down instead
// of stalling whoever is trying to deliver to it (a Registry call site, a
// bus fan-in goroutine, or the dispatch goroutine itself). Once cleanup
// has begun, env is silently dropped instead.
func (c *Conn) enqueue(env wire.Envelope) {
	c.mu.Lock()
	if c.state == stateTerminal {
		c.mu.Unlock()
		return
	}
	select {
	case c.outbox <- env:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.logger.Warn("outbox full, closing connection")
		c.server.metrics.RejectedFrames.Add(1)
		c.closeTransport()
	}
}

// closeTransport forces the underlying transport closed, which unblocks
// the read loop with an error and drives it into cleanup. Safe to call
// from any goroutine, any number of times.
func (c *Conn) closeTransport() {
	_ = c.transport.Close()
}

// run is the read loop: it owns this goroutine until the transport closes,
// then runs cleanup exactly once. The caller (Server.HandleWebSocket)
// blocks here for the lifetime of the connection.
//
// A panic inside dispatch (reached via handleFrame) is recovered here
// rather than left to unwind past cleanup: an unrecovered panic would
// skip cleanup entirely, leaving this peer a permanent ghost member of
// its lobby (Registry.Leave never called, PEER_DISCONNECT never
// broadcast). The recover runs through the same cleanup path a normal
// transport close does, so the rest of the lobby still learns this peer
// is gone.
func (c *Conn) run() {
	go c.writeLoop()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered panic in read loop", "panic", r)
		}
		c.cleanup()
	}()

	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	wst, isWS := c.transport.(*wsTransport)
	for {
		select {
		case env, ok := <-c.outbox:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				c.logger.Error("marshal outbound envelope", "err", err)
				continue
			}
			if err := c.transport.WriteMessage(data); err != nil {
				c.closeTransport()
				return
			}
		case <-ticker.C:
			if isWS {
				if err := wst.writePing(); err != nil {
					c.closeTransport()
					return
				}
			}
		}
	}
}

// handleFrame decodes one raw transport frame into an envelope and runs
// it through dispatch, sending back whatever reply dispatch produces.
func (c *Conn) handleFrame(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Can't address a reply without a topic/event/ref to echo back;
		// the spec's strict-validation rule still applies, but there is
		// nothing meaningful to reply to, so the frame is simply dropped.
		c.server.metrics.RejectedFrames.Add(1)
		return
	}

	reply := c.dispatch(env)
	if reply != nil {
		c.enqueue(*reply)
	}
}

// cleanup runs exactly once per connection: it leaves the lobby (if any),
// notifies the remaining members, unsubscribes from the bus, and drops
// this connection from the server's live table.
func (c *Conn) cleanup() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		lobbyName := c.lobbyName
		sub := c.sub
		c.state = stateTerminal
		c.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}

		if lobbyName != "" {
			if err := c.server.registry.Leave(lobbyName, c.userID); err == nil {
				c.server.metrics.Leaves.Add(1)
				push, err := wire.NewPush(wire.Topic(lobbyName), wire.EventPeerDisconnect,
					wire.Message{ID: c.userID, Type: wire.OpPeerDisconnect})
				if err == nil {
					c.server.bus.Broadcast(wire.Topic(lobbyName), push)
					c.server.metrics.PeerDisconnects.Add(1)
				}
			}
			// lobby_not_found here means the lobby's destruction timer
			// already tore it (and every member's connection) down; there
			// is no one left to notify.
		}

		c.server.forget(c)
		close(c.outbox)
		_ = c.transport.Close()
	})
}
