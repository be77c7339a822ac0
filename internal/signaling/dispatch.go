package signaling

import (
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/bus"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/lobby"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/sdpcheck"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/wire"
)

// Wire-level failure symbols that do not originate from internal/lobby —
// those come straight from lobby.Reason via errorReplyForErr.
const (
	reasonBadRequest = "bad_request"
	reasonNotJoined  = "not_joined"
)

// dispatch routes one inbound envelope to its handler, returning the reply
// envelope to enqueue back onto this connection's own outbox, or nil when
// the event produces no direct reply (a relay, a broadcast-only outcome,
// or a case that already enqueued its own reply to preserve ordering).
//
// phx_join is accepted as a synonym for join: every literal end-to-end
// scenario in this protocol sends "join" as the very first frame with no
// separate channel-subscribe handshake, so this server folds the two into
// one round trip instead of requiring both.
func (c *Conn) dispatch(env wire.Envelope) *wire.Envelope {
	switch env.Event {
	case wire.EventPeerConnect, wire.EventPeerDisconnect:
		return c.errorReply(env, reasonBadRequest)
	case wire.EventJoin, wire.EventPhxJoin:
		return c.handleJoin(env)
	case wire.EventOffer:
		return c.handleRelay(env, wire.OpOffer, wire.EventOffer, true)
	case wire.EventAnswer:
		return c.handleRelay(env, wire.OpAnswer, wire.EventAnswer, true)
	case wire.EventCandidate:
		return c.handleRelay(env, wire.OpCandidate, wire.EventCandidate, false)
	case wire.EventSeal:
		return c.handleSeal(env)
	default:
		return c.errorReply(env, reasonBadRequest)
	}
}

func (c *Conn) handleJoin(env wire.Envelope) *wire.Envelope {
	if _, ok := wire.LobbyFromTopic(env.Topic); !ok {
		return c.errorReply(env, reasonBadRequest)
	}

	msg, err := wire.DecodeMessage(env.Payload)
	if err != nil {
		return c.errorReply(env, reasonBadRequest)
	}

	name := msg.Data
	if name == "" {
		name = lobby.GenerateName()
	}

	c.mu.Lock()
	wasInLobby := c.state == stateInLobby
	c.mu.Unlock()

	snap, err := c.server.registry.Join(name, c.userID)
	if err != nil {
		return c.errorReplyForErr(env, err)
	}

	topic := wire.Topic(snap.Name)
	reply, rerr := wire.NewOKReply(topic, wire.EventJoin, env.Ref,
		wire.Message{ID: c.userID, Type: wire.OpJoin, Data: snap.Name})
	if rerr != nil {
		c.logger.Error("build join reply", "err", rerr)
		return nil
	}

	if wasInLobby {
		// Idempotent rejoin of the lobby this connection already belongs
		// to: Registry.Join only returns success here when the name
		// matches the existing membership, so there is nothing new to
		// announce.
		return &reply
	}

	sub := c.server.bus.Subscribe(topic)
	c.mu.Lock()
	c.state = stateInLobby
	c.lobbyName = snap.Name
	c.sub = sub
	c.mu.Unlock()

	c.server.track(c, sub.ID())
	go c.pumpSubscription(sub)

	c.server.metrics.Joins.Add(1)
	c.enqueue(reply)

	idPush, _ := wire.NewPush(topic, wire.EventID, wire.Message{ID: c.userID, Type: wire.OpID})
	c.enqueue(idPush)

	for _, peer := range snap.Peers {
		if peer == c.userID {
			continue
		}
		push, _ := wire.NewPush(topic, wire.EventPeerConnect, wire.Message{ID: peer, Type: wire.OpPeerConnect})
		c.enqueue(push)
	}

	connectPush, _ := wire.NewPush(topic, wire.EventPeerConnect, wire.Message{ID: c.userID, Type: wire.OpPeerConnect})
	c.server.bus.BroadcastFrom(topic, sub, connectPush)
	c.server.metrics.PeerConnects.Add(1)

	return nil
}

func (c *Conn) handleRelay(env wire.Envelope, op wire.Opcode, event string, fullSDP bool) *wire.Envelope {
	c.mu.Lock()
	inLobby := c.state == stateInLobby
	lobbyName := c.lobbyName
	c.mu.Unlock()
	if !inLobby {
		return c.errorReply(env, reasonNotJoined)
	}

	msg, err := wire.DecodeMessage(env.Payload)
	if err != nil {
		return c.errorReply(env, reasonBadRequest)
	}

	if fullSDP {
		if err := sdpcheck.ValidateSessionDescription(msg.Data); err != nil {
			return c.errorReply(env, reasonBadRequest)
		}
	} else if err := sdpcheck.ValidateCandidate(msg.Data); err != nil {
		return c.errorReply(env, reasonBadRequest)
	}

	snap, err := c.server.registry.Snapshot(lobbyName)
	if err != nil {
		return c.errorReplyForErr(env, err)
	}
	if !snap.HasPeer(msg.ID) {
		// The destination has left the lobby: dropped silently, not an
		// error.
		return nil
	}

	dest := c.server.lookupConn(msg.ID)
	if dest == nil {
		return nil
	}

	push, perr := wire.NewPush(wire.Topic(lobbyName), event, wire.Message{ID: c.userID, Type: op, Data: msg.Data})
	if perr != nil {
		c.logger.Error("build relay push", "err", perr)
		return nil
	}
	dest.enqueue(push)
	c.server.metrics.Relays.Add(1)
	return nil
}

func (c *Conn) handleSeal(env wire.Envelope) *wire.Envelope {
	c.mu.Lock()
	inLobby := c.state == stateInLobby
	lobbyName := c.lobbyName
	c.mu.Unlock()
	if !inLobby {
		return c.errorReply(env, reasonNotJoined)
	}

	fresh, err := c.server.registry.Seal(lobbyName, c.userID)
	if err != nil {
		return c.errorReplyForErr(env, err)
	}

	reply, rerr := wire.NewOKReply(env.Topic, wire.EventSeal, env.Ref, nil)
	if rerr != nil {
		c.logger.Error("build seal reply", "err", rerr)
		return nil
	}

	if !fresh {
		return &reply
	}

	// The owner must observe its own seal reply before the "sealed" push
	// it triggers, mirroring the JOIN reply/self-push ordering guarantee:
	// enqueue both directly instead of routing the self-copy through the
	// bus, where it would race against pumpSubscription's goroutine.
	c.enqueue(reply)

	push, perr := wire.NewPush(wire.Topic(lobbyName), wire.EventSealed, wire.Message{ID: c.userID, Type: wire.OpSeal})
	if perr != nil {
		c.logger.Error("build sealed push", "err", perr)
		return nil
	}
	c.enqueue(push)

	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub != nil {
		c.server.bus.BroadcastFrom(wire.Topic(lobbyName), sub, push)
	}
	c.server.metrics.Seals.Add(1)
	return nil
}

func (c *Conn) errorReply(env wire.Envelope, reason string) *wire.Envelope {
	reply, err := wire.NewErrorReply(env.Topic, env.Event, env.Ref, reason)
	if err != nil {
		c.logger.Error("build error reply", "err", err)
		return nil
	}
	return &reply
}

func (c *Conn) errorReplyForErr(env wire.Envelope, err error) *wire.Envelope {
	reason, ok := lobby.ReasonOf(err)
	if !ok {
		return c.errorReply(env, reasonBadRequest)
	}
	return c.errorReply(env, string(reason))
}

// pumpSubscription forwards every message this connection's lobby
// subscription receives onto its own outbox, preserving the bus's
// per-(topic, subscriber) FIFO order on the connection's single writer
// goroutine. It returns once the subscription is unsubscribed.
func (c *Conn) pumpSubscription(sub *bus.Subscription) {
	for msg := range sub.Receive() {
		if env, ok := msg.(wire.Envelope); ok {
			c.enqueue(env)
		}
	}
}
