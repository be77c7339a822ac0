package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the outer frame every WebSocket message is wrapped in,
// modeled on a topic-based channel convention: a lobby's topic is always
// "lobby:<name>", events are short verbs, and ref lets a client correlate
// a reply with the request that triggered it.
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     int64           `json:"ref,omitempty"`
}

// Event names used on the wire. Inbound events name the client's intent;
// outbound events name what the server is telling the client happened.
const (
	EventPhxJoin        = "phx_join"
	EventJoin            = "join"
	EventID              = "id"
	EventPeerConnect     = "peer_connect"
	EventPeerDisconnect  = "peer_disconnect"
	EventOffer           = "offer"
	EventAnswer          = "answer"
	EventCandidate       = "candidate"
	EventSeal            = "seal"
	EventSealed          = "sealed"
)

const topicPrefix = "lobby:"

// Topic returns the canonical topic string for a lobby name.
func Topic(lobbyName string) string {
	return topicPrefix + lobbyName
}

// LobbyFromTopic extracts the lobby name from a topic string, reporting
// whether the topic had the expected "lobby:" prefix.
func LobbyFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, topicPrefix), true
}

// Status is the "status" field of a reply payload.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Reply is the payload shape for a request/response envelope.
type Reply struct {
	Status  Status      `json:"status"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorPayload is the payload carried by an error Reply.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// NewOKReply builds a success envelope addressed to topic/event/ref.
func NewOKReply(topic, event string, ref int64, payload interface{}) (Envelope, error) {
	return newReplyEnvelope(topic, event, ref, Reply{Status: StatusOK, Payload: payload})
}

// NewErrorReply builds an error envelope carrying {reason: ...}.
func NewErrorReply(topic, event string, ref int64, reason string) (Envelope, error) {
	return newReplyEnvelope(topic, event, ref, Reply{
		Status:  StatusError,
		Payload: ErrorPayload{Reason: reason},
	})
}

func newReplyEnvelope(topic, event string, ref int64, reply Reply) (Envelope, error) {
	body, err := json.Marshal(reply)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal reply payload: %w", err)
	}
	return Envelope{Topic: topic, Event: event, Payload: body, Ref: ref}, nil
}

// NewPush builds a server-originated push (no ref correlation expected)
// carrying a raw payload value, typically a wire.Message.
func NewPush(topic, event string, payload interface{}) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal push payload: %w", err)
	}
	return Envelope{Topic: topic, Event: event, Payload: body}, nil
}
