package signaling_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/lobby"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/metrics"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/signaling"
	"github.com/V-Sekai-fire/phoenix-uro-webrtc-signaling/internal/wire"
)

func newTestServer(t *testing.T, sealGrace time.Duration) *httptest.Server {
	t.Helper()
	ts, _ := newTestServerWithMetrics(t, sealGrace)
	return ts
}

func newTestServerWithMetrics(t *testing.T, sealGrace time.Duration) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	s := signaling.NewServer(logger, m, lobby.DefaultMaxLobbies, lobby.DefaultMaxPeers, sealGrace)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(ts.Close)
	return ts, m
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket/websocket"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, env wire.Envelope) {
	t.Helper()
	require.NoError(t, c.WriteJSON(env))
}

func recv(t *testing.T, c *websocket.Conn) wire.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env wire.Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func joinEnv(name string) wire.Envelope {
	payload, _ := json.Marshal(wire.Message{Data: name})
	return wire.Envelope{Topic: wire.Topic(name), Event: wire.EventJoin, Payload: payload}
}

// decodeReply splits a reply envelope's payload into its status and the
// raw payload carried alongside it.
func decodeReply(t *testing.T, env wire.Envelope) (string, json.RawMessage) {
	t.Helper()
	var reply struct {
		Status  string          `json:"status"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &reply))
	return reply.Status, reply.Payload
}

func decodeOKMessage(t *testing.T, env wire.Envelope) wire.Message {
	t.Helper()
	status, payload := decodeReply(t, env)
	require.Equal(t, "ok", status)
	var msg wire.Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func decodeErrorReason(t *testing.T, env wire.Envelope) string {
	t.Helper()
	status, payload := decodeReply(t, env)
	require.Equal(t, "error", status)
	var errPayload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(payload, &errPayload))
	return errPayload.Reason
}

func decodePush(t *testing.T, env wire.Envelope) wire.Message {
	t.Helper()
	var msg wire.Message
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	return msg
}

func assertNoMoreFrames(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := c.ReadMessage()
	assert.Error(t, err, "expected no further frames")
}

func TestSoloJoin(t *testing.T) {
	ts := newTestServer(t, time.Hour)
	c := dial(t, ts)

	send(t, c, joinEnv("room1"))

	reply := recv(t, c)
	assert.Equal(t, wire.EventJoin, reply.Event)
	msg := decodeOKMessage(t, reply)
	assert.Equal(t, wire.OpJoin, msg.Type)
	assert.Equal(t, "room1", msg.Data)
	userID := msg.ID

	idPush := recv(t, c)
	assert.Equal(t, wire.EventID, idPush.Event)
	idMsg := decodePush(t, idPush)
	assert.Equal(t, userID, idMsg.ID)
	assert.Equal(t, wire.OpID, idMsg.Type)

	assertNoMoreFrames(t, c)
}

func TestTwoPeerRendezvous(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	a := dial(t, ts)
	send(t, a, joinEnv("room1"))
	aJoinReply := recv(t, a)
	aID := decodeOKMessage(t, aJoinReply).ID
	_ = recv(t, a) // id push to A

	b := dial(t, ts)
	send(t, b, joinEnv("room1"))
	bJoinReply := recv(t, b)
	bMsg := decodeOKMessage(t, bJoinReply)
	assert.Equal(t, "room1", bMsg.Data)
	bID := bMsg.ID
	assert.NotEqual(t, aID, bID)

	bIDPush := recv(t, b)
	assert.Equal(t, wire.EventID, bIDPush.Event)
	assert.Equal(t, bID, decodePush(t, bIDPush).ID)

	bRoster := recv(t, b)
	assert.Equal(t, wire.EventPeerConnect, bRoster.Event)
	assert.Equal(t, aID, decodePush(t, bRoster).ID)

	aConnect := recv(t, a)
	assert.Equal(t, wire.EventPeerConnect, aConnect.Event)
	assert.Equal(t, bID, decodePush(t, aConnect).ID)
}

// joinRoom dials, joins name, and drains this peer's own join reply, id
// push, and roster pushes (one per peer already present in the lobby —
// rosterSize must match that count), returning the connection and its
// assigned user_id.
func joinRoom(t *testing.T, ts *httptest.Server, name string, rosterSize int) (*websocket.Conn, uint32) {
	t.Helper()
	c := dial(t, ts)
	send(t, c, joinEnv(name))
	reply := recv(t, c)
	msg := decodeOKMessage(t, reply)
	_ = recv(t, c) // id push
	for i := 0; i < rosterSize; i++ {
		roster := recv(t, c)
		assert.Equal(t, wire.EventPeerConnect, roster.Event)
	}
	return c, msg.ID
}

// minimalOfferSDP is a structurally valid session description, standing in
// for a real browser's SDP offer: the SDP Sanity Checker fully parses
// OFFER/ANSWER payloads before relay (internal/sdpcheck), so a fixture
// payload has to actually be SDP, not an arbitrary placeholder string.
const minimalOfferSDP = "v=0\r\n" +
	"o=- 46117317 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n"

func TestRelayRewrite(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	a, aID := joinRoom(t, ts, "room1", 0)
	b, bID := joinRoom(t, ts, "room1", 1)
	_ = recv(t, a) // A's roster/connect push for B

	offerPayload, _ := json.Marshal(wire.Message{ID: bID, Data: minimalOfferSDP})
	send(t, a, wire.Envelope{Topic: "lobby:room1", Event: wire.EventOffer, Payload: offerPayload})

	relayed := recv(t, b)
	assert.Equal(t, wire.EventOffer, relayed.Event)
	relayedMsg := decodePush(t, relayed)
	assert.Equal(t, aID, relayedMsg.ID)
	assert.Equal(t, wire.OpOffer, relayedMsg.Type)
	assert.Equal(t, minimalOfferSDP, relayedMsg.Data)

	assertNoMoreFrames(t, a)
}

func TestSealByNonOwnerIsNotAuthorized(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	a, _ := joinRoom(t, ts, "room1", 0) // owner
	b, _ := joinRoom(t, ts, "room1", 1)
	_ = recv(t, a) // A's peer_connect push for B

	send(t, b, wire.Envelope{Topic: "lobby:room1", Event: wire.EventSeal, Payload: json.RawMessage("{}")})
	reply := recv(t, b)
	assert.Equal(t, wire.EventSeal, reply.Event)
	assert.Equal(t, "not_authorized", decodeErrorReason(t, reply))

	assertNoMoreFrames(t, a)
}

func TestSealByOwnerBroadcastsAndDestroysAfterGrace(t *testing.T) {
	ts := newTestServer(t, 200*time.Millisecond)

	a, aID := joinRoom(t, ts, "room1", 0)
	b, _ := joinRoom(t, ts, "room1", 1)
	_ = recv(t, a) // A's peer_connect push for B

	send(t, a, wire.Envelope{Topic: "lobby:room1", Event: wire.EventSeal, Payload: json.RawMessage("{}")})

	reply := recv(t, a)
	status, _ := decodeReply(t, reply)
	assert.Equal(t, "ok", status)

	aSealed := recv(t, a)
	assert.Equal(t, wire.EventSealed, aSealed.Event)
	assert.Equal(t, aID, decodePush(t, aSealed).ID)

	bSealed := recv(t, b)
	assert.Equal(t, wire.EventSealed, bSealed.Event)

	// During the grace period, the lobby still rejects new joins.
	c := dial(t, ts)
	send(t, c, joinEnv("room1"))
	cReply := recv(t, c)
	assert.Equal(t, "lobby_sealed", decodeErrorReason(t, cReply))

	// Both members observe their connection close once the grace period
	// elapses and the lobby is destroyed.
	require.NoError(t, a.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)

	// A fresh JOIN under the same name now succeeds, with a new owner.
	d := dial(t, ts)
	send(t, d, joinEnv("room1"))
	dReply := recv(t, d)
	dMsg := decodeOKMessage(t, dReply)
	assert.Equal(t, "room1", dMsg.Data)
}

func TestDisconnectCleanupNotifiesRemainingPeers(t *testing.T) {
	ts, m := newTestServerWithMetrics(t, time.Hour)

	a, aID := joinRoom(t, ts, "room1", 0)
	b, _ := joinRoom(t, ts, "room1", 1)
	_ = recv(t, a) // A's peer_connect push for B

	require.NoError(t, a.Close())

	disconnect := recv(t, b)
	assert.Equal(t, wire.EventPeerDisconnect, disconnect.Event)
	assert.Equal(t, aID, decodePush(t, disconnect).ID)

	require.Eventually(t, func() bool {
		return m.Leaves.Load() == 1
	}, time.Second, 10*time.Millisecond, "cleanup must count A's departure as a leave")
}

func TestRelayBeforeJoinIsNotJoined(t *testing.T) {
	ts := newTestServer(t, time.Hour)
	c := dial(t, ts)

	offerPayload, _ := json.Marshal(wire.Message{ID: 1, Data: "x"})
	send(t, c, wire.Envelope{Topic: "lobby:room1", Event: wire.EventOffer, Payload: offerPayload})

	reply := recv(t, c)
	assert.Equal(t, "not_joined", decodeErrorReason(t, reply))
}

func TestMalformedFrameIsRejectedAsBadRequest(t *testing.T) {
	ts := newTestServer(t, time.Hour)
	c := dial(t, ts)

	send(t, c, wire.Envelope{Topic: "lobby:room1", Event: wire.EventJoin, Payload: json.RawMessage(`{"data": 5}`)})

	reply := recv(t, c)
	assert.Equal(t, "bad_request", decodeErrorReason(t, reply))
}

func TestSecondJoinDifferentLobbyIsAlreadyJoined(t *testing.T) {
	ts := newTestServer(t, time.Hour)
	c, _ := joinRoom(t, ts, "room1", 0)

	send(t, c, joinEnv("room2"))
	reply := recv(t, c)
	assert.Equal(t, "already_joined", decodeErrorReason(t, reply))
}

func TestJoinWithEmptyDataGeneratesDistinctFreshNames(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	a := dial(t, ts)
	send(t, a, joinEnv(""))
	aReply := recv(t, a)
	aMsg := decodeOKMessage(t, aReply)

	b := dial(t, ts)
	send(t, b, joinEnv(""))
	bReply := recv(t, b)
	bMsg := decodeOKMessage(t, bReply)

	assert.NotEmpty(t, aMsg.Data)
	assert.NotEmpty(t, bMsg.Data)
	assert.NotEqual(t, aMsg.Data, bMsg.Data, "two empty-data JOINs should generate distinct lobby names")
}
