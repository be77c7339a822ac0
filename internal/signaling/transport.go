package signaling

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport abstracts the one thing a Connection Handler needs from its
// socket: read the next frame, write a frame, close. Decoupling this from
// *websocket.Conn keeps internal/signaling's dispatch logic testable with
// an in-memory fake instead of a real network round trip, the same split
// this codebase's zihoulaai-webrtc-server/internal/signaling.Peer would
// benefit from but doesn't bother with since it only ever has one
// implementation.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// upgrader matches this codebase's WebRTC signaling siblings
// (zihoulaai-webrtc-server, ooo-team-network-master-server): origin
// checking is left to a reverse proxy in front of this process, not this
// handler.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsTransport adapts a *websocket.Conn to Transport, restricting frames to
// the text encoding the JSON envelope is carried in.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) writePing() error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
