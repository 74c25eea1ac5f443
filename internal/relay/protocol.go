package relay

import (
	"time"

	"github.com/gorilla/websocket"
)

// Control tokens sent by the browser as text frames
const (
	StartToken = "<start>"
	EndToken   = "<end>"
)

// Message types sent to the browser
const (
	// Spelling is part of the wire contract with existing clients
	MessageConnected = "sonioxConntected"
	MessagePartial   = "partial"
	MessageFinal     = "final"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 1 << 20
)

// OutboundMessage is the JSON envelope of every relay → client message
type OutboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientConn is the browser side of a session. The session reads from one
// goroutine and writes from another; implementations must allow that.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// wsClient adapts a gorilla connection with write deadlines and a frame size limit
type wsClient struct {
	conn *websocket.Conn
}

func newWSClient(conn *websocket.Conn) *wsClient {
	conn.SetReadLimit(maxFrameBytes)
	return &wsClient{conn: conn}
}

func (c *wsClient) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *wsClient) WriteJSON(v interface{}) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}
