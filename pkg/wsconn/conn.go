// Package wsconn adapts a gorilla/websocket connection to
// termstream.ClientConnection: a buffered single-writer pump with an
// atomic outstanding-byte counter the broker's backpressure policy reads
// directly, no channel-length proxy required.
//
// Grounded on go-server/pkg/websocket/client.go's Client: same
// single-goroutine write pump and ping ticker, replacing its send-channel
// depth (a message count, not a byte budget) with an exact byte counter
// since spec §4.4.5 measures backpressure in bytes.
package wsconn

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"termbroker/pkg/termstream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one client WebSocket connection.
type Conn struct {
	ws *websocket.Conn
	id string

	send chan []byte

	bufferedBytes int64
	state         int32 // atomic ConnState

	closeOnce sync.Once
	done      chan struct{}
}

const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

// New wraps ws, identified by connID, and starts its write pump. Callers
// are expected to run a read loop of their own (internal/httpapi reads
// attach/detach control frames); wsconn only owns outbound delivery.
func New(ws *websocket.Conn, connID string) *Conn {
	c := &Conn{
		ws:   ws,
		id:   connID,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

var _ termstream.ClientConnection = (*Conn)(nil)

// Send encodes env as JSON and queues it for the write pump. It returns
// false if the connection is no longer accepting writes.
func (c *Conn) Send(env termstream.Envelope) bool {
	if atomic.LoadInt32(&c.state) != stateOpen {
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		return false
	}

	atomic.AddInt64(&c.bufferedBytes, int64(len(data)))

	select {
	case c.send <- data:
		return true
	case <-c.done:
		atomic.AddInt64(&c.bufferedBytes, -int64(len(data)))
		return false
	}
}

// BufferedBytes reports bytes handed to Send but not yet written to the
// socket.
func (c *Conn) BufferedBytes() int64 {
	return atomic.LoadInt64(&c.bufferedBytes)
}

func (c *Conn) State() termstream.ConnState {
	switch atomic.LoadInt32(&c.state) {
	case stateClosing:
		return termstream.ConnClosing
	case stateClosed:
		return termstream.ConnClosed
	default:
		return termstream.ConnOpen
	}
}

// Close marks the connection closing, sends a WebSocket close frame with
// code/reason, and tears down the write pump. Idempotent.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, stateClosing)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		close(c.done)
		atomic.StoreInt32(&c.state, stateClosed)
		_ = c.ws.Close()
	})
}

func (c *Conn) ConnectionID() string {
	return c.id
}

// ReadRaw blocks for the next client-to-server message, for callers (such
// as internal/httpapi) that need to read attach/detach control frames. It
// is not part of termstream.ClientConnection.
func (c *Conn) ReadRaw() ([]byte, error) {
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	_, msg, err := c.ws.ReadMessage()
	return msg, err
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err := c.ws.WriteMessage(websocket.TextMessage, msg)
			atomic.AddInt64(&c.bufferedBytes, -int64(len(msg)))
			if err != nil {
				atomic.StoreInt32(&c.state, stateClosed)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				atomic.StoreInt32(&c.state, stateClosed)
				return
			}

		case <-c.done:
			return
		}
	}
}
