package termstream

// ConnState mirrors the three-value readiness a duplex connection reports.
type ConnState int

const (
	ConnOpen ConnState = iota
	ConnClosing
	ConnClosed
)

// ClientConnection is the duplex connection abstraction the broker depends
// on (spec §6.2). pkg/wsconn implements this over gorilla/websocket; tests
// use an in-memory fake.
type ClientConnection interface {
	// Send delivers one envelope. It returns false on send error, which the
	// broker treats as "connection no longer usable."
	Send(env Envelope) bool

	// BufferedBytes reports the outbound bytes not yet flushed to the
	// socket — the backpressure signal spec §4.4.5 is built on.
	BufferedBytes() int64

	State() ConnState

	Close(code int, reason string)

	// ConnectionID is stable across the life of this connection.
	ConnectionID() string
}
