package termstream

import (
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu       sync.Mutex
	id       string
	sent     []Envelope
	buffered int64
	state    ConnState
	closed   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, state: ConnOpen}
}

func (c *fakeConn) Send(env Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConnOpen {
		return false
	}
	c.sent = append(c.sent, env)
	return true
}

func (c *fakeConn) BufferedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeConn) setBuffered(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered = n
}

func (c *fakeConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnClosed
	c.closed = true
}

func (c *fakeConn) ConnectionID() string { return c.id }

func (c *fakeConn) outputMessages() []OutputMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []OutputMessage
	for _, e := range c.sent {
		if e.Output != nil {
			out = append(out, *e.Output)
		}
	}
	return out
}

type fakeHandle struct{}

func (fakeHandle) BufferSnapshot() (string, bool) { return "", false }

type fakeRegistry struct {
	events chan RegistryEvent
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{events: make(chan RegistryEvent, 256)}
}

func (r *fakeRegistry) Events() <-chan RegistryEvent { return r.events }

func (r *fakeRegistry) Attach(terminalID string, conn ClientConnection, opts AttachOptions) (AttachHandle, bool) {
	return fakeHandle{}, true
}

func (r *fakeRegistry) Detach(terminalID string, conn ClientConnection) bool { return true }

func testConfig() Config {
	return Config{
		RingMaxBytes:              4096,
		QueueMaxBytes:             4096,
		BatchMaxBytes:             4096,
		RetryFlushDelay:           time.Millisecond,
		CatastrophicBufferedBytes: 1 << 20,
		CatastrophicStallWindow:   50 * time.Millisecond,
	}
}

func TestBrokerAttachReplaysExistingOutput(t *testing.T) {
	reg := newFakeRegistry()
	b := NewBroker(reg, NoopSink{}, testConfig())
	defer b.Close()

	const term = "term-1"
	b.ingest(term, "hello ")
	b.ingest(term, "world")

	conn := newFakeConn("c1")
	if !b.Attach(conn, term, 0) {
		t.Fatalf("expected attach to succeed")
	}

	msgs := conn.outputMessages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 output messages replayed, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Data != "hello " || msgs[1].Data != "world" {
		t.Fatalf("unexpected replay content: %+v", msgs)
	}
}

func TestBrokerLiveIngestAfterAttachIsDeliveredByFlush(t *testing.T) {
	reg := newFakeRegistry()
	b := NewBroker(reg, NoopSink{}, testConfig())
	defer b.Close()

	const term = "term-2"
	conn := newFakeConn("c1")

	// Attach with nothing buffered yet; no concurrent ingest to race here,
	// just verifying that a live frame sent immediately after attach
	// reaches the client through the normal flush path.
	if !b.Attach(conn, term, 0) {
		t.Fatalf("expected attach to succeed")
	}
	b.ingest(term, "post-attach")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(conn.outputMessages()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	msgs := conn.outputMessages()
	if len(msgs) != 1 || msgs[0].Data != "post-attach" {
		t.Fatalf("expected post-attach frame delivered, got %+v", msgs)
	}
}

func TestBrokerDetachIsIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	b := NewBroker(reg, NoopSink{}, testConfig())
	defer b.Close()

	const term = "term-3"
	conn := newFakeConn("c1")
	b.Attach(conn, term, 0)

	if !b.Detach(term, conn) {
		t.Fatalf("expected first detach to report removal")
	}
	if b.Detach(term, conn) {
		t.Fatalf("expected second detach to be a no-op")
	}
}

func TestBrokerCatastrophicBackpressureClosesConnection(t *testing.T) {
	reg := newFakeRegistry()
	cfg := testConfig()
	cfg.CatastrophicBufferedBytes = 1024
	cfg.CatastrophicStallWindow = 20 * time.Millisecond
	b := NewBroker(reg, NoopSink{}, cfg)
	defer b.Close()

	const term = "term-4"
	conn := newFakeConn("c1")
	b.Attach(conn, term, 0)
	conn.setBuffered(4096)

	b.ingest(term, "x")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.State() == ConnClosed {
			return
		}
		b.ingest(term, "x")
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected connection to be catastrophically closed")
}

func TestBrokerAttachedClientCount(t *testing.T) {
	reg := newFakeRegistry()
	b := NewBroker(reg, NoopSink{}, testConfig())
	defer b.Close()

	const term = "term-5"
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	b.Attach(c1, term, 0)
	b.Attach(c2, term, 0)

	if got := b.AttachedClientCount(term); got != 2 {
		t.Fatalf("expected 2 attachments, got %d", got)
	}

	b.Detach(term, c1)
	if got := b.AttachedClientCount(term); got != 1 {
		t.Fatalf("expected 1 attachment after detach, got %d", got)
	}
}
