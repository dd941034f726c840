package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"termbroker/internal/metrics"
	"termbroker/pkg/termstream"
)

// natsAttachHandle answers BufferSnapshot from a request-reply round trip
// to the host process. The broker seeds a ring from it only while that
// ring has never had a frame appended (HeadSeq 0), so the first client to
// attach still receives the host's recent output as one frame.
type natsAttachHandle struct {
	snapshot string
	hasData  bool
}

func (h natsAttachHandle) BufferSnapshot() (string, bool) { return h.snapshot, h.hasData }

// Config configures the NATS transport, mirrored from
// go-server/pkg/nats/client.go's connection-option surface.
type Config struct {
	URL             string
	SubjectPrefix   string
	QueueGroup      string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	SnapshotTimeout time.Duration
}

// Registry subscribes to the inbound relay that carries raw PTY bytes from
// an external host process — never state replication between brokers, just
// a transport for one producer's output (SPEC_FULL.md §2.5). Subjects
// follow "<prefix>.<terminalId>.output" and "<prefix>.<terminalId>.exit";
// snapshots are fetched with a NATS request to
// "<prefix>.<terminalId>.snapshot".
//
// Grounded on go-server/pkg/nats/client.go's Client: same connection-option
// wiring and lifecycle callbacks, narrowed from a generic pub/sub/request
// wrapper to the two wildcard subscriptions and one request-reply pattern
// this registry actually needs.
type Registry struct {
	conn   *nats.Conn
	log    *zap.Logger
	m      *metrics.Metrics
	cfg    Config
	events chan termstream.RegistryEvent

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// Connect dials NATS and subscribes to the output/exit wildcard subjects.
func Connect(cfg Config, log *zap.Logger, m *metrics.Metrics) (*Registry, error) {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 2 * time.Second
	}

	r := &Registry{
		log:    log,
		m:      m,
		cfg:    cfg,
		events: make(chan termstream.RegistryEvent, 4096),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(r.onConnect),
		nats.DisconnectErrHandler(r.onDisconnect),
		nats.ReconnectHandler(r.onReconnect),
		nats.ErrorHandler(r.onError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	r.conn = conn
	r.m.NATSConnectionStatus.Set(1)

	outputSubject := r.cfg.SubjectPrefix + ".*.output"
	exitSubject := r.cfg.SubjectPrefix + ".*.exit"

	outputSub, err := conn.QueueSubscribe(outputSubject, cfg.QueueGroup, r.handleOutput)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", outputSubject, err)
	}
	exitSub, err := conn.QueueSubscribe(exitSubject, cfg.QueueGroup, r.handleExit)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", exitSubject, err)
	}

	r.subs = append(r.subs, outputSub, exitSub)
	return r, nil
}

func (r *Registry) onConnect(conn *nats.Conn) {
	r.log.Info("nats connected", zap.String("url", conn.ConnectedUrl()))
	r.m.NATSConnectionStatus.Set(1)
}

func (r *Registry) onDisconnect(conn *nats.Conn, err error) {
	r.log.Warn("nats disconnected", zap.Error(err))
	r.m.NATSConnectionStatus.Set(0)
}

func (r *Registry) onReconnect(conn *nats.Conn) {
	r.log.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
	r.m.NATSConnectionStatus.Set(1)
	r.m.NATSReconnects.Inc()
}

func (r *Registry) onError(conn *nats.Conn, sub *nats.Subscription, err error) {
	r.log.Error("nats error", zap.Error(err))
}

// terminalIDFromSubject extracts the wildcard token from
// "<prefix>.<terminalId>.<suffix>".
func terminalIDFromSubject(subject, prefix string) (string, bool) {
	rest := strings.TrimPrefix(subject, prefix+".")
	if rest == subject {
		return "", false
	}
	idx := strings.IndexByte(rest, '.')
	if idx < 0 {
		return "", false
	}
	return rest[:idx], true
}

func (r *Registry) handleOutput(msg *nats.Msg) {
	r.m.NATSMessages.Inc()
	terminalID, ok := terminalIDFromSubject(msg.Subject, r.cfg.SubjectPrefix)
	if !ok {
		r.log.Warn("nats output on malformed subject", zap.String("subject", msg.Subject))
		return
	}
	r.events <- termstream.RegistryEvent{
		Kind:       termstream.EventOutputRaw,
		TerminalID: terminalID,
		Data:       string(msg.Data),
	}
}

func (r *Registry) handleExit(msg *nats.Msg) {
	r.m.NATSMessages.Inc()
	terminalID, ok := terminalIDFromSubject(msg.Subject, r.cfg.SubjectPrefix)
	if !ok {
		r.log.Warn("nats exit on malformed subject", zap.String("subject", msg.Subject))
		return
	}
	r.events <- termstream.RegistryEvent{Kind: termstream.EventExit, TerminalID: terminalID}
}

func (r *Registry) Events() <-chan termstream.RegistryEvent {
	return r.events
}

// Attach requests a snapshot of terminalID's recent output from the host
// process. opts.SuppressOutput is always honored by this transport: the
// broker is the sole distributor of output once attached, so there is
// nothing else to suppress on the wire.
func (r *Registry) Attach(terminalID string, conn termstream.ClientConnection, opts termstream.AttachOptions) (termstream.AttachHandle, bool) {
	subject := r.cfg.SubjectPrefix + "." + terminalID + ".snapshot"
	reply, err := r.conn.Request(subject, nil, r.cfg.SnapshotTimeout)
	if err != nil {
		return natsAttachHandle{}, true
	}
	return natsAttachHandle{snapshot: string(reply.Data), hasData: len(reply.Data) > 0}, true
}

// Detach is a no-op: the host process has no notion of per-client
// attachment, only of terminals existing. Lifetime is managed entirely by
// the broker's own attachment map.
func (r *Registry) Detach(terminalID string, conn termstream.ClientConnection) bool {
	return true
}

// Close unsubscribes from both subjects and closes the NATS connection.
func (r *Registry) Close() {
	r.subsMu.Lock()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subsMu.Unlock()

	if r.conn != nil {
		r.conn.Close()
		r.m.NATSConnectionStatus.Set(0)
	}
	close(r.events)
}
