package termstream

import (
	"sync"
	"time"
)

// terminalState is the shared mutable state for one terminal: its replay
// ring and the set of attachments currently interested in it (spec §3.6).
type terminalState struct {
	ring        *ReplayRing
	attachments map[string]*Attachment // keyed by connection ID
}

func newTerminalState(maxBytes int) *terminalState {
	return &terminalState{
		ring:        NewReplayRing(maxBytes),
		attachments: make(map[string]*Attachment),
	}
}

// Broker owns all per-terminal state, subscribes to registry events, runs
// the attach handshake under a per-terminal lock, drives the flush loop,
// applies backpressure policy, and emits observability events.
//
// Grounded on go-server/pkg/websocket/hub.go's Hub: a central owner of
// per-client channels fed by a single event-processing loop, generalized
// from one flat broadcast map to per-terminal replay rings with
// per-attachment queues, since this domain needs reattach continuity that
// a flat broadcast hub has no notion of.
type Broker struct {
	cfg      Config
	registry TerminalRegistry
	sink     Sink

	termLock *termLock

	mu        sync.Mutex
	terminals map[string]*terminalState
	connIndex map[string]map[string]struct{} // connID -> set of terminalIDs

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewBroker constructs a broker over registry, reporting to sink (use
// NoopSink{} if observability isn't needed), and starts its event-ingest
// loop. Close stops the loop and unsubscribes.
func NewBroker(registry TerminalRegistry, sink Sink, cfg Config) *Broker {
	if sink == nil {
		sink = NoopSink{}
	}
	b := &Broker{
		cfg:       cfg.clamp(),
		registry:  registry,
		sink:      sink,
		termLock:  newTermLock(),
		terminals: make(map[string]*terminalState),
		connIndex: make(map[string]map[string]struct{}),
		closed:    make(chan struct{}),
	}

	b.wg.Add(1)
	go b.runEventLoop()

	return b
}

func (b *Broker) runEventLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.closed:
			return
		case ev, ok := <-b.registry.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case EventOutputRaw:
				b.ingest(ev.TerminalID, ev.Data)
			case EventExit:
				b.onTerminalExit(ev.TerminalID)
			}
		}
	}
}

func (b *Broker) getOrCreateTerminal(terminalID string) *terminalState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.terminals[terminalID]
	if !ok {
		ts = newTerminalState(b.cfg.RingMaxBytes)
		b.terminals[terminalID] = ts
	}
	return ts
}

func (b *Broker) indexConn(connID, terminalID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.connIndex[connID]
	if !ok {
		set = make(map[string]struct{})
		b.connIndex[connID] = set
	}
	set[terminalID] = struct{}{}
}

func (b *Broker) unindexConn(connID, terminalID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.connIndex[connID]
	if !ok {
		return
	}
	delete(set, terminalID)
	if len(set) == 0 {
		delete(b.connIndex, connID)
	}
}

// ingest appends data to terminalID's ring and routes the resulting frame
// to every attachment: staged if attaching, enqueued-and-scheduled if live.
// Ingest never waits on a slow client — delivery is the flush loop's job.
func (b *Broker) ingest(terminalID, data string) {
	b.termLock.withLock(terminalID, func() {
		ts := b.getOrCreateTerminal(terminalID)
		frame := ts.ring.Append(data)
		b.sink.OutputIngested(terminalID, frame.Bytes)

		for _, att := range ts.attachments {
			if att.currentMode() == ModeAttaching {
				att.stage(frame)
				continue
			}
			att.Queue.Enqueue(frame)
			b.scheduleFlush(terminalID, att, 0)
		}
	})
}

// onTerminalExit cancels every attachment's flush timer, clears the
// reverse index, and drops the terminal's state. No further frames can be
// produced for it.
func (b *Broker) onTerminalExit(terminalID string) {
	b.termLock.withLock(terminalID, func() {
		b.mu.Lock()
		ts, ok := b.terminals[terminalID]
		if ok {
			delete(b.terminals, terminalID)
		}
		b.mu.Unlock()

		if !ok {
			return
		}
		for _, att := range ts.attachments {
			att.cancelFlush()
			b.unindexConn(att.ConnID, terminalID)
			b.sink.AttachmentClosed(terminalID, att.ConnID)
		}
	})
}

// SendCreatedAndAttach delivers the terminal.created envelope verbatim,
// then performs the attach handshake.
func (b *Broker) SendCreatedAndAttach(conn ClientConnection, created CreatedMessage, sinceSeq uint64) bool {
	conn.Send(Envelope{Type: WireTypeCreated, Created: &created})
	return b.Attach(conn, created.TerminalID, sinceSeq)
}

// Attach runs the attach handshake of spec §4.4.3 and returns false only
// when the registry refuses the attach outright.
func (b *Broker) Attach(conn ClientConnection, terminalID string, since uint64) bool {
	handle, ok := b.registry.Attach(terminalID, conn, AttachOptions{SuppressOutput: true})
	if !ok {
		return false
	}

	ts := b.getOrCreateTerminal(terminalID)

	var att *Attachment
	var replay ReplayResult
	var headSeq, replayFromSeq, replayToSeq uint64
	newAttachment := false

	b.termLock.withLock(terminalID, func() {
		att, ok = ts.attachments[conn.ConnectionID()]
		if !ok {
			att = NewAttachment(conn.ConnectionID(), terminalID, conn, b.cfg.QueueMaxBytes)
			ts.attachments[conn.ConnectionID()] = att
			b.indexConn(conn.ConnectionID(), terminalID)
			newAttachment = true
		}
		att.resetForAttach()

		if ts.ring.HeadSeq() == 0 {
			if data, seeded := handle.BufferSnapshot(); seeded && data != "" {
				ts.ring.Append(data)
			}
		}

		replay = ts.ring.ReplaySince(since)
		headSeq = ts.ring.HeadSeq()
		if len(replay.Frames) == 0 {
			replayFromSeq = headSeq + 1
			replayToSeq = headSeq
		} else {
			replayFromSeq = replay.Frames[0].SeqStart
			replayToSeq = replay.Frames[len(replay.Frames)-1].SeqEnd
		}
	})

	connID := conn.ConnectionID()
	if newAttachment {
		b.sink.AttachmentOpened(terminalID, connID)
	}

	// Everything below runs without the per-terminal lock held, so a
	// concurrent ingest for this terminal proceeds and stages frames for
	// this attachment (still in ModeAttaching) rather than blocking on a
	// slow client's socket.
	if !conn.Send(Envelope{Type: WireTypeAttachReady, AttachReady: &AttachReadyMessage{
		TerminalID:    terminalID,
		HeadSeq:       headSeq,
		ReplayFromSeq: replayFromSeq,
		ReplayToSeq:   replayToSeq,
	}}) {
		return true
	}

	if replay.Missed {
		b.sink.ReplayMiss(terminalID, connID)
		missedToSeq := replayFromSeq - 1
		if missedToSeq >= replay.MissedFromSeq {
			if !conn.Send(Envelope{Type: WireTypeOutputGap, Gap: &GapMessage{
				TerminalID: terminalID,
				FromSeq:    replay.MissedFromSeq,
				ToSeq:      missedToSeq,
				Reason:     GapReplayWindowExceeded,
			}}) {
				return true
			}
			att.advanceLastSeq(missedToSeq)
			b.sink.Gap(terminalID, connID, GapReplayWindowExceeded)
		}
	} else {
		b.sink.ReplayHit(terminalID, connID)
	}

	for _, f := range replay.Frames {
		if !conn.Send(Envelope{Type: WireTypeOutput, Output: &OutputMessage{
			TerminalID: terminalID,
			SeqStart:   f.SeqStart,
			SeqEnd:     f.SeqEnd,
			Data:       f.Data,
		}}) {
			return true
		}
		att.advanceLastSeq(f.SeqEnd)
		b.sink.OutputFrameSent(terminalID, connID)
	}

	b.termLock.withLock(terminalID, func() {
		if att.transitionToLive(replayToSeq) {
			b.scheduleFlush(terminalID, att, 0)
		}
	})

	return true
}

// Detach removes conn's attachment to terminalID. Idempotent: returns true
// the first time, false thereafter (or if never attached).
func (b *Broker) Detach(terminalID string, conn ClientConnection) bool {
	connID := conn.ConnectionID()
	removed := false

	b.termLock.withLock(terminalID, func() {
		b.mu.Lock()
		ts, ok := b.terminals[terminalID]
		b.mu.Unlock()
		if !ok {
			return
		}
		if att, exists := ts.attachments[connID]; exists {
			delete(ts.attachments, connID)
			att.cancelFlush()
			removed = true
		}
	})

	if removed {
		b.unindexConn(connID, terminalID)
		b.registry.Detach(terminalID, conn)
		b.sink.AttachmentClosed(terminalID, connID)
	}
	return removed
}

// DetachAllForSocket detaches conn from every terminal it is attached to,
// in O(|attachments for this connection|).
func (b *Broker) DetachAllForSocket(conn ClientConnection) {
	connID := conn.ConnectionID()

	b.mu.Lock()
	set := b.connIndex[connID]
	terminalIDs := make([]string, 0, len(set))
	for tid := range set {
		terminalIDs = append(terminalIDs, tid)
	}
	b.mu.Unlock()

	for _, tid := range terminalIDs {
		b.Detach(tid, conn)
	}
}

// AttachedClientCount returns the number of attachments currently on
// terminalID (attaching or live).
func (b *Broker) AttachedClientCount(terminalID string) int {
	b.mu.Lock()
	ts, ok := b.terminals[terminalID]
	b.mu.Unlock()
	if !ok {
		return 0
	}

	count := 0
	b.termLock.withLock(terminalID, func() {
		count = len(ts.attachments)
	})
	return count
}

// AttachedTerminalsFor returns the set of terminal IDs conn currently holds
// an attachment to — a read of the reverse index spec §3.6 mandates. The
// HTTP health endpoint does not call it.
func (b *Broker) AttachedTerminalsFor(conn ClientConnection) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.connIndex[conn.ConnectionID()]
	out := make([]string, 0, len(set))
	for tid := range set {
		out = append(out, tid)
	}
	return out
}

// Close stops consuming registry events, then stops every outstanding
// per-attachment flush timer before clearing broker state, so no flush can
// fire and reach a client's connection after Close returns. Detach is
// idempotent and Close is safe to call more than once.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
	b.wg.Wait()

	b.mu.Lock()
	terminals := b.terminals
	b.terminals = make(map[string]*terminalState)
	b.connIndex = make(map[string]map[string]struct{})
	b.mu.Unlock()

	for _, ts := range terminals {
		for _, att := range ts.attachments {
			att.cancelFlush()
		}
	}
}

// scheduleFlush arms a one-shot flush for att after delay. It is a no-op
// when a timer is already outstanding for att.
func (b *Broker) scheduleFlush(terminalID string, att *Attachment, delay time.Duration) {
	att.armFlush(delay, func() {
		att.flushFired()
		b.flushTick(terminalID, att)
	})
}

// flushTick is one iteration of the per-attachment flush loop (spec
// §4.4.4): check liveness, apply backpressure policy, drain a batch,
// reschedule if more remains. It holds no broker-wide lock.
func (b *Broker) flushTick(terminalID string, att *Attachment) {
	select {
	case <-b.closed:
		return
	default:
	}

	if att.Conn.State() != ConnOpen {
		b.Detach(terminalID, att.Conn)
		return
	}

	buffered := att.Conn.BufferedBytes()
	healthy, closeNow := att.backpressureCheck(buffered, b.cfg.CatastrophicBufferedBytes, b.cfg.CatastrophicStallWindow, time.Now())
	if closeNow {
		b.sink.CatastrophicClose(terminalID, att.ConnID)
		att.Conn.Close(4008, "Catastrophic backpressure")
	}
	if !healthy {
		if att.isCatastrophicClosed() {
			b.Detach(terminalID, att.Conn)
			return
		}
		if att.Queue.PendingBytes() > 0 {
			b.scheduleFlush(terminalID, att, b.cfg.RetryFlushDelay)
		}
		return
	}

	if att.Queue.PendingBytes() > b.cfg.BatchMaxBytes {
		b.sink.QueuePressure(terminalID, att.ConnID, att.Queue.PendingBytes())
	}

	batch := att.Queue.NextBatch(b.cfg.BatchMaxBytes)
	for _, item := range batch {
		if item.Gap != nil {
			ok := att.Conn.Send(Envelope{Type: WireTypeOutputGap, Gap: &GapMessage{
				TerminalID: terminalID,
				FromSeq:    item.Gap.FromSeq,
				ToSeq:      item.Gap.ToSeq,
				Reason:     item.Gap.Reason,
			}})
			att.advanceLastSeq(item.Gap.ToSeq)
			b.sink.Gap(terminalID, att.ConnID, item.Gap.Reason)
			if !ok {
				b.Detach(terminalID, att.Conn)
				return
			}
			continue
		}

		f := item.Frame
		ok := att.Conn.Send(Envelope{Type: WireTypeOutput, Output: &OutputMessage{
			TerminalID: terminalID,
			SeqStart:   f.SeqStart,
			SeqEnd:     f.SeqEnd,
			Data:       f.Data,
		}})
		att.advanceLastSeq(f.SeqEnd)
		if !ok {
			b.Detach(terminalID, att.Conn)
			return
		}
		b.sink.OutputFrameSent(terminalID, att.ConnID)
	}

	if att.Queue.PendingBytes() > 0 {
		b.scheduleFlush(terminalID, att, 0)
	}
}
