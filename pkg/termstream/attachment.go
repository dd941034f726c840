package termstream

import (
	"sync"
	"time"
)

// AttachMode is the attachment state machine's two live states; detached
// attachments are simply removed from the broker's map.
type AttachMode int

const (
	ModeAttaching AttachMode = iota
	ModeLive
)

// Attachment is the per-(connection, terminal) record. lastSeq is
// non-decreasing for the life of the attachment; while mode is
// ModeAttaching, live frames are staged and never reach the queue or wire.
type Attachment struct {
	mu sync.Mutex

	ConnID     string
	TerminalID string
	Conn       ClientConnection

	mode          AttachMode
	lastSeq       uint64
	attachStaging []Frame

	Queue *ClientOutputQueue

	flushTimer *time.Timer

	catastrophicSince  time.Time
	catastrophicClosed bool
}

// NewAttachment creates an attachment in ModeAttaching with a fresh staging
// buffer and output queue.
func NewAttachment(connID, terminalID string, conn ClientConnection, queueMaxBytes int) *Attachment {
	return &Attachment{
		ConnID:     connID,
		TerminalID: terminalID,
		Conn:       conn,
		mode:       ModeAttaching,
		Queue:      NewClientOutputQueue(queueMaxBytes),
	}
}

func (a *Attachment) resetForAttach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = ModeAttaching
	a.attachStaging = nil
}

func (a *Attachment) currentMode() AttachMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// stage appends a live frame to the attach-staging buffer. Called by the
// broker's ingest path while the attachment is ModeAttaching.
func (a *Attachment) stage(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attachStaging = append(a.attachStaging, f)
}

// lastSeqValue returns lastSeq.
func (a *Attachment) lastSeqValue() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// advanceLastSeq sets lastSeq to the max of its current value and seq.
func (a *Attachment) advanceLastSeq(seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq > a.lastSeq {
		a.lastSeq = seq
	}
}

// transitionToLive moves staged frames with SeqStart > replayToSeq into the
// queue (duplicates are impossible because lastSeq only advances), then
// switches mode to live and returns whether the queue now has pending
// bytes (so the broker knows whether to schedule a flush).
func (a *Attachment) transitionToLive(replayToSeq uint64) (scheduleFlush bool) {
	a.mu.Lock()
	staged := a.attachStaging
	a.attachStaging = nil
	lastSeq := a.lastSeq
	a.mode = ModeLive
	a.mu.Unlock()

	for _, f := range staged {
		if f.SeqStart > replayToSeq && f.SeqStart > lastSeq {
			a.Queue.Enqueue(f)
			a.advanceLastSeq(f.SeqEnd)
		}
	}

	return a.Queue.PendingBytes() > 0
}

// armFlush reports false (no-op) if a flush timer is already outstanding
// for this attachment, otherwise arms fn to run after delay and returns
// true. The timer is retained so a later cancelFlush can stop it before it
// fires.
func (a *Attachment) armFlush(delay time.Duration, fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flushTimer != nil {
		return false
	}
	a.flushTimer = time.AfterFunc(delay, fn)
	return true
}

// flushFired clears the outstanding-timer bookkeeping; called by the timer
// callback itself before it does any work, so a fresh flush can be armed.
func (a *Attachment) flushFired() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushTimer = nil
}

// cancelFlush stops any outstanding flush timer for this attachment. Safe
// to call whether or not one is armed, and safe to call concurrently with
// the timer firing.
func (a *Attachment) cancelFlush() {
	a.mu.Lock()
	timer := a.flushTimer
	a.flushTimer = nil
	a.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// backpressureCheck implements spec §4.4.5's per-flush catastrophic policy.
// It returns healthy=true when the connection is within budget, and
// closeNow=true the one time the stall grace window has elapsed.
func (a *Attachment) backpressureCheck(buffered int64, catastrophicBytes int64, stallWindow time.Duration, now time.Time) (healthy, closeNow bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if buffered <= catastrophicBytes {
		a.catastrophicSince = time.Time{}
		return true, false
	}

	if a.catastrophicSince.IsZero() {
		a.catastrophicSince = now
		return false, false
	}

	if now.Sub(a.catastrophicSince) < stallWindow {
		return false, false
	}

	a.catastrophicClosed = true
	return false, true
}

func (a *Attachment) isCatastrophicClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.catastrophicClosed
}
