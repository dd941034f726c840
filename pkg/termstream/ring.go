package termstream

import (
	"sync"
	"time"
)

// ReplayRing is the per-terminal, append-only, byte-bounded history of
// frames available to reattaching clients. It assigns sequence numbers on
// append and evicts from the head to stay within its byte budget.
//
// Grounded on go-server/pkg/websocket/ring_buffer.go's head/tail bookkeeping,
// generalized from a fixed-size lock-free slot array to a byte-budgeted
// FIFO since replay must report byte-accurate eviction, not slot counts.
type ReplayRing struct {
	mu         sync.Mutex
	frames     []Frame
	totalBytes int
	maxBytes   int
	nextSeq    uint64
	head       uint64
}

// NewReplayRing creates a ring bounded to maxBytes. maxBytes is clamped to
// at least 1 by the caller (NewBroker applies Config.clamp).
func NewReplayRing(maxBytes int) *ReplayRing {
	return &ReplayRing{
		maxBytes: maxBytes,
		nextSeq:  1,
	}
}

// ReplayResult is the answer to replaySince: the frames newer than the
// requested sequence, plus an optional indication that older frames were
// already evicted by the time of the request.
type ReplayResult struct {
	Frames        []Frame
	MissedFromSeq uint64
	Missed        bool
}

// Append assigns the next sequence number to data, normalising it to the
// ring's byte budget (keeping only the UTF-8-safe suffix when data alone
// exceeds maxBytes), then evicts from the head until totalBytes <= maxBytes.
func (r *ReplayRing) Append(data string) Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(data) > r.maxBytes {
		data = truncateToSuffix(data, r.maxBytes)
	}

	seq := r.nextSeq
	r.nextSeq++
	frame := newFrame(seq, data, time.Now())

	r.frames = append(r.frames, frame)
	r.totalBytes += frame.Bytes
	if frame.SeqEnd > r.head {
		r.head = frame.SeqEnd
	}

	r.evictLocked()

	return frame
}

func (r *ReplayRing) evictLocked() {
	for r.totalBytes > r.maxBytes && len(r.frames) > 0 {
		evicted := r.frames[0]
		r.frames = r.frames[1:]
		r.totalBytes -= evicted.Bytes
	}
}

// ReplaySince returns the frames strictly newer than since (since = 0 means
// "from the beginning"), plus MissedFromSeq/Missed when the ring can no
// longer supply the full window — either because it is empty and the
// caller's horizon already advanced, or because the oldest retained frame
// starts after since+1.
func (r *ReplayRing) ReplaySince(since uint64) ReplayResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.frames) == 0 {
		if since < r.head {
			return ReplayResult{MissedFromSeq: since + 1, Missed: true}
		}
		return ReplayResult{}
	}

	tail := r.frames[0].SeqStart
	result := ReplayResult{}
	if since < tail-1 {
		result.MissedFromSeq = since + 1
		result.Missed = true
	}

	for _, f := range r.frames {
		if f.SeqEnd > since {
			result.Frames = append(result.Frames, f)
		}
	}
	return result
}

// HeadSeq returns the largest SeqEnd ever appended (0 if nothing appended).
func (r *ReplayRing) HeadSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// TailSeq returns the smallest SeqStart currently retained, or 0 if empty.
func (r *ReplayRing) TailSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return 0
	}
	return r.frames[0].SeqStart
}

// SetMaxBytes reconfigures the byte budget and immediately re-evicts.
func (r *ReplayRing) SetMaxBytes(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxBytes = n
	r.evictLocked()
}

// TotalBytes reports the ring's current byte usage.
func (r *ReplayRing) TotalBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalBytes
}
