package termstream

import "sync"

// GapReason identifies why a contiguous sequence range was never delivered
// to a specific client.
type GapReason string

const (
	GapQueueOverflow        GapReason = "queue_overflow"
	GapReplayWindowExceeded GapReason = "replay_window_exceeded"
)

// Gap is a signal that [FromSeq, ToSeq] (inclusive) was deliberately dropped
// for one attachment. Gaps are per-attachment, never per-terminal.
type Gap struct {
	FromSeq uint64
	ToSeq   uint64
	Reason  GapReason
}

// BatchItem is one element of a nextBatch result: either a Frame or a Gap,
// never both.
type BatchItem struct {
	Frame *Frame
	Gap   *Gap
}

// ClientOutputQueue is the per-attachment outbound queue: byte-bounded,
// FIFO-evicting, with adjacent-frame coalescing on dequeue and gap
// synthesis on overflow.
//
// Grounded on go-server/pkg/websocket/ring_buffer.go's BroadcastBuffer (one
// buffer per client) generalized from a fixed-slot lock-free ring to a
// byte-budgeted queue, since client queues here must report exactly which
// sequence range was evicted rather than silently dropping a push.
type ClientOutputQueue struct {
	mu         sync.Mutex
	frames     []Frame
	totalBytes int
	maxBytes   int
	pendingGap *Gap
}

// NewClientOutputQueue creates a queue bounded to maxBytes.
func NewClientOutputQueue(maxBytes int) *ClientOutputQueue {
	return &ClientOutputQueue{maxBytes: maxBytes}
}

// Enqueue appends a copy of frame, then evicts from the head until the
// queue is back within budget, widening pendingGap to cover every evicted
// frame's sequence range.
func (q *ClientOutputQueue) Enqueue(frame Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frames = append(q.frames, frame)
	q.totalBytes += frame.Bytes

	for q.totalBytes > q.maxBytes && len(q.frames) > 0 {
		evicted := q.frames[0]
		q.frames = q.frames[1:]
		q.totalBytes -= evicted.Bytes

		if q.pendingGap == nil {
			q.pendingGap = &Gap{
				FromSeq: evicted.SeqStart,
				ToSeq:   evicted.SeqEnd,
				Reason:  GapQueueOverflow,
			}
			continue
		}
		if evicted.SeqStart < q.pendingGap.FromSeq {
			q.pendingGap.FromSeq = evicted.SeqStart
		}
		if evicted.SeqEnd > q.pendingGap.ToSeq {
			q.pendingGap.ToSeq = evicted.SeqEnd
		}
	}
}

// PendingBytes reports the queue's current byte usage (used for the
// queue-pressure observability check and for flush rescheduling decisions).
func (q *ClientOutputQueue) PendingBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytes
}

// NextBatch drains up to budget bytes of buffered output, emitting the
// pending gap first (if any), then frames, coalescing adjacent frames as
// it goes. It always makes progress: if no data frame has yet been emitted
// in this batch, the head frame is popped even if it alone exceeds budget.
func (q *ClientOutputQueue) NextBatch(budget int) []BatchItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []BatchItem

	if q.pendingGap != nil {
		gap := *q.pendingGap
		q.pendingGap = nil
		out = append(out, BatchItem{Gap: &gap})
	}

	remaining := budget
	emittedData := false

	for len(q.frames) > 0 {
		head := q.frames[0]
		fits := head.Bytes <= remaining
		if !fits && emittedData {
			break
		}

		q.frames = q.frames[1:]
		q.totalBytes -= head.Bytes
		remaining -= head.Bytes
		if remaining < 0 {
			remaining = 0
		}
		emittedData = true
		merged := head

		for len(q.frames) > 0 {
			next := q.frames[0]
			if next.SeqStart != merged.SeqEnd+1 {
				break
			}
			if next.Bytes > remaining {
				break
			}
			q.frames = q.frames[1:]
			q.totalBytes -= next.Bytes
			remaining -= next.Bytes

			merged.Data += next.Data
			merged.Bytes += next.Bytes
			merged.SeqEnd = next.SeqEnd
			merged.At = next.At
		}

		f := merged
		out = append(out, BatchItem{Frame: &f})

		if remaining <= 0 {
			break
		}
	}

	return out
}
