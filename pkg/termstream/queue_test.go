package termstream

import "testing"

func frameAt(seq uint64, data string) Frame {
	return Frame{SeqStart: seq, SeqEnd: seq, Data: data, Bytes: len(data)}
}

func TestClientOutputQueueOverflowSynthesizesGap(t *testing.T) {
	q := NewClientOutputQueue(10)
	q.Enqueue(frameAt(1, "0123456789")) // exactly at budget
	q.Enqueue(frameAt(2, "x"))          // evicts frame 1 entirely

	batch := q.NextBatch(1024)
	if len(batch) != 2 {
		t.Fatalf("expected gap + data item, got %d items", len(batch))
	}
	if batch[0].Gap == nil {
		t.Fatalf("expected first item to be a gap")
	}
	if batch[0].Gap.FromSeq != 1 || batch[0].Gap.ToSeq != 1 {
		t.Fatalf("unexpected gap range: %+v", batch[0].Gap)
	}
	if batch[0].Gap.Reason != GapQueueOverflow {
		t.Fatalf("expected queue_overflow reason, got %s", batch[0].Gap.Reason)
	}
	if batch[1].Frame == nil || batch[1].Frame.Data != "x" {
		t.Fatalf("expected surviving frame x, got %+v", batch[1])
	}
}

func TestClientOutputQueueCoalescesAdjacentFrames(t *testing.T) {
	q := NewClientOutputQueue(1024)
	q.Enqueue(frameAt(1, "ab"))
	q.Enqueue(frameAt(2, "cd"))
	q.Enqueue(frameAt(3, "ef"))

	batch := q.NextBatch(1024)
	if len(batch) != 1 {
		t.Fatalf("expected a single coalesced item, got %d", len(batch))
	}
	f := batch[0].Frame
	if f == nil || f.Data != "abcdef" {
		t.Fatalf("expected merged data abcdef, got %+v", f)
	}
	if f.SeqStart != 1 || f.SeqEnd != 3 {
		t.Fatalf("expected merged seq range [1,3], got [%d,%d]", f.SeqStart, f.SeqEnd)
	}
}

func TestClientOutputQueueNextBatchAlwaysMakesProgress(t *testing.T) {
	q := NewClientOutputQueue(1024)
	q.Enqueue(frameAt(1, "0123456789")) // 10 bytes, bigger than the batch budget below

	batch := q.NextBatch(4)
	if len(batch) != 1 || batch[0].Frame == nil {
		t.Fatalf("expected the oversized head frame to be popped anyway, got %+v", batch)
	}
	if q.PendingBytes() != 0 {
		t.Fatalf("expected queue drained, got %d pending bytes", q.PendingBytes())
	}
}

func TestClientOutputQueueNextBatchInfiniteBudgetRoundTrips(t *testing.T) {
	q := NewClientOutputQueue(1024)
	frames := []Frame{frameAt(1, "a"), frameAt(3, "b"), frameAt(5, "c")} // gaps between seqs, so no coalescing
	for _, f := range frames {
		q.Enqueue(f)
	}

	batch := q.NextBatch(1 << 30)
	if len(batch) != len(frames) {
		t.Fatalf("expected %d distinct items (non-adjacent seqs don't coalesce), got %d", len(frames), len(batch))
	}
	if q.PendingBytes() != 0 {
		t.Fatalf("expected queue fully drained, got %d", q.PendingBytes())
	}
}
