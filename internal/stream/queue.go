package stream

import (
	"sync"
	"time"
)

// ClientOutputQueue is the per-attachment outbound buffer. It holds copies of
// ring frames, evicts FIFO under its byte budget, and records what it evicted
// as a single pending gap that is always emitted before the next data frame.
//
// Unlike the ring, the queue is internally synchronized: ingest enqueues under
// the per-terminal lock while the flush loop dequeues outside of it.
type ClientOutputQueue struct {
	mu         sync.Mutex
	frames     []Frame
	totalBytes int
	maxBytes   int
	pendingGap *Gap

	now func() time.Time
}

// BatchItem is one element of a flush batch: either a gap notification or a
// (possibly coalesced) data frame, never both.
type BatchItem struct {
	Gap   *Gap
	Frame *Frame
}

func NewClientOutputQueue(maxBytes int) *ClientOutputQueue {
	return &ClientOutputQueue{
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// Enqueue appends a copy of frame. When the budget is exceeded the oldest
// frames are evicted and folded into the pending gap, widening it as needed.
// Eviction here is deliberate loss: the evicted range will never be delivered
// to this attachment.
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

// NextBatch drains up to budget bytes of frames, preceded by the pending gap
// when one exists. Adjacent frames are coalesced into a single frame to
// amortise framing overhead; coalescing preserves the density of sequence
// numbers on the wire. A single oversized frame is still emitted when nothing
// else has been, so the queue always makes progress.
func (q *ClientOutputQueue) NextBatch(budget int) []BatchItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []BatchItem
	if q.pendingGap != nil {
		batch = append(batch, BatchItem{Gap: q.pendingGap})
		q.pendingGap = nil
	}

	remaining := budget
	emitted := false
	for len(q.frames) > 0 {
		head := q.frames[0]
		if head.Bytes > remaining && emitted {
			break
		}
		q.frames = q.frames[1:]
		q.totalBytes -= head.Bytes
		remaining -= head.Bytes

		merged := head
		for len(q.frames) > 0 {
			next := q.frames[0]
			if next.SeqStart != merged.SeqEnd+1 || next.Bytes > remaining {
				break
			}
			q.frames = q.frames[1:]
			q.totalBytes -= next.Bytes
			remaining -= next.Bytes

			merged.Data += next.Data
			merged.Bytes += next.Bytes
			merged.SeqEnd = next.SeqEnd
			merged.At = q.now()
		}

		batch = append(batch, BatchItem{Frame: &merged})
		emitted = true
		if remaining <= 0 {
			break
		}
	}
	return batch
}

// PendingBytes is the byte footprint of frames still waiting to be flushed.
func (q *ClientOutputQueue) PendingBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytes
}

// HasPending reports whether a flush would emit anything (frames or a gap).
func (q *ClientOutputQueue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames) > 0 || q.pendingGap != nil
}

// Reset drops all buffered frames and any pending gap. Used when an attachment
// restarts its handshake: replay supersedes whatever was queued.
func (q *ClientOutputQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = nil
	q.totalBytes = 0
	q.pendingGap = nil
}
