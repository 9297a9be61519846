package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(seq int64, data string) Frame {
	return Frame{
		SeqStart: seq,
		SeqEnd:   seq,
		Data:     data,
		Bytes:    len(data),
		At:       time.Now(),
	}
}

func TestQueueEnqueueWithinBudget(t *testing.T) {
	q := NewClientOutputQueue(1024)

	q.Enqueue(testFrame(1, "a"))
	q.Enqueue(testFrame(2, "b"))

	assert.Equal(t, 2, q.PendingBytes())
	assert.True(t, q.HasPending())
}

func TestQueueEvictionWidensSingleGap(t *testing.T) {
	q := NewClientOutputQueue(2)

	for i := int64(1); i <= 5; i++ {
		q.Enqueue(testFrame(i, "x"))
	}

	batch := q.NextBatch(1024)

	// Frames 1-3 were evicted into one gap; 4 and 5 survive and coalesce.
	require.Len(t, batch, 2)
	require.NotNil(t, batch[0].Gap)
	assert.Equal(t, int64(1), batch[0].Gap.FromSeq)
	assert.Equal(t, int64(3), batch[0].Gap.ToSeq)
	assert.Equal(t, GapQueueOverflow, batch[0].Gap.Reason)

	require.NotNil(t, batch[1].Frame)
	assert.Equal(t, int64(4), batch[1].Frame.SeqStart)
	assert.Equal(t, int64(5), batch[1].Frame.SeqEnd)
	assert.Equal(t, "xx", batch[1].Frame.Data)
}

func TestQueueNextBatchEmitsGapBeforeFrames(t *testing.T) {
	q := NewClientOutputQueue(1)

	q.Enqueue(testFrame(1, "a"))
	q.Enqueue(testFrame(2, "b")) // evicts 1

	batch := q.NextBatch(1024)

	require.Len(t, batch, 2)
	require.NotNil(t, batch[0].Gap)
	assert.Equal(t, int64(1), batch[0].Gap.FromSeq)
	assert.Equal(t, int64(1), batch[0].Gap.ToSeq)
	require.NotNil(t, batch[1].Frame)
	assert.Equal(t, int64(2), batch[1].Frame.SeqStart)
}

func TestQueueCoalescesOnlyAdjacentFrames(t *testing.T) {
	q := NewClientOutputQueue(1024)

	q.Enqueue(testFrame(1, "a"))
	q.Enqueue(testFrame(2, "b"))
	q.Enqueue(testFrame(5, "c")) // hole between 2 and 5

	batch := q.NextBatch(1024)

	require.Len(t, batch, 2)
	assert.Equal(t, int64(1), batch[0].Frame.SeqStart)
	assert.Equal(t, int64(2), batch[0].Frame.SeqEnd)
	assert.Equal(t, "ab", batch[0].Frame.Data)
	assert.Equal(t, int64(5), batch[1].Frame.SeqStart)
}

func TestQueueOversizedFrameStillMakesProgress(t *testing.T) {
	q := NewClientOutputQueue(1024)
	q.Enqueue(testFrame(1, "this frame is larger than the batch budget"))

	batch := q.NextBatch(4)

	require.Len(t, batch, 1)
	require.NotNil(t, batch[0].Frame)
	assert.Equal(t, int64(1), batch[0].Frame.SeqStart)
	assert.False(t, q.HasPending())
}

func TestQueueNextBatchStopsAtBudget(t *testing.T) {
	q := NewClientOutputQueue(1024)

	q.Enqueue(testFrame(1, "aaaa"))
	q.Enqueue(testFrame(2, "bbbb"))
	q.Enqueue(testFrame(3, "cccc"))

	batch := q.NextBatch(8)

	// First two coalesce into the budget; the third waits for the next tick.
	require.Len(t, batch, 1)
	assert.Equal(t, int64(1), batch[0].Frame.SeqStart)
	assert.Equal(t, int64(2), batch[0].Frame.SeqEnd)
	assert.True(t, q.HasPending())

	rest := q.NextBatch(8)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(3), rest[0].Frame.SeqStart)
	assert.False(t, q.HasPending())
}

func TestQueueNextBatchEmptyQueue(t *testing.T) {
	q := NewClientOutputQueue(1024)
	assert.Empty(t, q.NextBatch(1024))
	assert.False(t, q.HasPending())
}

func TestQueueGapAloneCountsAsPending(t *testing.T) {
	q := NewClientOutputQueue(1)

	q.Enqueue(testFrame(1, "ab")) // oversized for the queue, evicts itself

	assert.True(t, q.HasPending())
	assert.Equal(t, 0, q.PendingBytes())

	batch := q.NextBatch(1024)
	require.Len(t, batch, 1)
	require.NotNil(t, batch[0].Gap)
	assert.False(t, q.HasPending())
}

func TestQueueReset(t *testing.T) {
	q := NewClientOutputQueue(1)

	q.Enqueue(testFrame(1, "a"))
	q.Enqueue(testFrame(2, "b")) // evicts 1 into a gap

	q.Reset()

	assert.False(t, q.HasPending())
	assert.Empty(t, q.NextBatch(1024))
}
