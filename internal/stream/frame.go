package stream

import (
	"time"
	"unicode/utf8"
)

// Frame is one unit of buffered terminal output. SeqStart and SeqEnd are
// both inclusive; they are equal on ingest and diverge only when adjacent
// frames are coalesced on dequeue.
type Frame struct {
	SeqStart int64
	SeqEnd   int64
	Data     string
	Bytes    int       // UTF-8 byte length of Data, used for all budget accounting
	At       time.Time // last mutation (ingest, or dequeue-merge)
}

// GapReason explains why a sequence range was dropped for a client.
type GapReason string

const (
	GapQueueOverflow        GapReason = "queue_overflow"
	GapReplayWindowExceeded GapReason = "replay_window_exceeded"
)

// Gap signals that the contiguous range [FromSeq, ToSeq] was never delivered
// to a specific attachment. Gaps are per-attachment, not per-terminal.
type Gap struct {
	FromSeq int64
	ToSeq   int64
	Reason  GapReason
}

// utf8Suffix returns the longest suffix of s that fits within max bytes and
// decodes as valid UTF-8. The start offset advances byte-by-byte until the
// remainder validates; if no valid suffix exists the result is empty. An empty
// frame is preferable to corrupt text.
func utf8Suffix(s string, max int) string {
	if max < 0 {
		max = 0
	}
	if len(s) <= max {
		return s
	}
	for start := len(s) - max; start < len(s); start++ {
		if !utf8.RuneStart(s[start]) {
			continue
		}
		if utf8.ValidString(s[start:]) {
			return s[start:]
		}
	}
	return ""
}
