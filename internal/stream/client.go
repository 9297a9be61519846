package stream

import (
	"sync"
	"time"
)

// ContinuityTracker is the client side of the streaming contract: it keeps a
// per-terminal lastSeq, suppresses duplicate frames after a reattach, and
// notes observed gaps. The broker guarantees no sequence hole is ever
// delivered without a preceding gap; the tracker is how a consumer holds the
// broker to that.
type ContinuityTracker struct {
	mu      sync.Mutex
	lastSeq map[string]int64
}

func NewContinuityTracker() *ContinuityTracker {
	return &ContinuityTracker{lastSeq: make(map[string]int64)}
}

// SinceSeq returns the value to pass as sinceSeq when (re)attaching to a
// terminal: the greatest sequence number already consumed, 0 for a terminal
// never seen.
func (t *ContinuityTracker) SinceSeq(terminalID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq[terminalID]
}

// ObserveReady processes an attach acknowledgement. It reports whether the
// server's replay window no longer covers this client's position, i.e. a
// replay_window_exceeded gap is about to follow.
func (t *ContinuityTracker) ObserveReady(m AttachReadyMessage) (lossExpected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq[m.TerminalID] < m.ReplayFromSeq-1
}

// ObserveOutput processes a data frame. Frames entirely at or below lastSeq
// are duplicates from an overlapping replay and must be dropped; everything
// else advances lastSeq. Returns false for dropped duplicates.
func (t *ContinuityTracker) ObserveOutput(m OutputMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.SeqEnd <= t.lastSeq[m.TerminalID] {
		return false
	}
	t.lastSeq[m.TerminalID] = m.SeqEnd
	return true
}

// ObserveGap processes a gap notification, advancing lastSeq past the dropped
// range so subsequent frames line up.
func (t *ContinuityTracker) ObserveGap(m OutputGapMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.ToSeq > t.lastSeq[m.TerminalID] {
		t.lastSeq[m.TerminalID] = m.ToSeq
	}
}

// Forget drops state for a terminal, e.g. after terminal exit.
func (t *ContinuityTracker) Forget(terminalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeq, terminalID)
}

// ReconnectBackoff produces the delay schedule a client follows between
// reconnect attempts: exponential doubling from Base up to Max. The broker
// treats each new connection independently, so the schedule lives entirely
// client-side.
type ReconnectBackoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay before the upcoming attempt and advances the
// schedule.
func (r *ReconnectBackoff) Next() time.Duration {
	base := r.Base
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	max := r.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	d := base << r.attempt
	if d >= max || d < base { // overflow guard
		d = max
	} else {
		r.attempt++
	}
	return d
}

// Reset returns the schedule to its initial delay after a successful
// connection.
func (r *ReconnectBackoff) Reset() {
	r.attempt = 0
}
